package router

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/parisxmas/oxiwarehouse/internal/auth"
	"github.com/parisxmas/oxiwarehouse/internal/handler"
	mw "github.com/parisxmas/oxiwarehouse/internal/middleware"
)

type Handlers struct {
	Auth        *handler.AuthHandler
	Submissions *handler.SubmissionHandler
	Files       *handler.FileHandler
	Events      *handler.EventsHandler
	Admin       *handler.AdminHandler
	Health      *handler.HealthHandler
}

type Options struct {
	JWTSecret string
	WorkerKey string
	Logger    *slog.Logger
}

func New(opts Options, h Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Recovery(opts.Logger))
	r.Use(mw.Logger(opts.Logger))
	r.Use(mw.CORS)

	r.Get("/healthz", h.Health.Health)

	// Signed blob reads carry their own credential.
	r.Get("/files/{name}", h.Files.Serve)

	r.With(auth.QueryTokenMiddleware(opts.JWTSecret)).Get("/ws", h.Events.Stream)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Post("/auth/login", h.Auth.Login)
		r.Post("/auth/register", h.Auth.Register)

		// Processing worker
		r.With(auth.WorkerMiddleware(opts.WorkerKey, opts.JWTSecret)).
			Post("/worker/submissions/{id}/status", h.Submissions.UpdateStatus)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(opts.JWTSecret))

			// Auth
			r.Get("/auth/me", h.Auth.Me)

			// Submissions
			r.Post("/upload", h.Submissions.Upload)
			r.Get("/submissions", h.Submissions.List)
			r.Get("/submissions/{id}", h.Submissions.Get)
			r.Patch("/submissions/{id}", h.Submissions.Update)
			r.Delete("/submissions/{id}", h.Submissions.Delete)
			r.Get("/download", h.Submissions.Download)
			r.Post("/notifications", h.Submissions.Notify)

			// Admin
			r.Get("/admin/users", h.Admin.ListUsers)
			r.Post("/admin/sweep", h.Admin.Sweep)
		})
	})

	return r
}
