package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/parisxmas/oxiwarehouse/internal/handler"
	"github.com/parisxmas/oxiwarehouse/internal/notify"
	"github.com/parisxmas/oxiwarehouse/internal/router"
	"github.com/parisxmas/oxiwarehouse/internal/service"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event stream and temp-archive sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.ensure()
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := openStore(runCtx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			logger.Info("database ready", "driver", cfg.Database.Driver)

			blobs, err := openBlobStore(runCtx, cfg, logger)
			if err != nil {
				return err
			}
			defer blobs.close()

			hub := notify.NewHub(logger.With("component", "ws"))
			subs := service.NewSubmissionService(store.Submissions, store.Users, blobs.gateway,
				newArchiveBuilder(cfg, blobs.gateway, logger),
				service.WithNotifier(newNotifier(cfg, hub, logger)),
				service.WithSignTTL(cfg.SignTTL()),
				service.WithLogger(logger.With("component", "submissions")),
			)
			authSvc := service.NewAuthService(store.Users, cfg.Auth.JWTSecret, logger.With("component", "auth"))
			if err := authSvc.SeedAdmin(runCtx, cfg.Auth.AdminEmail, cfg.Auth.AdminPassword); err != nil {
				logger.Warn("failed to seed admin", "error", err)
			}
			sweeper := service.NewSweeper(blobs.gateway, cfg.TempMaxAge(), cfg.SweepInterval(), logger.With("component", "sweeper"))
			if cfg.Auth.WorkerKey == "" {
				logger.Warn("no worker key configured; only admins can change submission status")
			}

			r := router.New(router.Options{
				JWTSecret: cfg.Auth.JWTSecret,
				WorkerKey: cfg.Auth.WorkerKey,
				Logger:    logger.With("component", "http"),
			}, router.Handlers{
				Auth:        handler.NewAuthHandler(authSvc, logger),
				Submissions: handler.NewSubmissionHandler(subs, handler.DefaultMaxUpload, logger),
				Files:       handler.NewFileHandler(blobs.gateway, logger),
				Events:      handler.NewEventsHandler(hub, logger),
				Admin:       handler.NewAdminHandler(authSvc, sweeper, logger),
				Health:      handler.NewHealthHandler(map[string]handler.Check{"storage": blobs.check}),
			})
			srv := &http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(runCtx)
			g.Go(func() error {
				hub.Run(gctx)
				return nil
			})
			g.Go(func() error {
				sweeper.Run(gctx)
				return nil
			})
			g.Go(func() error {
				logger.Info("oxiwarehouse server starting", "addr", cfg.HTTPAddr, "public_url", cfg.PublicURL)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
				defer cancel()
				logger.Info("shutting down")
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}
