package handler

import (
	"log/slog"
	"net/http"

	"github.com/parisxmas/oxiwarehouse/internal/auth"
	"github.com/parisxmas/oxiwarehouse/internal/service"
)

type AdminHandler struct {
	authSvc *service.AuthService
	sweeper *service.Sweeper
	logger  *slog.Logger
}

func NewAdminHandler(authSvc *service.AuthService, sweeper *service.Sweeper, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{authSvc: authSvc, sweeper: sweeper, logger: logger}
}

func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.authSvc.ListUsers(r.Context(), auth.GetIdentity(r.Context()))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "total": len(users)})
}

// Sweep runs one temporary-archive cleanup pass on demand.
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if !auth.GetIdentity(r.Context()).IsAdmin() {
		writeError(w, http.StatusForbidden, "admin access required")
		return
	}
	n, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}
