package handler

import (
	"log/slog"
	"net/http"

	"github.com/parisxmas/oxiwarehouse/internal/auth"
	"github.com/parisxmas/oxiwarehouse/internal/notify"
)

type EventsHandler struct {
	hub    *notify.Hub
	logger *slog.Logger
}

func NewEventsHandler(hub *notify.Hub, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{hub: hub, logger: logger}
}

// Stream upgrades to a websocket carrying the caller's submission events.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id := auth.GetIdentity(r.Context())
	if id.UserID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.hub.Serve(w, r, id.UserID, id.IsAdmin()); err != nil {
		h.logger.Warn("websocket session ended with error", "user", id.UserID, "error", err)
	}
}
