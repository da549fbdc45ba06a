package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/parisxmas/oxiwarehouse/internal/apperr"
)

const maxJSONBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// respondError logs err with its kind and writes the client-safe message.
// Causes never reach the response body.
func respondError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logger.Log(r.Context(), level, "request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"kind", string(kind),
		"error", err,
	)
	writeError(w, status, apperr.Message(err))
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBody))
	return dec.Decode(v)
}
