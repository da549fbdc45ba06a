package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/parisxmas/oxiwarehouse/internal/storage"
)

// FileHandler serves blobs addressed by a signed download token. No session
// is needed; the token is the credential.
type FileHandler struct {
	gw     *storage.Gateway
	logger *slog.Logger
}

func NewFileHandler(gw *storage.Gateway, logger *slog.Logger) *FileHandler {
	return &FileHandler{gw: gw, logger: logger}
}

func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing download token")
		return
	}
	data, ref, err := h.gw.Open(r.Context(), token)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", ref.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, ref.Filename()))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if ref.Checksum != "" {
		w.Header().Set("ETag", `"`+ref.Checksum+`"`)
	}
	w.Header().Set("Cache-Control", "private, no-store")
	w.Write(data)
}
