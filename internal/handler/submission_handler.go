package handler

import (
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/parisxmas/oxiwarehouse/internal/auth"
	"github.com/parisxmas/oxiwarehouse/internal/models"
	"github.com/parisxmas/oxiwarehouse/internal/service"
	"github.com/parisxmas/oxiwarehouse/internal/storage"
)

// DefaultMaxUpload bounds a single multipart upload request.
const DefaultMaxUpload = 512 << 20

type SubmissionHandler struct {
	svc       *service.SubmissionService
	maxUpload int64
	logger    *slog.Logger
}

func NewSubmissionHandler(svc *service.SubmissionService, maxUpload int64, logger *slog.Logger) *SubmissionHandler {
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUpload
	}
	return &SubmissionHandler{svc: svc, maxUpload: maxUpload, logger: logger}
}

func etag(sub *models.Submission) string {
	return `"` + strconv.FormatInt(sub.Version, 10) + `"`
}

// ifMatch parses an If-Match header carrying a submission version.
func ifMatch(r *http.Request) (*int64, bool) {
	raw := strings.TrimSpace(r.Header.Get("If-Match"))
	if raw == "" || raw == "*" {
		return nil, true
	}
	raw = strings.TrimPrefix(raw, "W/")
	v, err := strconv.ParseInt(strings.Trim(raw, `"`), 10, 64)
	if err != nil {
		return nil, false
	}
	return &v, true
}

func (h *SubmissionHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	var headers []*multipart.FileHeader
	for _, field := range []string{"files", "file"} {
		headers = append(headers, r.MultipartForm.File[field]...)
	}
	files := make([]storage.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read file")
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read file")
			return
		}
		files = append(files, storage.File{Name: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Data: data})
	}

	sub, err := h.svc.CreateSubmission(r.Context(), auth.GetIdentity(r.Context()), service.CreateInput{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Files:       files,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	w.Header().Set("ETag", etag(sub))
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "submission": sub})
}

func (h *SubmissionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	page, err := h.svc.ListSubmissions(r.Context(), auth.GetIdentity(r.Context()), service.ListQuery{
		Status: q.Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"submissions": page.Items,
		"count":       len(page.Items),
		"total":       page.Total,
		"limit":       page.Limit,
		"offset":      page.Offset,
	})
}

func (h *SubmissionHandler) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.svc.GetSubmissionDetail(r.Context(), auth.GetIdentity(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	w.Header().Set("ETag", etag(detail.Submission))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"submission":  detail.Submission,
		"inputFiles":  detail.InputFiles,
		"outputFiles": detail.OutputFiles,
	})
}

func (h *SubmissionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title          *string `json:"title"`
		Description    *string `json:"description"`
		Status         *string `json:"status"`
		OutputFolderID *string `json:"outputFolderId"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	version, ok := ifMatch(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid If-Match header")
		return
	}
	patch := service.Patch{
		Title:          req.Title,
		Description:    req.Description,
		OutputFolderID: req.OutputFolderID,
		IfVersion:      version,
	}
	if req.Status != nil {
		st := models.Status(*req.Status)
		patch.Status = &st
	}

	sub, err := h.svc.UpdateSubmission(r.Context(), auth.GetIdentity(r.Context()), chi.URLParam(r, "id"), patch)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	w.Header().Set("ETag", etag(sub))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "submission": sub})
}

func (h *SubmissionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSubmission(r.Context(), auth.GetIdentity(r.Context()), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Submission deleted successfully"})
}

// UpdateStatus is the worker's lifecycle endpoint.
func (h *SubmissionHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var change service.StatusChange
	if err := readJSON(r, &change); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if change.IfVersion == nil {
		version, ok := ifMatch(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid If-Match header")
			return
		}
		change.IfVersion = version
	}
	sub, err := h.svc.UpdateStatus(r.Context(), auth.GetIdentity(r.Context()), chi.URLParam(r, "id"), change)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	w.Header().Set("ETag", etag(sub))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "submission": sub})
}

func (h *SubmissionHandler) Download(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	subID := q.Get("submissionId")
	if subID == "" {
		writeError(w, http.StatusBadRequest, "submissionId is required")
		return
	}
	dl, err := h.svc.RequestDownload(r.Context(), auth.GetIdentity(r.Context()), subID, q.Get("format"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if dl.Archive != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"format":      dl.Format,
			"downloadUrl": dl.Archive.URL,
			"filename":    dl.Archive.Filename,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "format": dl.Format, "files": dl.Files})
}

func (h *SubmissionHandler) Notify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubmissionID string `json:"submissionId"`
		Type         string `json:"type"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SubmissionID == "" {
		writeError(w, http.StatusBadRequest, "submissionId is required")
		return
	}
	if err := h.svc.Notify(r.Context(), auth.GetIdentity(r.Context()), req.SubmissionID, req.Type); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
