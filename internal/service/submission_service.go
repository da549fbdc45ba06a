package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parisxmas/oxiwarehouse/internal/access"
	"github.com/parisxmas/oxiwarehouse/internal/apperr"
	"github.com/parisxmas/oxiwarehouse/internal/archive"
	"github.com/parisxmas/oxiwarehouse/internal/models"
	"github.com/parisxmas/oxiwarehouse/internal/notify"
	"github.com/parisxmas/oxiwarehouse/internal/repository"
	"github.com/parisxmas/oxiwarehouse/internal/storage"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100

	FormatIndividual = "individual"
	FormatZip        = "zip"

	notifyTimeout = 15 * time.Second
	folderRerolls = 3
)

// FileStore is the blob-store surface the service needs.
type FileStore interface {
	Store(ctx context.Context, folderID string, file storage.File) (storage.FileRef, error)
	List(ctx context.Context, folderID string) ([]storage.FileRef, error)
	Sign(ctx context.Context, ref storage.FileRef, ttl time.Duration) (string, error)
	Delete(ctx context.Context, ref storage.FileRef) error
	PurgeFolder(ctx context.Context, folderID string) (int, error)
}

type ArchiveBuilder interface {
	Build(ctx context.Context, refs []storage.FileRef, name string) (*archive.Archive, error)
}

type SubmissionService struct {
	subs     repository.SubmissionRepository
	users    repository.UserRepository
	files    FileStore
	archives ArchiveBuilder
	notifier notify.Notifier
	logger   *slog.Logger
	signTTL  time.Duration
	now      func() time.Time
	newID    func() string
}

type Option func(*SubmissionService)

func WithLogger(l *slog.Logger) Option { return func(s *SubmissionService) { s.logger = l } }
func WithSignTTL(ttl time.Duration) Option { return func(s *SubmissionService) { s.signTTL = ttl } }
func WithClock(now func() time.Time) Option { return func(s *SubmissionService) { s.now = now } }
func WithIDGenerator(f func() string) Option { return func(s *SubmissionService) { s.newID = f } }
func WithNotifier(n notify.Notifier) Option { return func(s *SubmissionService) { s.notifier = n } }

func NewSubmissionService(subs repository.SubmissionRepository, users repository.UserRepository, files FileStore, archives ArchiveBuilder, opts ...Option) *SubmissionService {
	s := &SubmissionService{
		subs:     subs,
		users:    users,
		files:    files,
		archives: archives,
		notifier: notify.Multi{},
		logger:   slog.Default(),
		signTTL:  storage.DefaultSignTTL,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateInput struct {
	Title       string
	Description string
	Files       []storage.File
}

// CreateSubmission stores the uploaded files under a fresh input folder and
// records a pending submission. Files already stored are removed again if a
// later step fails.
func (s *SubmissionService) CreateSubmission(ctx context.Context, id access.Identity, in CreateInput) (*models.Submission, error) {
	if err := access.Require(id); err != nil {
		return nil, err
	}
	if id.UserID == "" {
		return nil, apperr.Forbidden("submissions must be created by a user")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperr.Validation("title is required")
	}
	if len(in.Files) == 0 {
		return nil, apperr.Validation("at least one file is required")
	}
	for _, f := range in.Files {
		if _, err := storage.SafeFilename(f.Name); err != nil {
			return nil, err
		}
	}

	subID, folder, err := s.allocateFolder(ctx, id.UserID)
	if err != nil {
		return nil, err
	}

	stored := make([]storage.FileRef, 0, len(in.Files))
	for _, f := range in.Files {
		ref, err := s.files.Store(ctx, folder, f)
		if err != nil {
			s.logger.Error("upload failed, rolling back", "submission", subID, "file", f.Name, "stored", len(stored), "error", err)
			s.compensate(ctx, stored)
			return nil, err
		}
		stored = append(stored, ref)
	}

	now := s.now().UTC()
	sub := &models.Submission{
		ID:            subID,
		Title:         title,
		Description:   strings.TrimSpace(in.Description),
		Status:        models.StatusPending,
		InputFolderID: folder,
		OwnerID:       id.UserID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		s.logger.Error("persist submission failed, rolling back", "submission", subID, "error", err)
		s.compensate(ctx, stored)
		return nil, apperr.Internal("failed to save submission", err)
	}

	s.logger.Info("submission created", "submission", sub.ID, "owner", sub.OwnerID, "files", len(stored))
	s.notify(ctx, notify.KindSubmitted, sub)
	return sub, nil
}

func (s *SubmissionService) allocateFolder(ctx context.Context, ownerID string) (string, string, error) {
	for attempt := 0; attempt < folderRerolls; attempt++ {
		subID := s.newID()
		folder := fmt.Sprintf("submissions/%s/%s", ownerID, subID)
		existing, err := s.files.List(ctx, folder)
		if err != nil {
			return "", "", err
		}
		if len(existing) == 0 {
			return subID, folder, nil
		}
		s.logger.Warn("input folder already populated, re-rolling id", "folder", folder)
	}
	return "", "", apperr.Internal("could not allocate an input folder", nil)
}

// compensate deletes refs with a context that outlives the caller's.
func (s *SubmissionService) compensate(ctx context.Context, refs []storage.FileRef) {
	cctx := context.WithoutCancel(ctx)
	for _, ref := range refs {
		if err := s.files.Delete(cctx, ref); err != nil {
			s.logger.Error("rollback delete failed", "key", ref.Key, "error", err)
		}
	}
}

// discardOutput purges an output folder a failed transition dropped.
func (s *SubmissionService) discardOutput(ctx context.Context, before, after *models.Submission) {
	if !before.HasOutput() || after.HasOutput() {
		return
	}
	n, err := s.files.PurgeFolder(context.WithoutCancel(ctx), before.OutputFolderID)
	if err != nil {
		s.logger.Error("discard output failed", "submission", after.ID, "folder", before.OutputFolderID, "error", err)
		return
	}
	s.logger.Info("discarded output of failed submission", "submission", after.ID, "folder", before.OutputFolderID, "objects", n)
}

func (s *SubmissionService) load(ctx context.Context, subID string) (*models.Submission, error) {
	if strings.TrimSpace(subID) == "" {
		return nil, apperr.Validation("submission id is required")
	}
	sub, err := s.subs.FindByID(ctx, subID)
	if err != nil {
		return nil, apperr.Internal("failed to load submission", err)
	}
	if sub == nil {
		return nil, apperr.NotFound("submission not found")
	}
	return sub, nil
}

func (s *SubmissionService) GetSubmission(ctx context.Context, id access.Identity, subID string) (*models.Submission, error) {
	if err := access.Require(id); err != nil {
		return nil, err
	}
	sub, err := s.load(ctx, subID)
	if err != nil {
		return nil, err
	}
	if err := access.Authorize(id, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

type Detail struct {
	Submission  *models.Submission `json:"submission"`
	InputFiles  []storage.FileRef  `json:"inputFiles"`
	OutputFiles []storage.FileRef  `json:"outputFiles"`
}

// GetSubmissionDetail returns the submission with its input and output file
// listings. A listing that fails is logged and returned empty.
func (s *SubmissionService) GetSubmissionDetail(ctx context.Context, id access.Identity, subID string) (*Detail, error) {
	sub, err := s.GetSubmission(ctx, id, subID)
	if err != nil {
		return nil, err
	}
	d := &Detail{Submission: sub, InputFiles: []storage.FileRef{}, OutputFiles: []storage.FileRef{}}
	if refs, err := s.files.List(ctx, sub.InputFolderID); err != nil {
		s.logger.Warn("list input files failed", "submission", sub.ID, "error", err)
	} else {
		d.InputFiles = refs
	}
	if sub.HasOutput() {
		if refs, err := s.files.List(ctx, sub.OutputFolderID); err != nil {
			s.logger.Warn("list output files failed", "submission", sub.ID, "error", err)
		} else {
			d.OutputFiles = refs
		}
	}
	return d, nil
}

type ListQuery struct {
	Status string
	Limit  int
	Offset int
}

type Page struct {
	Items  []models.Submission `json:"submissions"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// ListSubmissions returns the caller's submissions, newest first. Admins see
// every submission.
func (s *SubmissionService) ListSubmissions(ctx context.Context, id access.Identity, q ListQuery) (*Page, error) {
	if err := access.Require(id); err != nil {
		return nil, err
	}
	filter := repository.SubmissionFilter{OwnerID: access.ScopeOwner(id)}
	if filter.OwnerID == "" && !id.IsAdmin() {
		return nil, apperr.Forbidden("access denied")
	}
	if q.Status != "" {
		st, err := models.ParseStatus(q.Status)
		if err != nil {
			return nil, apperr.Validation(fmt.Sprintf("invalid status %q", q.Status))
		}
		filter.Status = st
	}
	filter.Limit = q.Limit
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	filter.Offset = max(q.Offset, 0)

	items, total, err := s.subs.List(ctx, filter)
	if err != nil {
		return nil, apperr.Internal("failed to list submissions", err)
	}
	return &Page{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Patch is a set of per-field update commands; nil fields are unchanged.
type Patch struct {
	Title          *string
	Description    *string
	Status         *models.Status
	OutputFolderID *string
	IfVersion      *int64
}

func (p Patch) empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil && p.OutputFolderID == nil
}

// UpdateSubmission applies a patch. Title and description belong to the
// owner; status and output folder changes need the transition capability and
// follow the lifecycle rules of UpdateStatus.
func (s *SubmissionService) UpdateSubmission(ctx context.Context, id access.Identity, subID string, p Patch) (*models.Submission, error) {
	if err := access.Require(id); err != nil {
		return nil, err
	}
	if p.empty() {
		return nil, apperr.Validation("no changes requested")
	}
	lifecycle := p.Status != nil || p.OutputFolderID != nil
	if lifecycle {
		if err := access.AuthorizeTransition(id); err != nil {
			return nil, err
		}
	}
	if p.Status != nil && !p.Status.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("invalid status %q", *p.Status))
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return nil, apperr.Validation("title cannot be empty")
	}

	sub, err := s.load(ctx, subID)
	if err != nil {
		return nil, err
	}
	if p.Title != nil || p.Description != nil {
		if err := access.Authorize(id, sub); err != nil {
			return nil, err
		}
	}
	if err := checkVersion(sub, p.IfVersion); err != nil {
		return nil, err
	}

	next := sub.Clone()
	now := s.now().UTC()
	statusChanged := false
	if lifecycle {
		change := StatusChange{Status: sub.Status}
		if p.Status != nil {
			change.Status = *p.Status
		}
		if p.OutputFolderID != nil {
			change.OutputFolderID = *p.OutputFolderID
		}
		if p.Status == nil {
			if sub.Status != models.StatusProcessing {
				return nil, apperr.State(fmt.Sprintf("output folder can only be changed while processing (status is %s)", sub.Status))
			}
			folder, err := validFolder(change.OutputFolderID)
			if err != nil {
				return nil, err
			}
			next.OutputFolderID = folder
		} else {
			noop, err := applyTransition(next, change, now)
			if err != nil {
				return nil, err
			}
			statusChanged = !noop
		}
	}
	if p.Title != nil {
		next.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		next.Description = strings.TrimSpace(*p.Description)
	}
	next.UpdatedAt = now

	if err := s.commit(ctx, next, sub.Version); err != nil {
		return nil, err
	}
	s.logger.Info("submission updated", "submission", next.ID, "status", next.Status, "version", next.Version)
	if statusChanged {
		s.discardOutput(ctx, sub, next)
		s.notify(ctx, notify.KindForStatus(next.Status), next)
	}
	return next, nil
}

// StatusChange is a lifecycle command from the processing worker.
type StatusChange struct {
	Status         models.Status `json:"status"`
	OutputFolderID string        `json:"outputFolderId,omitempty"`
	IfVersion      *int64        `json:"ifVersion,omitempty"`
}

// UpdateStatus moves a submission along its lifecycle. Re-requesting the
// current terminal status returns the record unchanged.
func (s *SubmissionService) UpdateStatus(ctx context.Context, id access.Identity, subID string, change StatusChange) (*models.Submission, error) {
	if err := access.AuthorizeTransition(id); err != nil {
		return nil, err
	}
	if !change.Status.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("invalid status %q", change.Status))
	}
	sub, err := s.load(ctx, subID)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(sub, change.IfVersion); err != nil {
		return nil, err
	}

	next := sub.Clone()
	now := s.now().UTC()
	noop, err := applyTransition(next, change, now)
	if err != nil {
		return nil, err
	}
	if noop {
		return sub, nil
	}
	next.UpdatedAt = now
	if err := s.commit(ctx, next, sub.Version); err != nil {
		return nil, err
	}
	s.logger.Info("submission status changed", "submission", next.ID, "from", sub.Status, "to", next.Status, "version", next.Version)
	s.discardOutput(ctx, sub, next)
	s.notify(ctx, notify.KindForStatus(next.Status), next)
	return next, nil
}

// applyTransition mutates sub for change. It reports noop when sub already
// sits in the requested terminal status.
func applyTransition(sub *models.Submission, change StatusChange, now time.Time) (bool, error) {
	if sub.Status.Terminal() && change.Status == sub.Status {
		return true, nil
	}
	if !models.CanTransition(sub.Status, change.Status) {
		return false, apperr.State(fmt.Sprintf("invalid transition from %s to %s", sub.Status, change.Status))
	}
	if change.OutputFolderID != "" {
		if change.Status != models.StatusProcessing && change.Status != models.StatusCompleted {
			return false, apperr.Validation("output folder can only be set when processing or completing")
		}
		folder, err := validFolder(change.OutputFolderID)
		if err != nil {
			return false, err
		}
		sub.OutputFolderID = folder
	}
	switch change.Status {
	case models.StatusFailed:
		sub.OutputFolderID = ""
		sub.CompletedAt = nil
	case models.StatusCompleted:
		if !sub.HasOutput() {
			return false, apperr.Validation("output folder is required to complete a submission")
		}
		t := now
		sub.CompletedAt = &t
	}
	sub.Status = change.Status
	return false, nil
}

func validFolder(folder string) (string, error) {
	folder = strings.Trim(strings.TrimSpace(folder), "/")
	if folder == "" {
		return "", apperr.Validation("output folder id is required")
	}
	if err := storage.ValidKey(folder); err != nil {
		return "", apperr.Validation("invalid output folder id")
	}
	return folder, nil
}

func checkVersion(sub *models.Submission, want *int64) error {
	if want != nil && *want != sub.Version {
		return apperr.State(fmt.Sprintf("version mismatch: have %d, expected %d", sub.Version, *want))
	}
	return nil
}

func (s *SubmissionService) commit(ctx context.Context, next *models.Submission, expected int64) error {
	err := s.subs.Update(ctx, next, expected)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrVersionConflict):
		s.logger.Warn("submission update lost a concurrent race", "submission", next.ID, "version", expected)
		return apperr.E(apperr.KindState, "submission was modified concurrently", err)
	case errors.Is(err, repository.ErrNotFound):
		return apperr.NotFound("submission not found")
	}
	return apperr.Internal("failed to update submission", err)
}

// DeleteSubmission removes the submission's stored files and then its record.
// A storage failure leaves the record in place so the delete can be retried.
func (s *SubmissionService) DeleteSubmission(ctx context.Context, id access.Identity, subID string) error {
	sub, err := s.GetSubmission(ctx, id, subID)
	if err != nil {
		return err
	}
	folders := []string{sub.InputFolderID}
	if sub.HasOutput() {
		folders = append(folders, sub.OutputFolderID)
	}
	for _, folder := range folders {
		n, err := s.files.PurgeFolder(ctx, folder)
		if err != nil {
			s.logger.Error("purge folder failed", "submission", sub.ID, "folder", folder, "error", err)
			return err
		}
		s.logger.Debug("purged folder", "submission", sub.ID, "folder", folder, "objects", n)
	}
	if err := s.subs.Delete(ctx, sub.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("submission not found")
		}
		return apperr.Internal("failed to delete submission", err)
	}
	s.logger.Info("submission deleted", "submission", sub.ID)
	return nil
}

type DownloadLink struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
}

// Download is either one link per output file or a single archive link.
type Download struct {
	Format string         `json:"format"`
	Files  []DownloadLink `json:"files,omitempty"`
	// Archive is set for the zip format.
	Archive *DownloadLink `json:"archive,omitempty"`
}

func ArchiveName(subID string) string {
	return fmt.Sprintf("oxiwarehouse-output-%s.zip", subID)
}

func (s *SubmissionService) RequestDownload(ctx context.Context, id access.Identity, subID, format string) (*Download, error) {
	if err := access.Require(id); err != nil {
		return nil, err
	}
	if format == "" {
		format = FormatIndividual
	}
	if format != FormatIndividual && format != FormatZip {
		return nil, apperr.Validation(fmt.Sprintf("invalid format %q", format))
	}
	sub, err := s.GetSubmission(ctx, id, subID)
	if err != nil {
		return nil, err
	}
	if !sub.HasOutput() {
		return nil, apperr.NotFound("no output available")
	}
	refs, err := s.files.List(ctx, sub.OutputFolderID)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, apperr.NotFound("no output files found")
	}

	if format == FormatIndividual {
		links := make([]DownloadLink, 0, len(refs))
		for _, ref := range refs {
			u, err := s.files.Sign(ctx, ref, s.signTTL)
			if err != nil {
				return nil, err
			}
			links = append(links, DownloadLink{URL: u, Filename: ref.Filename(), ContentType: ref.ContentType})
		}
		return &Download{Format: FormatIndividual, Files: links}, nil
	}

	name := ArchiveName(sub.ID)
	bundle, err := s.archives.Build(ctx, refs, name)
	if err != nil {
		return nil, err
	}
	tempFolder := storage.TempPrefix + "/" + requesterFolder(id)
	ref, err := s.files.Store(ctx, tempFolder, storage.File{Name: bundle.Name, ContentType: bundle.ContentType, Data: bundle.Data})
	if err != nil {
		return nil, err
	}
	u, err := s.files.Sign(ctx, ref, s.signTTL)
	if err != nil {
		return nil, err
	}
	s.logger.Info("archive ready", "submission", sub.ID, "files", len(refs), "bytes", len(bundle.Data))
	return &Download{Format: FormatZip, Archive: &DownloadLink{URL: u, Filename: bundle.Name, ContentType: bundle.ContentType}}, nil
}

func requesterFolder(id access.Identity) string {
	if id.UserID != "" {
		return id.UserID
	}
	return string(id.Role)
}

// Notify re-sends a notification for a submission on request of its owner.
func (s *SubmissionService) Notify(ctx context.Context, id access.Identity, subID, kind string) error {
	var k notify.Kind
	switch kind {
	case "submitted", "new":
		k = notify.KindSubmitted
	case "completed", "complete":
		k = notify.KindCompleted
	case "failed":
		return apperr.Validation("notification type not implemented")
	case "":
		return apperr.Validation("notification type is required")
	default:
		return apperr.Validation(fmt.Sprintf("invalid notification type %q", kind))
	}
	sub, err := s.GetSubmission(ctx, id, subID)
	if err != nil {
		return err
	}
	ev := s.event(ctx, k, sub)
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.Error("notification failed", "submission", sub.ID, "kind", k, "error", err)
		return apperr.Internal("failed to send notification", err)
	}
	return nil
}

func (s *SubmissionService) event(ctx context.Context, kind notify.Kind, sub *models.Submission) notify.Event {
	ev := notify.Event{Kind: kind, Submission: *sub, At: s.now().UTC()}
	if s.users != nil {
		owner, err := s.users.FindByID(ctx, sub.OwnerID)
		if err != nil {
			s.logger.Warn("resolve notification recipient failed", "submission", sub.ID, "error", err)
		}
		ev.Recipient = owner
	}
	return ev
}

// notify delivers an event on a bounded, non-cancelable context. Failures
// are logged and never reach the caller.
func (s *SubmissionService) notify(ctx context.Context, kind notify.Kind, sub *models.Submission) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := s.notifier.Notify(nctx, s.event(nctx, kind, sub)); err != nil {
		s.logger.Error("notification failed", "submission", sub.ID, "kind", kind, "error", err)
	}
}
