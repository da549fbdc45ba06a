package service_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/parisxmas/oxiwarehouse/internal/access"
	"github.com/parisxmas/oxiwarehouse/internal/apperr"
	"github.com/parisxmas/oxiwarehouse/internal/archive"
	"github.com/parisxmas/oxiwarehouse/internal/logging"
	"github.com/parisxmas/oxiwarehouse/internal/models"
	"github.com/parisxmas/oxiwarehouse/internal/notify"
	"github.com/parisxmas/oxiwarehouse/internal/repository"
	"github.com/parisxmas/oxiwarehouse/internal/service"
	"github.com/parisxmas/oxiwarehouse/internal/storage"
	"github.com/parisxmas/oxiwarehouse/internal/testsupport"
)

type fixture struct {
	svc     *service.SubmissionService
	store   *repository.Store
	gw      *storage.Gateway
	backend *storage.MemoryBackend
	rec     *testsupport.Recorder
	alice   access.Identity
	bob     access.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testsupport.MustOpenStore(t)
	testsupport.MustCreateUser(t, store, "alice", "alice@example.com", models.RoleUser)
	testsupport.MustCreateUser(t, store, "bob", "bob@example.com", models.RoleUser)
	gw, backend := testsupport.NewGateway(t)
	rec := &testsupport.Recorder{}
	builder := archive.NewBuilder(gw, gw, 2, logging.Discard())
	svc := service.NewSubmissionService(store.Submissions, store.Users, gw, builder,
		service.WithNotifier(rec),
		service.WithLogger(logging.Discard()),
	)
	return &fixture{
		svc:     svc,
		store:   store,
		gw:      gw,
		backend: backend,
		rec:     rec,
		alice:   testsupport.UserIdentity("alice"),
		bob:     testsupport.UserIdentity("bob"),
	}
}

func files(names ...string) []storage.File {
	out := make([]storage.File, 0, len(names))
	for _, n := range names {
		out = append(out, storage.File{Name: n, Data: []byte("data of " + n)})
	}
	return out
}

func (f *fixture) create(t *testing.T, id access.Identity, title string) *models.Submission {
	t.Helper()
	sub, err := f.svc.CreateSubmission(context.Background(), id, service.CreateInput{Title: title, Files: files("a.txt", "b.csv")})
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	return sub
}

func wantKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := apperr.KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %s (%v)", kind, got, err)
	}
}

func TestCreateSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.CreateSubmission(ctx, f.alice, service.CreateInput{
		Title:       "  Quarterly data ",
		Description: "numbers",
		Files:       files("a.txt", "b.csv"),
	})
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	if sub.Status != models.StatusPending || sub.Version != 1 || sub.Title != "Quarterly data" {
		t.Fatalf("unexpected submission %+v", sub)
	}
	if !strings.HasPrefix(sub.InputFolderID, "submissions/alice/") {
		t.Fatalf("unexpected input folder %q", sub.InputFolderID)
	}
	refs, err := f.gw.List(ctx, sub.InputFolderID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 stored files, got %d", len(refs))
	}
	for i, name := range []string{"a.txt", "b.csv"} {
		if refs[i].Filename() != name {
			t.Fatalf("file %d: expected %q, got %q", i, name, refs[i].Filename())
		}
		url, err := f.gw.Sign(ctx, refs[i], time.Minute)
		if err != nil {
			t.Fatalf("Sign %s: %v", name, err)
		}
		data, err := f.gw.Fetch(ctx, url)
		if err != nil {
			t.Fatalf("Fetch %s: %v", name, err)
		}
		if !bytes.Equal(data, []byte("data of "+name)) {
			t.Fatalf("content of %s = %q", name, data)
		}
	}

	events := f.rec.Events()
	if len(events) != 1 || events[0].Kind != notify.KindSubmitted {
		t.Fatalf("expected one submitted event, got %+v", f.rec.Kinds())
	}
	if events[0].Recipient == nil || events[0].Recipient.Email != "alice@example.com" {
		t.Fatalf("expected recipient alice, got %+v", events[0].Recipient)
	}
}

func TestCreateSubmissionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		id   access.Identity
		in   service.CreateInput
		kind apperr.Kind
	}{
		{"anonymous", access.Identity{}, service.CreateInput{Title: "t", Files: files("a.txt")}, apperr.KindAuthentication},
		{"worker", testsupport.WorkerIdentity(), service.CreateInput{Title: "t", Files: files("a.txt")}, apperr.KindAuthorization},
		{"empty title", f.alice, service.CreateInput{Title: "  ", Files: files("a.txt")}, apperr.KindValidation},
		{"no files", f.alice, service.CreateInput{Title: "t"}, apperr.KindValidation},
		{"bad name", f.alice, service.CreateInput{Title: "t", Files: files("ok.txt", "..")}, apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateSubmission(ctx, tt.id, tt.in)
			wantKind(t, err, tt.kind)
		})
	}
	if f.backend.Len() != 0 {
		t.Fatalf("rejected uploads must not store anything, have %d objects", f.backend.Len())
	}
	if len(f.rec.Events()) != 0 {
		t.Fatalf("rejected uploads must not notify, got %v", f.rec.Kinds())
	}
}

func TestCreateSubmissionRollsBackStoredFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.FailPut = func(key string) error {
		if strings.HasSuffix(key, "/c.txt") {
			return errors.New("disk full")
		}
		return nil
	}

	_, err := f.svc.CreateSubmission(ctx, f.alice, service.CreateInput{Title: "t", Files: files("a.txt", "b.txt", "c.txt")})
	wantKind(t, err, apperr.KindStorage)
	if f.backend.Len() != 0 {
		t.Fatalf("expected rollback to remove stored files, %d remain", f.backend.Len())
	}
	page, err := f.svc.ListSubmissions(ctx, f.alice, service.ListQuery{})
	if err != nil {
		t.Fatalf("ListSubmissions: %v", err)
	}
	if page.Total != 0 {
		t.Fatalf("expected no submission record, got %d", page.Total)
	}
}

func TestCreateSubmissionRerollsPopulatedFolder(t *testing.T) {
	store := testsupport.MustOpenStore(t)
	gw, _ := testsupport.NewGateway(t)
	ids := []string{"taken", "fresh"}
	svc := service.NewSubmissionService(store.Submissions, store.Users, gw, nil,
		service.WithLogger(logging.Discard()),
		service.WithIDGenerator(func() string {
			id := ids[0]
			ids = ids[1:]
			return id
		}),
	)
	ctx := context.Background()
	if _, err := gw.Store(ctx, "submissions/alice/taken", storage.File{Name: "old.txt", Data: []byte("x")}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	sub, err := svc.CreateSubmission(ctx, testsupport.UserIdentity("alice"), service.CreateInput{Title: "t", Files: files("a.txt")})
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	if sub.ID != "fresh" || sub.InputFolderID != "submissions/alice/fresh" {
		t.Fatalf("expected re-rolled id, got %+v", sub)
	}
}

func TestGetSubmissionAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.create(t, f.alice, "mine")

	if _, err := f.svc.GetSubmission(ctx, f.alice, sub.ID); err != nil {
		t.Fatalf("owner GetSubmission: %v", err)
	}
	if _, err := f.svc.GetSubmission(ctx, testsupport.AdminIdentity(), sub.ID); err != nil {
		t.Fatalf("admin GetSubmission: %v", err)
	}
	_, err := f.svc.GetSubmission(ctx, f.bob, sub.ID)
	wantKind(t, err, apperr.KindAuthorization)
	_, err = f.svc.GetSubmission(ctx, access.Identity{}, sub.ID)
	wantKind(t, err, apperr.KindAuthentication)
	_, err = f.svc.GetSubmission(ctx, f.alice, "missing")
	wantKind(t, err, apperr.KindNotFound)
}

func TestGetSubmissionDetail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.create(t, f.alice, "detail")

	d, err := f.svc.GetSubmissionDetail(ctx, f.alice, sub.ID)
	if err != nil {
		t.Fatalf("GetSubmissionDetail: %v", err)
	}
	if len(d.InputFiles) != 2 || d.OutputFiles == nil || len(d.OutputFiles) != 0 {
		t.Fatalf("unexpected detail %+v", d)
	}
	if d.InputFiles[0].Filename() != "a.txt" || d.InputFiles[1].Filename() != "b.csv" {
		t.Fatalf("unexpected input listing %+v", d.InputFiles)
	}
}

func TestListSubmissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, f.alice, "one")
	f.create(t, f.alice, "two")
	f.create(t, f.bob, "three")

	page, err := f.svc.ListSubmissions(ctx, f.alice, service.ListQuery{})
	if err != nil {
		t.Fatalf("ListSubmissions: %v", err)
	}
	if page.Total != 2 || len(page.Items) != 2 || page.Limit != service.DefaultListLimit {
		t.Fatalf("unexpected page %+v", page)
	}
	for _, s := range page.Items {
		if s.OwnerID != "alice" {
			t.Fatalf("listing leaked %s's submission", s.OwnerID)
		}
	}

	all, err := f.svc.ListSubmissions(ctx, testsupport.AdminIdentity(), service.ListQuery{Limit: 1000})
	if err != nil {
		t.Fatalf("admin ListSubmissions: %v", err)
	}
	if all.Total != 3 || all.Limit != service.MaxListLimit {
		t.Fatalf("unexpected admin page %+v", all)
	}

	pending, err := f.svc.ListSubmissions(ctx, f.alice, service.ListQuery{Status: "completed"})
	if err != nil {
		t.Fatalf("ListSubmissions by status: %v", err)
	}
	if pending.Total != 0 {
		t.Fatalf("expected no completed submissions, got %d", pending.Total)
	}

	_, err = f.svc.ListSubmissions(ctx, f.alice, service.ListQuery{Status: "done"})
	wantKind(t, err, apperr.KindValidation)
	_, err = f.svc.ListSubmissions(ctx, testsupport.WorkerIdentity(), service.ListQuery{})
	wantKind(t, err, apperr.KindAuthorization)
}

func TestUpdateStatusLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	worker := testsupport.WorkerIdentity()
	sub := f.create(t, f.alice, "job")

	_, err := f.svc.UpdateStatus(ctx, f.alice, sub.ID, service.StatusChange{Status: models.StatusProcessing})
	wantKind(t, err, apperr.KindAuthorization)

	proc, err := f.svc.UpdateStatus(ctx, worker, sub.ID, service.StatusChange{Status: models.StatusProcessing})
	if err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if proc.Status != models.StatusProcessing || proc.Version != 2 {
		t.Fatalf("unexpected record %+v", proc)
	}

	_, err = f.svc.UpdateStatus(ctx, worker, sub.ID, service.StatusChange{Status: models.StatusCompleted})
	wantKind(t, err, apperr.KindValidation)

	done, err := f.svc.UpdateStatus(ctx, worker, sub.ID, service.StatusChange{Status: models.StatusCompleted, OutputFolderID: "results/job"})
	if err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if done.OutputFolderID != "results/job" || done.CompletedAt == nil || done.Version != 3 {
		t.Fatalf("unexpected completed record %+v", done)
	}

	again, err := f.svc.UpdateStatus(ctx, worker, sub.ID, service.StatusChange{Status: models.StatusCompleted})
	if err != nil {
		t.Fatalf("repeat terminal status: %v", err)
	}
	if again.Version != 3 {
		t.Fatalf("repeat terminal status must not write, version %d", again.Version)
	}

	_, err = f.svc.UpdateStatus(ctx, worker, sub.ID, service.StatusChange{Status: models.StatusFailed})
	wantKind(t, err, apperr.KindState)

	kinds := f.rec.Kinds()
	want := []notify.Kind{notify.KindSubmitted, notify.KindProcessing, notify.KindCompleted}
	if len(kinds) != len(want) {
		t.Fatalf("expected events %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, kinds)
		}
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	tests := []struct {
		name   string
		path   []models.Status
		next   models.Status
		output string
		kind   apperr.Kind
	}{
		{"pending to completed", nil, models.StatusCompleted, "out", apperr.KindState},
		{"pending to pending", nil, models.StatusPending, "", apperr.KindState},
		{"failed to processing", []models.Status{models.StatusFailed}, models.StatusProcessing, "", apperr.KindState},
		{"failed with output", []models.Status{models.StatusProcessing}, models.StatusFailed, "out", apperr.KindValidation},
		{"bad output folder", []models.Status{models.StatusProcessing}, models.StatusCompleted, "../etc", apperr.KindValidation},
		{"unknown status", nil, models.Status("archived"), "", apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			worker := testsupport.WorkerIdentity()
			sub := f.create(t, f.alice, "job")
			for _, st := range tt.path {
				if _, err := f.svc.UpdateStatus(ctx, worker, sub.ID, service.StatusChange{Status: st}); err != nil {
					t.Fatalf("setup transition to %s: %v", st, err)
				}
			}
			_, err := f.svc.UpdateStatus(ctx, worker, sub.ID, service.StatusChange{Status: tt.next, OutputFolderID: tt.output})
			wantKind(t, err, tt.kind)
		})
	}
}

func TestUpdateStatusFailedDropsOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	worker := testsupport.WorkerIdentity()
	sub := f.create(t, f.alice, "job")

	if _, err := f.svc.UpdateStatus(ctx, worker, sub.ID, service.StatusChange{Status: models.StatusProcessing, OutputFolderID: "results/partial"}); err != nil {
		t.Fatalf("UpdateStatus processing: %v", err)
	}
	if _, err := f.gw.Store(ctx, "results/partial", storage.File{Name: "half.csv", Data: []byte("1,2")}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	failed, err := f.svc.UpdateStatus(ctx, worker, sub.ID, service.StatusChange{Status: models.StatusFailed})
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if failed.OutputFolderID != "" || failed.CompletedAt != nil {
		t.Fatalf("failed submission kept output: %+v", failed)
	}
	stored, err := f.svc.GetSubmission(ctx, f.alice, sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if stored.OutputFolderID != "" {
		t.Fatalf("persisted output folder %q on failed submission", stored.OutputFolderID)
	}

	_, err = f.svc.RequestDownload(ctx, f.alice, sub.ID, "")
	wantKind(t, err, apperr.KindNotFound)
	if apperr.Message(err) != "no output available" {
		t.Fatalf("unexpected message %q", apperr.Message(err))
	}
	if left, _ := f.gw.List(ctx, "results/partial"); len(left) != 0 {
		t.Fatalf("partial output not discarded: %d objects left", len(left))
	}
}

func TestUpdateStatusVersionPrecondition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.create(t, f.alice, "job")

	stale := int64(7)
	_, err := f.svc.UpdateStatus(ctx, testsupport.WorkerIdentity(), sub.ID, service.StatusChange{Status: models.StatusProcessing, IfVersion: &stale})
	wantKind(t, err, apperr.KindState)

	current := sub.Version
	if _, err := f.svc.UpdateStatus(ctx, testsupport.WorkerIdentity(), sub.ID, service.StatusChange{Status: models.StatusProcessing, IfVersion: &current}); err != nil {
		t.Fatalf("UpdateStatus with matching version: %v", err)
	}
}

// staleRepo hands out a snapshot taken before a concurrent writer ran, so
// the service's commit loses the optimistic race.
type staleRepo struct {
	repository.SubmissionRepository
	snapshot *models.Submission
}

func (r *staleRepo) FindByID(ctx context.Context, id string) (*models.Submission, error) {
	return r.snapshot.Clone(), nil
}

func TestUpdateStatusLostRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.create(t, f.alice, "job")
	if _, err := f.svc.UpdateStatus(ctx, testsupport.WorkerIdentity(), sub.ID, service.StatusChange{Status: models.StatusProcessing}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	gw, _ := testsupport.NewGateway(t)
	svc := service.NewSubmissionService(&staleRepo{SubmissionRepository: f.store.Submissions, snapshot: sub}, f.store.Users, gw, nil,
		service.WithLogger(logging.Discard()))
	_, err := svc.UpdateStatus(ctx, testsupport.WorkerIdentity(), sub.ID, service.StatusChange{Status: models.StatusFailed})
	wantKind(t, err, apperr.KindState)
	if !errors.Is(err, repository.ErrVersionConflict) {
		t.Fatalf("expected version conflict cause, got %v", err)
	}
}

func TestUpdateSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.create(t, f.alice, "draft")
	title := "final"
	desc := "described"

	updated, err := f.svc.UpdateSubmission(ctx, f.alice, sub.ID, service.Patch{Title: &title, Description: &desc})
	if err != nil {
		t.Fatalf("UpdateSubmission: %v", err)
	}
	if updated.Title != "final" || updated.Description != "described" || updated.Version != 2 {
		t.Fatalf("unexpected record %+v", updated)
	}

	processing := models.StatusProcessing
	_, err = f.svc.UpdateSubmission(ctx, f.alice, sub.ID, service.Patch{Status: &processing})
	wantKind(t, err, apperr.KindAuthorization)

	_, err = f.svc.UpdateSubmission(ctx, f.bob, sub.ID, service.Patch{Title: &title})
	wantKind(t, err, apperr.KindAuthorization)

	_, err = f.svc.UpdateSubmission(ctx, f.alice, sub.ID, service.Patch{})
	wantKind(t, err, apperr.KindValidation)

	empty := " "
	_, err = f.svc.UpdateSubmission(ctx, f.alice, sub.ID, service.Patch{Title: &empty})
	wantKind(t, err, apperr.KindValidation)

	archived := models.Status("archived")
	_, err = f.svc.UpdateSubmission(ctx, testsupport.AdminIdentity(), sub.ID, service.Patch{Status: &archived})
	wantKind(t, err, apperr.KindValidation)

	folder := "results/x"
	_, err = f.svc.UpdateSubmission(ctx, testsupport.AdminIdentity(), sub.ID, service.Patch{OutputFolderID: &folder})
	wantKind(t, err, apperr.KindState)

	admin := testsupport.AdminIdentity()
	moved, err := f.svc.UpdateSubmission(ctx, admin, sub.ID, service.Patch{Status: &processing})
	if err != nil {
		t.Fatalf("admin status patch: %v", err)
	}
	if moved.Status != models.StatusProcessing {
		t.Fatalf("expected processing, got %s", moved.Status)
	}
	withOutput, err := f.svc.UpdateSubmission(ctx, testsupport.WorkerIdentity(), sub.ID, service.Patch{OutputFolderID: &folder})
	if err != nil {
		t.Fatalf("output folder patch while processing: %v", err)
	}
	if withOutput.OutputFolderID != "results/x" || withOutput.Status != models.StatusProcessing {
		t.Fatalf("unexpected record %+v", withOutput)
	}
}

func (f *fixture) complete(t *testing.T, sub *models.Submission, output string, names ...string) {
	t.Helper()
	ctx := context.Background()
	worker := testsupport.WorkerIdentity()
	for _, name := range names {
		if _, err := f.gw.Store(ctx, output, storage.File{Name: name, Data: []byte("result " + name)}); err != nil {
			t.Fatalf("Store output: %v", err)
		}
	}
	if _, err := f.svc.UpdateStatus(ctx, worker, sub.ID, service.StatusChange{Status: models.StatusProcessing}); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if _, err := f.svc.UpdateStatus(ctx, worker, sub.ID, service.StatusChange{Status: models.StatusCompleted, OutputFolderID: output}); err != nil {
		t.Fatalf("to completed: %v", err)
	}
}

func TestRequestDownloadIndividual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.create(t, f.alice, "job")
	f.complete(t, sub, "results/job", "report.pdf", "summary.txt")

	dl, err := f.svc.RequestDownload(ctx, f.alice, sub.ID, "")
	if err != nil {
		t.Fatalf("RequestDownload: %v", err)
	}
	if dl.Format != service.FormatIndividual || len(dl.Files) != 2 || dl.Archive != nil {
		t.Fatalf("unexpected download %+v", dl)
	}
	if dl.Files[0].Filename != "report.pdf" || dl.Files[0].ContentType != "application/pdf" {
		t.Fatalf("unexpected first link %+v", dl.Files[0])
	}
	data, err := f.gw.Fetch(ctx, dl.Files[1].URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "result summary.txt" {
		t.Fatalf("unexpected content %q", data)
	}

	_, err = f.svc.RequestDownload(ctx, f.bob, sub.ID, "")
	wantKind(t, err, apperr.KindAuthorization)
	_, err = f.svc.RequestDownload(ctx, f.alice, sub.ID, "tar")
	wantKind(t, err, apperr.KindValidation)
}

func TestRequestDownloadZip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.create(t, f.alice, "job")
	f.complete(t, sub, "results/job", "b.txt", "a.txt")

	dl, err := f.svc.RequestDownload(ctx, f.alice, sub.ID, service.FormatZip)
	if err != nil {
		t.Fatalf("RequestDownload: %v", err)
	}
	if dl.Archive == nil || dl.Archive.Filename != service.ArchiveName(sub.ID) {
		t.Fatalf("unexpected download %+v", dl)
	}
	temp, err := f.gw.List(ctx, storage.TempPrefix+"/alice")
	if err != nil {
		t.Fatalf("List temp: %v", err)
	}
	if len(temp) != 1 {
		t.Fatalf("expected archive under temp folder, got %+v", temp)
	}

	data, err := f.gw.Fetch(ctx, dl.Archive.URL)
	if err != nil {
		t.Fatalf("Fetch archive: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	if len(zr.File) != 2 || zr.File[0].Name != "a.txt" || zr.File[1].Name != "b.txt" {
		t.Fatalf("unexpected archive entries %v", zr.File)
	}
}

func TestRequestDownloadWithoutOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.create(t, f.alice, "job")

	_, err := f.svc.RequestDownload(ctx, f.alice, sub.ID, "")
	wantKind(t, err, apperr.KindNotFound)
	if apperr.Message(err) != "no output available" {
		t.Fatalf("unexpected message %q", apperr.Message(err))
	}

	f.complete(t, sub, "results/empty")
	_, err = f.svc.RequestDownload(ctx, f.alice, sub.ID, service.FormatZip)
	wantKind(t, err, apperr.KindNotFound)
	if apperr.Message(err) != "no output files found" {
		t.Fatalf("unexpected message %q", apperr.Message(err))
	}
}

func TestDeleteSubmissionPurgesFolders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.create(t, f.alice, "job")
	f.complete(t, sub, "results/job", "out.txt")
	other := f.create(t, f.bob, "keep")

	err := f.svc.DeleteSubmission(ctx, f.bob, sub.ID)
	wantKind(t, err, apperr.KindAuthorization)

	if err := f.svc.DeleteSubmission(ctx, f.alice, sub.ID); err != nil {
		t.Fatalf("DeleteSubmission: %v", err)
	}
	for _, folder := range []string{sub.InputFolderID, "results/job"} {
		refs, err := f.gw.List(ctx, folder)
		if err != nil {
			t.Fatalf("List %s: %v", folder, err)
		}
		if len(refs) != 0 {
			t.Fatalf("expected %s purged, found %d files", folder, len(refs))
		}
	}
	_, err = f.svc.GetSubmission(ctx, f.alice, sub.ID)
	wantKind(t, err, apperr.KindNotFound)

	refs, err := f.gw.List(ctx, other.InputFolderID)
	if err != nil || len(refs) != 2 {
		t.Fatalf("other submission's files must survive, got %d (%v)", len(refs), err)
	}
}

func TestNotify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.create(t, f.alice, "job")

	if err := f.svc.Notify(ctx, f.alice, sub.ID, "new"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	kinds := f.rec.Kinds()
	if len(kinds) != 2 || kinds[1] != notify.KindSubmitted {
		t.Fatalf("unexpected events %v", kinds)
	}

	err := f.svc.Notify(ctx, f.alice, sub.ID, "failed")
	wantKind(t, err, apperr.KindValidation)
	err = f.svc.Notify(ctx, f.bob, sub.ID, "completed")
	wantKind(t, err, apperr.KindAuthorization)

	f.rec.Err = errors.New("smtp down")
	err = f.svc.Notify(ctx, f.alice, sub.ID, "completed")
	wantKind(t, err, apperr.KindInternal)
}

func TestNotificationFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.rec.Err = errors.New("smtp down")
	sub := f.create(t, f.alice, "job")
	if sub.Status != models.StatusPending {
		t.Fatalf("unexpected status %s", sub.Status)
	}
}
