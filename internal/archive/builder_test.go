package archive_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/parisxmas/oxiwarehouse/internal/apperr"
	"github.com/parisxmas/oxiwarehouse/internal/archive"
	"github.com/parisxmas/oxiwarehouse/internal/logging"
	"github.com/parisxmas/oxiwarehouse/internal/storage"
)

func newGateway(t *testing.T) *storage.Gateway {
	t.Helper()
	return storage.NewGateway(
		storage.NewMemoryBackend(),
		storage.NewSigner("archive-secret", "http://localhost"),
		storage.WithLogger(logging.Discard()),
		storage.WithRetry(storage.RetryPolicy{Attempts: 1}),
	)
}

func store(t *testing.T, gw *storage.Gateway, folder, name, body string) storage.FileRef {
	t.Helper()
	ref, err := gw.Store(context.Background(), folder, storage.File{Name: name, Data: []byte(body)})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	return ref
}

func readZip(t *testing.T, data []byte) ([]string, map[string]string) {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	var names []string
	contents := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		names = append(names, f.Name)
		contents[f.Name] = string(b)
	}
	return names, contents
}

func TestBuildFidelity(t *testing.T) {
	gw := newGateway(t)
	refs := []storage.FileRef{
		store(t, gw, "out", "a.png", "\x89PNG-a"),
		store(t, gw, "out", "b.png", "\x89PNG-b"),
	}
	b := archive.NewBuilder(gw, gw, 2, logging.Discard())

	got, err := b.Build(context.Background(), refs, "bundle.zip")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got.Name != "bundle.zip" || got.ContentType != "application/zip" {
		t.Fatalf("unexpected archive meta %q %q", got.Name, got.ContentType)
	}
	names, contents := readZip(t, got.Data)
	if len(names) != 2 || names[0] != "a.png" || names[1] != "b.png" {
		t.Fatalf("unexpected entries %v", names)
	}
	if contents["a.png"] != "\x89PNG-a" || contents["b.png"] != "\x89PNG-b" {
		t.Fatalf("bytes differ: %q", contents)
	}
}

func TestBuildCollisionLaterRefWins(t *testing.T) {
	gw := newGateway(t)
	refs := []storage.FileRef{
		store(t, gw, "out/first", "x.txt", "first"),
		store(t, gw, "out", "y.txt", "why"),
		store(t, gw, "out/second", "x.txt", "second"),
	}
	b := archive.NewBuilder(gw, gw, 3, logging.Discard())

	got, err := b.Build(context.Background(), refs, "c.zip")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	names, contents := readZip(t, got.Data)
	if len(names) != 2 || names[0] != "x.txt" || names[1] != "y.txt" {
		t.Fatalf("unexpected entries %v", names)
	}
	if contents["x.txt"] != "second" {
		t.Fatalf("expected later ref to win, got %q", contents["x.txt"])
	}
}

func TestBuildIsAllOrNothing(t *testing.T) {
	gw := newGateway(t)
	refs := []storage.FileRef{
		store(t, gw, "out", "a.txt", "a"),
		{Pathname: "out/missing.txt", Key: "out/missing.txt"},
		store(t, gw, "out", "c.txt", "c"),
	}
	b := archive.NewBuilder(gw, gw, 1, logging.Discard())

	got, err := b.Build(context.Background(), refs, "broken.zip")
	if got != nil {
		t.Fatal("expected no partial archive")
	}
	if !apperr.Is(err, apperr.KindArchive) {
		t.Fatalf("expected archive error, got %v", err)
	}
}

func TestBuildRejectsEmptyInput(t *testing.T) {
	gw := newGateway(t)
	b := archive.NewBuilder(gw, gw, 1, logging.Discard())
	if _, err := b.Build(context.Background(), nil, "empty.zip"); !apperr.Is(err, apperr.KindArchive) {
		t.Fatalf("expected archive error, got %v", err)
	}
}

// jitterFetcher finishes fetches in reverse order of issue.
type jitterFetcher struct {
	inner archive.Fetcher
	mu    sync.Mutex
	n     int
}

func (f *jitterFetcher) Fetch(ctx context.Context, u string) ([]byte, error) {
	f.mu.Lock()
	f.n++
	delay := time.Duration(10-f.n) * 2 * time.Millisecond
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return f.inner.Fetch(ctx, u)
}

func TestBuildOrderIsDeterministic(t *testing.T) {
	gw := newGateway(t)
	var refs []storage.FileRef
	for _, n := range []string{"e.txt", "d.txt", "c.txt", "b.txt", "a.txt"} {
		refs = append(refs, store(t, gw, "out", n, "body-"+n))
	}
	// Listing order is by pathname; keep the given order instead.
	refs[0], refs[4] = refs[4], refs[0]

	sequential, err := archive.NewBuilder(gw, gw, 1, logging.Discard()).Build(context.Background(), refs, "z.zip")
	if err != nil {
		t.Fatalf("Build sequential: %v", err)
	}
	parallel, err := archive.NewBuilder(gw, &jitterFetcher{inner: gw}, 5, logging.Discard()).Build(context.Background(), refs, "z.zip")
	if err != nil {
		t.Fatalf("Build parallel: %v", err)
	}
	if !bytes.Equal(sequential.Data, parallel.Data) {
		t.Fatal("parallel build differs from sequential build")
	}
	names, _ := readZip(t, parallel.Data)
	for i, ref := range refs {
		if names[i] != ref.Filename() {
			t.Fatalf("entry %d is %q, want %q", i, names[i], ref.Filename())
		}
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "good" {
			http.Error(w, "denied", http.StatusForbidden)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	f := archive.NewHTTPFetcher(time.Second)
	data, err := f.Fetch(context.Background(), srv.URL+"/files/a.txt?token=good")
	if err != nil || string(data) != "payload" {
		t.Fatalf("Fetch: %v %q", err, data)
	}
	if _, err := f.Fetch(context.Background(), srv.URL+"/files/a.txt?token=bad"); err == nil {
		t.Fatal("expected error for 403")
	}

	f.MaxBytes = 3
	if _, err := f.Fetch(context.Background(), srv.URL+"/files/a.txt?token=good"); err == nil {
		t.Fatal("expected size limit error")
	}
}

func TestFetchErrorsAreWrapped(t *testing.T) {
	gw := newGateway(t)
	ref := store(t, gw, "out", "a.txt", "a")
	b := archive.NewBuilder(gw, failingFetcher{}, 1, logging.Discard())
	_, err := b.Build(context.Background(), []storage.FileRef{ref}, "f.zip")
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected cause preserved, got %v", err)
	}
}

var errBoom = errors.New("boom")

type failingFetcher struct{}

func (failingFetcher) Fetch(context.Context, string) ([]byte, error) { return nil, errBoom }
