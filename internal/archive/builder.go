// Package archive bundles stored file objects into a single zip.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/errgroup"

	"github.com/parisxmas/oxiwarehouse/internal/apperr"
	"github.com/parisxmas/oxiwarehouse/internal/storage"
)

const (
	ContentType        = "application/zip"
	DefaultParallelism = 4
	fetchURLTTL        = 5 * time.Minute
)

// URLSigner issues a short-lived URL for a stored file.
type URLSigner interface {
	Sign(ctx context.Context, ref storage.FileRef, ttl time.Duration) (string, error)
}

// Fetcher reads the full body behind a signed URL.
type Fetcher interface {
	Fetch(ctx context.Context, signedURL string) ([]byte, error)
}

type Archive struct {
	Name        string
	ContentType string
	Data        []byte
}

type Builder struct {
	signer      URLSigner
	fetcher     Fetcher
	parallelism int
	logger      *slog.Logger
}

func NewBuilder(signer URLSigner, fetcher Fetcher, parallelism int, logger *slog.Logger) *Builder {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{signer: signer, fetcher: fetcher, parallelism: parallelism, logger: logger}
}

type entry struct {
	name     string
	modified time.Time
	data     []byte
}

// Build fetches every ref and writes one zip entry per distinct basename.
// When basenames collide the later ref's bytes win and the entry stays at the
// position of the first occurrence. Any fetch failure aborts the build.
func (b *Builder) Build(ctx context.Context, refs []storage.FileRef, name string) (*Archive, error) {
	if len(refs) == 0 {
		return nil, apperr.Archive("no files to archive", nil)
	}

	bodies := make([][]byte, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallelism)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			u, err := b.signer.Sign(gctx, ref, fetchURLTTL)
			if err != nil {
				return fmt.Errorf("sign %s: %w", ref.Pathname, err)
			}
			data, err := b.fetcher.Fetch(gctx, u)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", ref.Pathname, err)
			}
			bodies[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.logger.Error("archive fetch failed", "archive", name, "error", err)
		return nil, apperr.Archive("failed to build archive", err)
	}

	entries := make([]entry, 0, len(refs))
	index := make(map[string]int, len(refs))
	for i, ref := range refs {
		base := ref.Filename()
		e := entry{name: base, modified: ref.UploadedAt, data: bodies[i]}
		if pos, seen := index[base]; seen {
			entries[pos] = e
			continue
		}
		index[base] = len(entries)
		entries = append(entries, e)
	}

	data, err := writeZip(entries)
	if err != nil {
		return nil, apperr.Archive("failed to build archive", err)
	}
	b.logger.Info("archive built", "archive", name, "entries", len(entries), "bytes", len(data))
	return &Archive{Name: name, ContentType: ContentType, Data: data}, nil
}

func writeZip(entries []entry) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		if !e.modified.IsZero() {
			hdr.Modified = e.modified
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("create entry %s: %w", e.name, err)
		}
		if _, err := w.Write(e.data); err != nil {
			return nil, fmt.Errorf("write entry %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}
