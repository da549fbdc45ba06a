package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/parisxmas/oxiwarehouse/internal/apperr"
)

// TempPrefix is the folder holding short-lived download archives.
const TempPrefix = "temp-downloads"

var errInvalidKey = errors.New("storage: invalid key")

// Gateway stores, lists, signs and deletes file objects keyed by folder
// prefixes. Transient backend failures are retried per the RetryPolicy and
// surface as apperr storage errors once exhausted.
type Gateway struct {
	backend Backend
	signer  *Signer
	retry   RetryPolicy
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Gateway)

func WithRetry(p RetryPolicy) Option { return func(g *Gateway) { g.retry = p } }
func WithLogger(l *slog.Logger) Option { return func(g *Gateway) { g.logger = l } }
func WithClock(now func() time.Time) Option { return func(g *Gateway) { g.now = now } }

func NewGateway(backend Backend, signer *Signer, opts ...Option) *Gateway {
	g := &Gateway{
		backend: backend,
		signer:  signer,
		retry:   DefaultRetryPolicy(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Store writes file under folderID/<basename>. Same-name writes overwrite.
func (g *Gateway) Store(ctx context.Context, folderID string, file File) (FileRef, error) {
	folder, err := cleanFolder(folderID)
	if err != nil {
		return FileRef{}, err
	}
	name, err := SafeFilename(file.Name)
	if err != nil {
		return FileRef{}, err
	}
	contentType := file.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = DetectContentType(name)
	}
	key := folder + "/" + name

	var info ObjectInfo
	err = g.retry.Do(ctx, func() error {
		var putErr error
		info, putErr = g.backend.Put(ctx, key, file.Data, contentType)
		return putErr
	})
	if err != nil {
		g.logger.Error("storage put failed", "key", key, "error", err)
		return FileRef{}, g.translate(err, "failed to store file")
	}
	return refFromInfo(info), nil
}

// List returns every object under folderID. An empty folder yields an empty
// slice. Results are sorted by pathname.
func (g *Gateway) List(ctx context.Context, folderID string) ([]FileRef, error) {
	folder, err := cleanFolder(folderID)
	if err != nil {
		return nil, err
	}
	var infos []ObjectInfo
	err = g.retry.Do(ctx, func() error {
		var listErr error
		infos, listErr = g.backend.List(ctx, folder+"/")
		return listErr
	})
	if err != nil {
		g.logger.Error("storage list failed", "folder", folder, "error", err)
		return nil, g.translate(err, "failed to list files")
	}
	refs := make([]FileRef, 0, len(infos))
	for _, info := range infos {
		refs = append(refs, refFromInfo(info))
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Pathname < refs[j].Pathname })
	return refs, nil
}

// Sign returns a time-limited URL for ref. A ref that no longer resolves
// yields a not-found error.
func (g *Gateway) Sign(ctx context.Context, ref FileRef, ttl time.Duration) (string, error) {
	err := g.retry.Do(ctx, func() error {
		_, statErr := g.backend.Stat(ctx, ref.Key)
		return statErr
	})
	if err != nil {
		return "", g.translate(err, "failed to sign file")
	}
	u, err := g.signer.Sign(ref.Key, ttl)
	if err != nil {
		return "", apperr.Internal("failed to sign file", err)
	}
	return u, nil
}

func (g *Gateway) Delete(ctx context.Context, ref FileRef) error {
	err := g.retry.Do(ctx, func() error {
		return g.backend.Delete(ctx, ref.Key)
	})
	if err != nil {
		g.logger.Error("storage delete failed", "key", ref.Key, "error", err)
		return g.translate(err, "failed to delete file")
	}
	return nil
}

// Fetch reads the object behind a signed URL after verifying its token.
func (g *Gateway) Fetch(ctx context.Context, signedURL string) ([]byte, error) {
	key, err := g.signer.VerifyURL(signedURL)
	if err != nil {
		return nil, apperr.E(apperr.KindAuthorization, "invalid download link", err)
	}
	data, _, err := g.read(ctx, key)
	return data, err
}

// Open verifies a download token and returns the object it grants.
func (g *Gateway) Open(ctx context.Context, token string) ([]byte, FileRef, error) {
	key, err := g.signer.VerifyToken(token)
	if err != nil {
		return nil, FileRef{}, apperr.E(apperr.KindAuthorization, "invalid download link", err)
	}
	return g.read(ctx, key)
}

func (g *Gateway) read(ctx context.Context, key string) ([]byte, FileRef, error) {
	var (
		data []byte
		info ObjectInfo
	)
	err := g.retry.Do(ctx, func() error {
		var getErr error
		data, info, getErr = g.backend.Get(ctx, key)
		return getErr
	})
	if err != nil {
		return nil, FileRef{}, g.translate(err, "failed to read file")
	}
	return data, refFromInfo(info), nil
}

// PurgeFolder deletes every object under folderID and returns how many were
// removed. The first failure aborts the purge.
func (g *Gateway) PurgeFolder(ctx context.Context, folderID string) (int, error) {
	refs, err := g.List(ctx, folderID)
	if err != nil {
		return 0, err
	}
	for i, ref := range refs {
		if err := g.Delete(ctx, ref); err != nil {
			return i, err
		}
	}
	return len(refs), nil
}

// SweepTemp removes temporary archives older than maxAge.
func (g *Gateway) SweepTemp(ctx context.Context, maxAge time.Duration) (int, error) {
	refs, err := g.List(ctx, TempPrefix)
	if err != nil {
		return 0, err
	}
	cutoff := g.now().Add(-maxAge)
	removed := 0
	for _, ref := range refs {
		if !ref.UploadedAt.Before(cutoff) {
			continue
		}
		if err := g.Delete(ctx, ref); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (g *Gateway) translate(err error, msg string) error {
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return err
	case errors.Is(err, ErrObjectNotFound):
		return apperr.E(apperr.KindNotFound, "file not found", err)
	case errors.Is(err, errInvalidKey):
		return apperr.E(apperr.KindValidation, "invalid file path", err)
	}
	return apperr.Storage(msg, err)
}

func cleanFolder(folderID string) (string, error) {
	folder := strings.Trim(strings.TrimSpace(folderID), "/")
	if folder == "" {
		return "", apperr.Validation("folder id is required")
	}
	for _, seg := range strings.Split(folder, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", apperr.Validation("invalid folder id")
		}
	}
	return folder, nil
}

// SafeFilename reduces an uploaded filename to a single safe path segment.
func SafeFilename(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = path.Base(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", apperr.Validation("file name is required")
	}
	return name, nil
}

// ValidKey reports whether key is a relative slash path without dot segments.
func ValidKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", errInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", errInvalidKey, key)
		}
	}
	return nil
}
