package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const fsMetaDir = ".meta"

// FSBackend stores objects as plain files under a root directory. Object
// bodies live at root/objects/<key>; content type and checksum are kept in a
// JSON sidecar under root/.meta.
type FSBackend struct {
	root string
}

type fsMeta struct {
	ContentType string    `json:"content_type"`
	Checksum    string    `json:"checksum"`
	StoredAt    time.Time `json:"stored_at"`
}

func NewFSBackend(root string) (*FSBackend, error) {
	if root == "" {
		return nil, errors.New("storage: fs root is required")
	}
	for _, dir := range []string{filepath.Join(root, "objects"), filepath.Join(root, fsMetaDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &FSBackend{root: root}, nil
}

func (b *FSBackend) objectPath(key string) string {
	return filepath.Join(b.root, "objects", filepath.FromSlash(key))
}

func (b *FSBackend) metaPath(key string) string {
	return filepath.Join(b.root, fsMetaDir, filepath.FromSlash(key)+".json")
}

func (b *FSBackend) Put(ctx context.Context, key string, data []byte, contentType string) (ObjectInfo, error) {
	if err := ValidKey(key); err != nil {
		return ObjectInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	meta := fsMeta{ContentType: contentType, Checksum: checksum(data), StoredAt: time.Now().UTC()}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("encode metadata: %w", err)
	}
	if err := writeAtomic(b.objectPath(key), data); err != nil {
		return ObjectInfo{}, err
	}
	if err := writeAtomic(b.metaPath(key), metaBytes); err != nil {
		return ObjectInfo{}, err
	}
	return b.Stat(ctx, key)
}

func (b *FSBackend) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	if err := ValidKey(key); err != nil {
		return nil, ObjectInfo{}, err
	}
	data, err := os.ReadFile(b.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ObjectInfo{}, ErrObjectNotFound
		}
		return nil, ObjectInfo{}, fmt.Errorf("read object %s: %w", key, err)
	}
	info, err := b.Stat(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return data, info, nil
}

func (b *FSBackend) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	if err := ValidKey(key); err != nil {
		return ObjectInfo{}, err
	}
	st, err := os.Stat(b.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, fmt.Errorf("stat object %s: %w", key, err)
	}
	if st.IsDir() {
		return ObjectInfo{}, ErrObjectNotFound
	}
	info := ObjectInfo{Key: key, Size: st.Size(), ModTime: st.ModTime().UTC()}
	if raw, err := os.ReadFile(b.metaPath(key)); err == nil {
		var meta fsMeta
		if json.Unmarshal(raw, &meta) == nil {
			info.ContentType = meta.ContentType
			info.Checksum = meta.Checksum
		}
	}
	if info.ContentType == "" {
		info.ContentType = DetectContentType(key)
	}
	return info, nil
}

func (b *FSBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	base := filepath.Join(b.root, "objects")
	out := make([]ObjectInfo, 0)
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := b.Stat(ctx, key)
		if err != nil {
			if errors.Is(err, ErrObjectNotFound) {
				return nil
			}
			return err
		}
		out = append(out, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects %s: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *FSBackend) Delete(ctx context.Context, key string) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	for _, p := range []string{b.objectPath(key), b.metaPath(key)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete object %s: %w", key, err)
		}
	}
	return nil
}

// writeAtomic writes data to a temp file beside path and renames it into
// place so readers never observe a partial object.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	success = true
	return nil
}
