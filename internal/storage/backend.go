// Package storage is the blob-store gateway. Objects are addressed by
// slash-separated keys whose leading segments form a logical folder; folders
// are not stored entities, only key prefixes.
package storage

import (
	"context"
	"errors"
	"path"
	"time"
)

// ErrObjectNotFound is returned by backends when a key does not resolve.
var ErrObjectNotFound = errors.New("storage: object not found")

// ObjectInfo describes one stored object as reported by a backend.
type ObjectInfo struct {
	Key         string
	ContentType string
	Size        int64
	ModTime     time.Time
	Checksum    string
}

// Backend is the raw object store behind the Gateway. Implementations must
// overwrite on Put to an existing key, return ErrObjectNotFound for missing
// keys from Get and Stat, and treat Delete of a missing key as success.
type Backend interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (ObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, ObjectInfo, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// FileRef is a stored file as seen by callers of the gateway.
type FileRef struct {
	Pathname    string    `json:"pathname"`
	Key         string    `json:"key"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	UploadedAt  time.Time `json:"uploadedAt"`
	Checksum    string    `json:"checksum,omitempty"`
}

// Filename is the last path segment of the ref.
func (r FileRef) Filename() string {
	return path.Base(r.Pathname)
}

func refFromInfo(info ObjectInfo) FileRef {
	return FileRef{
		Pathname:    info.Key,
		Key:         info.Key,
		ContentType: info.ContentType,
		Size:        info.Size,
		UploadedAt:  info.ModTime,
		Checksum:    info.Checksum,
	}
}

// File is an upload handed to Gateway.Store.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}
