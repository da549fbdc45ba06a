package storage

import (
	"context"
	"fmt"

	"github.com/parisxmas/oxiwarehouse/internal/db"
	"github.com/parisxmas/oxiwarehouse/internal/oxidb"
)

// OxiBackend keeps objects in a single oxidb-server bucket.
type OxiBackend struct {
	pool   *db.Pool
	bucket string
}

// NewOxiBackend ensures bucket exists and returns a backend bound to it.
func NewOxiBackend(ctx context.Context, pool *db.Pool, bucket string) (*OxiBackend, error) {
	err := pool.Do(ctx, func(c *oxidb.Client) error {
		return c.CreateBucket(ctx, bucket)
	})
	if err != nil && !oxidb.IsAlreadyExists(err) {
		return nil, fmt.Errorf("ensure bucket %s: %w", bucket, err)
	}
	return &OxiBackend{pool: pool, bucket: bucket}, nil
}

func infoFromMeta(key string, m oxidb.ObjectMeta) ObjectInfo {
	if m.Key != "" {
		key = m.Key
	}
	return ObjectInfo{
		Key:         key,
		ContentType: m.ContentType,
		Size:        m.Size,
		ModTime:     m.Created(),
		Checksum:    m.ETag,
	}
}

func mapOxiErr(err error) error {
	if oxidb.IsNotFound(err) {
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	}
	return err
}

func (b *OxiBackend) Put(ctx context.Context, key string, data []byte, contentType string) (ObjectInfo, error) {
	if err := ValidKey(key); err != nil {
		return ObjectInfo{}, err
	}
	var meta oxidb.ObjectMeta
	err := b.pool.Do(ctx, func(c *oxidb.Client) error {
		var putErr error
		meta, putErr = c.PutObject(ctx, b.bucket, key, data, contentType, map[string]string{"checksum": checksum(data)})
		return putErr
	})
	if err != nil {
		return ObjectInfo{}, err
	}
	info := infoFromMeta(key, meta)
	if info.Size == 0 {
		info.Size = int64(len(data))
	}
	if info.ContentType == "" {
		info.ContentType = contentType
	}
	return info, nil
}

func (b *OxiBackend) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	var (
		data []byte
		meta oxidb.ObjectMeta
	)
	err := b.pool.Do(ctx, func(c *oxidb.Client) error {
		var getErr error
		data, meta, getErr = c.GetObject(ctx, b.bucket, key)
		return getErr
	})
	if err != nil {
		return nil, ObjectInfo{}, mapOxiErr(err)
	}
	info := infoFromMeta(key, meta)
	info.Size = int64(len(data))
	return data, info, nil
}

func (b *OxiBackend) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	var meta oxidb.ObjectMeta
	err := b.pool.Do(ctx, func(c *oxidb.Client) error {
		var headErr error
		meta, headErr = c.HeadObject(ctx, b.bucket, key)
		return headErr
	})
	if err != nil {
		return ObjectInfo{}, mapOxiErr(err)
	}
	return infoFromMeta(key, meta), nil
}

func (b *OxiBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var metas []oxidb.ObjectMeta
	err := b.pool.Do(ctx, func(c *oxidb.Client) error {
		var listErr error
		metas, listErr = c.ListObjects(ctx, b.bucket, prefix, 0)
		return listErr
	})
	if err != nil {
		return nil, err
	}
	out := make([]ObjectInfo, 0, len(metas))
	for _, m := range metas {
		out = append(out, infoFromMeta(m.Key, m))
	}
	return out, nil
}

func (b *OxiBackend) Delete(ctx context.Context, key string) error {
	err := b.pool.Do(ctx, func(c *oxidb.Client) error {
		return c.DeleteObject(ctx, b.bucket, key)
	})
	if err != nil && !oxidb.IsNotFound(err) {
		return err
	}
	return nil
}
