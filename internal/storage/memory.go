package storage

import (
	"context"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// MemoryBackend keeps objects in process memory. It is used by tests and by
// the "memory" storage backend for throwaway dev servers.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]memObject

	// Now stamps object modification times. Defaults to time.Now.
	Now func() time.Time
	// FailPut, when set, is consulted before every Put. A non-nil result is
	// returned instead of storing the object.
	FailPut func(key string) error
}

type memObject struct {
	data []byte
	info ObjectInfo
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string]memObject), Now: time.Now}
}

func (m *MemoryBackend) Put(ctx context.Context, key string, data []byte, contentType string) (ObjectInfo, error) {
	if err := ValidKey(key); err != nil {
		return ObjectInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut != nil {
		if err := m.FailPut(key); err != nil {
			return ObjectInfo{}, err
		}
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	info := ObjectInfo{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(buf)),
		ModTime:     m.Now().UTC(),
		Checksum:    checksum(buf),
	}
	m.objects[key] = memObject{data: buf, info: info}
	return info, nil
}

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ObjectInfo{}, ErrObjectNotFound
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, obj.info, nil
}

func (m *MemoryBackend) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return obj.info, nil
}

func (m *MemoryBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ObjectInfo, 0)
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Len reports the number of stored objects.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
