// Package storage defines the blob store that holds version content, partial
// upload chunks and change archives, plus an in-memory implementation used in
// development and tests.
package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
)

// BlobStore is a flat key space of immutable objects.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Get returns the object body and its size. Missing keys fail with NotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// MemoryStore keeps blobs in a map guarded by an RWMutex.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
	}
}

// Put reads r fully and stores it under key. A size of -1 means unknown;
// otherwise the body must match it.
func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return apperr.Upstream("storage.Put", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return apperr.InvalidArgument("storage.Put", "object %s: read %d bytes, expected %d", key, len(data), size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = data
	return nil
}

// Get returns a reader over a copy-free view of the stored bytes. Stored
// slices are never mutated after Put, so sharing them is safe.
func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, 0, apperr.NotFound("storage.Get", "object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// Delete removes key if present.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

// List returns the sorted keys starting with prefix.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len reports how many objects are stored.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
