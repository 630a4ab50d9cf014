package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrBlobNotFound = errors.New("blob not found")

// BlobStore holds payloads too large for a table row.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	// Get returns ErrBlobNotFound when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete succeeds when key is absent.
	Delete(ctx context.Context, key string) error
}

// BlobKey names the overflow blob of one event version.
func BlobKey(partitionKey string, version int64) string {
	return fmt.Sprintf("%s/%020d", partitionKey, version)
}

// MemoryBlobStore keeps blobs in process memory.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryBlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

// Keys returns the stored keys in no particular order.
func (s *MemoryBlobStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		keys = append(keys, k)
	}
	return keys
}

var _ BlobStore = (*MemoryBlobStore)(nil)
