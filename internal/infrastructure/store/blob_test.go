package store_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/example/es-engine/internal/infrastructure/store"
	"github.com/example/es-engine/internal/infrastructure/store/storetest"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltBlobStore_Contract(t *testing.T) {
	storetest.RunBlob(t, func(t *testing.T) store.BlobStore {
		s, err := store.OpenBoltBlobStore(filepath.Join(t.TempDir(), "blobs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpenBoltBlobStore_RequiresPath(t *testing.T) {
	_, err := store.OpenBoltBlobStore(" ")
	assert.Error(t, err)
}

// fakeObjectStore stands in for a JetStream object store bucket.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeObjectStore) PutBytes(_ context.Context, name string, data []byte) (*jetstream.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[name] = append([]byte(nil), data...)
	return &jetstream.ObjectInfo{}, nil
}

func (f *fakeObjectStore) GetBytes(_ context.Context, name string, _ ...jetstream.GetObjectOpt) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[name]
	if !ok {
		return nil, jetstream.ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeObjectStore) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[name]; !ok {
		return jetstream.ErrObjectNotFound
	}
	delete(f.objects, name)
	return nil
}

func TestNATSBlobStore_Contract(t *testing.T) {
	storetest.RunBlob(t, func(t *testing.T) store.BlobStore {
		return store.WrapObjectStore(&fakeObjectStore{objects: make(map[string][]byte)})
	})
}
