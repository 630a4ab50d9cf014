package mocks

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/example/es-engine/internal/infrastructure/store"
)

// MockReadStore is a mock implementation of ReadStoreInterface for testing.
// It stores documents in memory and records every call.
type MockReadStore struct {
	inner *store.ReadStore

	mu sync.Mutex

	// For tracking calls in tests
	SetCalls    []SetCall
	GetCalls    []GetCall
	DeleteCalls []DeleteCall

	SetErr    error
	GetErr    error
	DeleteErr error
}

// SetCall records parameters passed to Set
type SetCall struct {
	Collection string
	ID         string
	Data       any
}

// GetCall records parameters passed to Get
type GetCall struct {
	Collection string
	ID         string
}

// DeleteCall records parameters passed to Delete
type DeleteCall struct {
	Collection string
	ID         string
}

var _ store.ReadStoreInterface = (*MockReadStore)(nil)

// NewMockReadStore creates a new MockReadStore
func NewMockReadStore() *MockReadStore {
	return &MockReadStore{inner: store.NewReadStore()}
}

// Set stores a read model
func (m *MockReadStore) Set(ctx context.Context, collection, id string, data any) error {
	m.mu.Lock()
	m.SetCalls = append(m.SetCalls, SetCall{Collection: collection, ID: id, Data: data})
	err := m.SetErr
	m.mu.Unlock()

	if err != nil {
		return err
	}
	return m.inner.Set(ctx, collection, id, data)
}

// Get retrieves a read model by id
func (m *MockReadStore) Get(ctx context.Context, collection, id string, out any) (bool, error) {
	m.mu.Lock()
	m.GetCalls = append(m.GetCalls, GetCall{Collection: collection, ID: id})
	err := m.GetErr
	m.mu.Unlock()

	if err != nil {
		return false, err
	}
	return m.inner.Get(ctx, collection, id, out)
}

// GetAll retrieves all items in a collection
func (m *MockReadStore) GetAll(ctx context.Context, collection string) ([]json.RawMessage, error) {
	return m.inner.GetAll(ctx, collection)
}

// Delete removes a read model
func (m *MockReadStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	m.DeleteCalls = append(m.DeleteCalls, DeleteCall{Collection: collection, ID: id})
	err := m.DeleteErr
	m.mu.Unlock()

	if err != nil {
		return err
	}
	return m.inner.Delete(ctx, collection, id)
}

// Reset clears all data, recorded calls and injected errors
func (m *MockReadStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inner = store.NewReadStore()
	m.SetCalls = nil
	m.GetCalls = nil
	m.DeleteCalls = nil
	m.SetErr, m.GetErr, m.DeleteErr = nil, nil, nil
}

// SetData sets data directly for testing
func (m *MockReadStore) SetData(collection, id string, data any) {
	_ = m.inner.Set(context.Background(), collection, id, data)
}

// GetData decodes a document directly for testing (without recording the call)
func (m *MockReadStore) GetData(collection, id string, out any) bool {
	ok, err := m.inner.Get(context.Background(), collection, id, out)
	return ok && err == nil
}
