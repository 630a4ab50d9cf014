package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// ReadStore is an in-memory read model store. Documents are kept encoded so
// callers never share state with the store.
type ReadStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte // collection -> id -> document
}

func NewReadStore() *ReadStore {
	return &ReadStore{
		data: make(map[string]map[string][]byte),
	}
}

// Set stores a read model
func (rs *ReadStore) Set(_ context.Context, collection, id string, data any) error {
	b, err := encodeReadModel(data)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.data[collection] == nil {
		rs.data[collection] = make(map[string][]byte)
	}
	rs.data[collection][id] = b
	return nil
}

// Get retrieves a read model by id
func (rs *ReadStore) Get(_ context.Context, collection, id string, out any) (bool, error) {
	rs.mu.RLock()
	b, ok := rs.data[collection][id]
	rs.mu.RUnlock()

	if !ok {
		return false, nil
	}
	return true, decodeReadModel(b, out)
}

// GetAll retrieves all items in a collection
func (rs *ReadStore) GetAll(_ context.Context, collection string) ([]json.RawMessage, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	ids := make([]string, 0, len(rs.data[collection]))
	for id := range rs.data[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	items := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		items = append(items, json.RawMessage(rs.data[collection][id]))
	}
	return items, nil
}

// Delete removes a read model
func (rs *ReadStore) Delete(_ context.Context, collection, id string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.data[collection] != nil {
		delete(rs.data[collection], id)
	}
	return nil
}
