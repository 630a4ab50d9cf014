package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrInvalidReadModel is returned when a read model cannot be encoded or
// decoded as JSON.
var ErrInvalidReadModel = errors.New("invalid read model")

// ReadStoreInterface defines the interface for read model storage. Read
// models are JSON documents grouped into collections.
type ReadStoreInterface interface {
	// Set stores a read model, replacing any previous document.
	Set(ctx context.Context, collection, id string, data any) error

	// Get decodes the document into out and reports whether it exists.
	Get(ctx context.Context, collection, id string, out any) (bool, error)

	// GetAll returns every document of a collection ordered by id.
	GetAll(ctx context.Context, collection string) ([]json.RawMessage, error)

	// Delete removes a read model. Deleting a missing id is not an error.
	Delete(ctx context.Context, collection, id string) error
}

func encodeReadModel(data any) ([]byte, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Join(ErrInvalidReadModel, err)
	}
	return b, nil
}

func decodeReadModel(b []byte, out any) error {
	if err := json.Unmarshal(b, out); err != nil {
		return errors.Join(ErrInvalidReadModel, err)
	}
	return nil
}
