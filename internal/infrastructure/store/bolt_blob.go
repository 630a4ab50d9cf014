package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const blobBucket = "blobs"

// BoltBlobStore keeps overflow payloads in an embedded BoltDB file.
type BoltBlobStore struct {
	db *bbolt.DB
}

// OpenBoltBlobStore opens or creates the database at path.
func OpenBoltBlobStore(path string) (*BoltBlobStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("blob store path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open blob db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(blobBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create blob bucket: %w", err)
	}
	return &BoltBlobStore{db: db}, nil
}

func (s *BoltBlobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(blobBucket)).Put([]byte(key), data)
	})
}

func (s *BoltBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(blobBucket)).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		// v is only valid inside the transaction
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *BoltBlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(blobBucket)).Delete([]byte(key))
	})
}

var _ BlobStore = (*BoltBlobStore)(nil)
