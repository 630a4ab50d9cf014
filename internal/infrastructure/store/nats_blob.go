package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBlobBucket is the object store bucket used when none is configured.
const DefaultBlobBucket = "es_overflow"

// Connector opens a NATS connection and returns a func that closes it.
type Connector func() (nc *natsgo.Conn, close func(), err error)

func ConnectNATS(natsURL string) Connector {
	return func() (*natsgo.Conn, func(), error) {
		nc, err := natsgo.Connect(natsURL, natsgo.MaxReconnects(3))
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectNATSDefault reads NATS_URL and falls back to the library default.
func ConnectNATSDefault() Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectNATS(natsURL)
	}
	return ConnectNATS(natsgo.DefaultURL)
}

// objectStore is the part of jetstream.ObjectStore the blob store uses.
type objectStore interface {
	PutBytes(ctx context.Context, name string, data []byte) (*jetstream.ObjectInfo, error)
	GetBytes(ctx context.Context, name string, opts ...jetstream.GetObjectOpt) ([]byte, error)
	Delete(ctx context.Context, name string) error
}

// NATSBlobStore keeps overflow payloads in a JetStream object store bucket.
type NATSBlobStore struct {
	obj   objectStore
	close func()
}

type NATSBlobConfig struct {
	Connect Connector
	Bucket  string
}

func NewNATSBlobStore(ctx context.Context, cfg NATSBlobConfig) (*NATSBlobStore, error) {
	connect := cfg.Connect
	if connect == nil {
		connect = ConnectNATSDefault()
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultBlobBucket
	}

	nc, closeConn, err := connect()
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		closeConn()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	obj, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:  bucket,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		closeConn()
		return nil, fmt.Errorf("object store %s: %w", bucket, err)
	}
	return &NATSBlobStore{obj: obj, close: closeConn}, nil
}

// WrapObjectStore builds a blob store on an existing object store bucket.
func WrapObjectStore(obj objectStore) *NATSBlobStore {
	return &NATSBlobStore{obj: obj}
}

func (s *NATSBlobStore) Close() {
	if s.close != nil {
		s.close()
	}
}

func (s *NATSBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if _, err := s.obj.PutBytes(ctx, key, data); err != nil {
		return fmt.Errorf("put blob %s: %w", key, err)
	}
	return nil
}

func (s *NATSBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.obj.GetBytes(ctx, key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", key, err)
	}
	return data, nil
}

func (s *NATSBlobStore) Delete(ctx context.Context, key string) error {
	err := s.obj.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

var _ BlobStore = (*NATSBlobStore)(nil)
