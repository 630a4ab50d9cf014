package eventstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/es-engine/internal/infrastructure/store"
)

const (
	encodingIdentity = "identity"
	encodingZstd     = "zstd"
)

// pointer replaces the payload of an event row whose record would exceed the
// driver's payload limit. The row keeps its event type and version.
type pointer struct {
	Key      string `json:"key"`
	Encoding string `json:"encoding"`
	Size     int    `json:"size"`
}

func (s *Store[T]) oversized(rec store.Record) bool {
	return s.limits.MaxPayloadBytes > 0 && rec.Size() > s.limits.MaxPayloadBytes
}

// offload uploads the payload of rec and turns rec into a pointer row. The
// blob key carries the commit etag so concurrent writers of the same version
// never share a blob.
func (s *Store[T]) offload(ctx context.Context, rec store.Record, etag string) (store.Record, string, error) {
	p := pointer{
		Key:      store.BlobKey(rec.PartitionKey, rec.Version) + "." + etag,
		Encoding: encodingIdentity,
		Size:     len(rec.Data),
	}
	body := rec.Data
	if s.opts.compress {
		body = s.enc.EncodeAll(rec.Data, nil)
		p.Encoding = encodingZstd
	}
	if err := s.opts.blobs.Put(ctx, p.Key, body); err != nil {
		return rec, "", fmt.Errorf("upload %s: %w", p.Key, err)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return rec, p.Key, err
	}
	rec.Kind = store.KindPointer
	rec.Data = data
	return rec, p.Key, nil
}

// resolve returns the payload a pointer row stands for.
func (s *Store[T]) resolve(ctx context.Context, rec store.Record) ([]byte, error) {
	var p pointer
	if err := json.Unmarshal(rec.Data, &p); err != nil {
		return nil, fmt.Errorf("decode pointer %s: %w", rec.RowKey, err)
	}
	if s.opts.blobs == nil {
		return nil, fmt.Errorf("resolve %s: no blob store configured", p.Key)
	}
	body, err := s.opts.blobs.Get(ctx, p.Key)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", p.Key, err)
	}
	switch p.Encoding {
	case encodingIdentity, "":
	case encodingZstd:
		if body, err = s.dec.DecodeAll(body, make([]byte, 0, p.Size)); err != nil {
			return nil, fmt.Errorf("decompress %s: %w", p.Key, err)
		}
	default:
		return nil, fmt.Errorf("resolve %s: unknown encoding %q", p.Key, p.Encoding)
	}
	if len(body) != p.Size {
		return nil, fmt.Errorf("resolve %s: size %d, want %d", p.Key, len(body), p.Size)
	}
	return body, nil
}

func pointerKey(rec store.Record) (string, error) {
	var p pointer
	if err := json.Unmarshal(rec.Data, &p); err != nil {
		return "", fmt.Errorf("decode pointer %s: %w", rec.RowKey, err)
	}
	return p.Key, nil
}
