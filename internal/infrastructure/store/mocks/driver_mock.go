package mocks

import (
	"context"
	"sync"

	"github.com/example/es-engine/internal/infrastructure/store"
)

// Driver wraps a real store.Driver (in-memory by default), records calls and
// lets tests inject failures before or after a write reaches the backend.
type Driver struct {
	inner store.Driver

	mu sync.Mutex

	// For tracking calls in tests
	BatchCalls            []BatchCall
	ConditionalWriteCalls []ConditionalWriteCall
	GetCalls              int
	QueryCalls            int
	DeleteCalls           []string
	DeleteAllCalls        []string

	// BeforeBatch runs before a batch is applied; an error aborts it.
	BeforeBatch func(call int, partitionKey string, writes []store.Write) error
	// AfterBatch runs after a batch was applied; an error is returned to the
	// caller although the writes are durable, like a lost response.
	AfterBatch func(call int, partitionKey string, writes []store.Write) error
	// BeforeConditionalWrite runs before a conditional write is applied.
	BeforeConditionalWrite func(call int, rec store.Record, expectedVersion int64) error
	// BeforeQuery runs before a query reaches the backend; it may block.
	BeforeQuery  func(call int, q store.Query) error
	GetErr       error
	QueryErr     error
	DeleteAllErr error
}

// BatchCall records parameters passed to AtomicBatch
type BatchCall struct {
	PartitionKey string
	Writes       []store.Write
	Err          error
}

// ConditionalWriteCall records parameters passed to ConditionalWrite
type ConditionalWriteCall struct {
	PartitionKey    string
	Record          store.Record
	ExpectedVersion int64
	Err             error
}

// NewDriver creates a Driver over an in-memory driver with the given limits.
func NewDriver(limits store.Limits) *Driver {
	return Wrap(store.NewMemoryDriver(limits))
}

// Wrap creates a Driver over inner.
func Wrap(inner store.Driver) *Driver {
	return &Driver{inner: inner}
}

// Inner returns the wrapped driver, bypassing recording and injection.
func (m *Driver) Inner() store.Driver { return m.inner }

func (m *Driver) Limits() store.Limits { return m.inner.Limits() }

func (m *Driver) ConditionalWrite(ctx context.Context, partitionKey string, rec store.Record, expectedVersion int64) error {
	m.mu.Lock()
	call := len(m.ConditionalWriteCalls) + 1
	before := m.BeforeConditionalWrite
	m.mu.Unlock()

	var err error
	if before != nil {
		err = before(call, rec, expectedVersion)
	}
	if err == nil {
		err = m.inner.ConditionalWrite(ctx, partitionKey, rec, expectedVersion)
	}

	m.mu.Lock()
	m.ConditionalWriteCalls = append(m.ConditionalWriteCalls, ConditionalWriteCall{
		PartitionKey:    partitionKey,
		Record:          rec,
		ExpectedVersion: expectedVersion,
		Err:             err,
	})
	m.mu.Unlock()
	return err
}

func (m *Driver) AtomicBatch(ctx context.Context, partitionKey string, writes []store.Write) error {
	m.mu.Lock()
	call := len(m.BatchCalls) + 1
	before, after := m.BeforeBatch, m.AfterBatch
	m.mu.Unlock()

	var err error
	if before != nil {
		err = before(call, partitionKey, writes)
	}
	if err == nil {
		err = m.inner.AtomicBatch(ctx, partitionKey, writes)
		if err == nil && after != nil {
			err = after(call, partitionKey, writes)
		}
	}

	m.mu.Lock()
	m.BatchCalls = append(m.BatchCalls, BatchCall{
		PartitionKey: partitionKey,
		Writes:       append([]store.Write(nil), writes...),
		Err:          err,
	})
	m.mu.Unlock()
	return err
}

func (m *Driver) Get(ctx context.Context, partitionKey, rowKey string) (store.Record, error) {
	m.mu.Lock()
	m.GetCalls++
	getErr := m.GetErr
	m.mu.Unlock()
	if getErr != nil {
		return store.Record{}, getErr
	}
	return m.inner.Get(ctx, partitionKey, rowKey)
}

func (m *Driver) Query(ctx context.Context, q store.Query) (store.Page, error) {
	m.mu.Lock()
	m.QueryCalls++
	call, queryErr, before := m.QueryCalls, m.QueryErr, m.BeforeQuery
	m.mu.Unlock()
	if queryErr != nil {
		return store.Page{}, queryErr
	}
	if before != nil {
		if err := before(call, q); err != nil {
			return store.Page{}, err
		}
	}
	return m.inner.Query(ctx, q)
}

func (m *Driver) Delete(ctx context.Context, partitionKey, rowKey string) error {
	m.mu.Lock()
	m.DeleteCalls = append(m.DeleteCalls, partitionKey+"|"+rowKey)
	m.mu.Unlock()
	return m.inner.Delete(ctx, partitionKey, rowKey)
}

func (m *Driver) DeleteAll(ctx context.Context, partitionKey string) error {
	m.mu.Lock()
	m.DeleteAllCalls = append(m.DeleteAllCalls, partitionKey)
	deleteAllErr := m.DeleteAllErr
	m.mu.Unlock()
	if deleteAllErr != nil {
		return deleteAllErr
	}
	return m.inner.DeleteAll(ctx, partitionKey)
}

// Reset clears recorded calls and injected failures.
func (m *Driver) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchCalls = nil
	m.ConditionalWriteCalls = nil
	m.GetCalls = 0
	m.QueryCalls = 0
	m.DeleteCalls = nil
	m.DeleteAllCalls = nil
	m.BeforeBatch = nil
	m.AfterBatch = nil
	m.BeforeConditionalWrite = nil
	m.BeforeQuery = nil
	m.GetErr = nil
	m.QueryErr = nil
	m.DeleteAllErr = nil
}

// WriteCount returns the number of successful batch and conditional writes.
func (m *Driver) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.BatchCalls {
		if c.Err == nil {
			n++
		}
	}
	for _, c := range m.ConditionalWriteCalls {
		if c.Err == nil {
			n++
		}
	}
	return n
}

var _ store.Driver = (*Driver)(nil)
