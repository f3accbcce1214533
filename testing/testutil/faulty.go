// Package testutil provides fixtures and fault injection for testing code
// built on keel: a test order entity, a read model handler, and adapter and
// publisher wrappers that fail on demand.
package testutil

import (
	"context"
	"sync"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// Op names an adapter or publisher operation that faults can target.
type Op string

const (
	OpAppend           Op = "append"
	OpLoad             Op = "load"
	OpLoadCategory     Op = "load_category"
	OpLoadFromPosition Op = "load_from_position"
	OpGetStreamInfo    Op = "get_stream_info"
	OpGetLastPosition  Op = "get_last_position"
	OpPublish          Op = "publish"
)

// faults counts calls per operation and hands out queued errors.
type faults struct {
	mu      sync.Mutex
	pending map[Op][]error
	calls   map[Op]int
}

func (f *faults) failNext(op Op, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		f.pending = make(map[Op][]error)
	}
	for i := 0; i < n; i++ {
		f.pending[op] = append(f.pending[op], err)
	}
}

// take records a call to op and returns the next queued error, if any.
func (f *faults) take(op Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[Op]int)
	}
	f.calls[op]++

	queue := f.pending[op]
	if len(queue) == 0 {
		return nil
	}
	f.pending[op] = queue[1:]
	return queue[0]
}

func (f *faults) count(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// FaultyAdapter wraps an EventStoreAdapter and fails the next calls of an
// operation with queued errors. Calls that are not failed reach the wrapped
// adapter unchanged.
type FaultyAdapter struct {
	adapters.EventStoreAdapter
	faults faults
}

// NewFaultyAdapter wraps inner.
func NewFaultyAdapter(inner adapters.EventStoreAdapter) *FaultyAdapter {
	return &FaultyAdapter{EventStoreAdapter: inner}
}

// FailNext makes the next n calls of op return err.
func (a *FaultyAdapter) FailNext(op Op, n int, err error) *FaultyAdapter {
	a.faults.failNext(op, n, err)
	return a
}

// Calls returns how many times op was called, failed calls included.
func (a *FaultyAdapter) Calls(op Op) int {
	return a.faults.count(op)
}

// Append implements adapters.EventStoreAdapter.
func (a *FaultyAdapter) Append(ctx context.Context, streamName string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if err := a.faults.take(OpAppend); err != nil {
		return nil, err
	}
	return a.EventStoreAdapter.Append(ctx, streamName, events, expectedVersion)
}

// Load implements adapters.EventStoreAdapter.
func (a *FaultyAdapter) Load(ctx context.Context, streamName string, fromSequence int64, limit int) ([]adapters.StoredEvent, error) {
	if err := a.faults.take(OpLoad); err != nil {
		return nil, err
	}
	return a.EventStoreAdapter.Load(ctx, streamName, fromSequence, limit)
}

// LoadCategory implements adapters.EventStoreAdapter.
func (a *FaultyAdapter) LoadCategory(ctx context.Context, category string, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if err := a.faults.take(OpLoadCategory); err != nil {
		return nil, err
	}
	return a.EventStoreAdapter.LoadCategory(ctx, category, fromPosition, limit)
}

// LoadFromPosition implements adapters.EventStoreAdapter.
func (a *FaultyAdapter) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if err := a.faults.take(OpLoadFromPosition); err != nil {
		return nil, err
	}
	return a.EventStoreAdapter.LoadFromPosition(ctx, fromPosition, limit)
}

// GetStreamInfo implements adapters.EventStoreAdapter.
func (a *FaultyAdapter) GetStreamInfo(ctx context.Context, streamName string) (*adapters.StreamInfo, error) {
	if err := a.faults.take(OpGetStreamInfo); err != nil {
		return nil, err
	}
	return a.EventStoreAdapter.GetStreamInfo(ctx, streamName)
}

// GetLastPosition implements adapters.EventStoreAdapter.
func (a *FaultyAdapter) GetLastPosition(ctx context.Context) (uint64, error) {
	if err := a.faults.take(OpGetLastPosition); err != nil {
		return 0, err
	}
	return a.EventStoreAdapter.GetLastPosition(ctx)
}

// FaultyPublisher wraps a Publisher and fails the next publishes with
// queued errors.
type FaultyPublisher struct {
	inner  adapters.Publisher
	faults faults
}

// NewFaultyPublisher wraps inner.
func NewFaultyPublisher(inner adapters.Publisher) *FaultyPublisher {
	return &FaultyPublisher{inner: inner}
}

// FailNext makes the next n publishes return err.
func (p *FaultyPublisher) FailNext(n int, err error) *FaultyPublisher {
	p.faults.failNext(OpPublish, n, err)
	return p
}

// Calls returns how many publishes were attempted.
func (p *FaultyPublisher) Calls() int {
	return p.faults.count(OpPublish)
}

// Publish implements adapters.Publisher.
func (p *FaultyPublisher) Publish(ctx context.Context, stream string, msg adapters.Message) (string, error) {
	if err := p.faults.take(OpPublish); err != nil {
		return "", err
	}
	return p.inner.Publish(ctx, stream, msg)
}

var (
	_ adapters.EventStoreAdapter = (*FaultyAdapter)(nil)
	_ adapters.Publisher         = (*FaultyPublisher)(nil)
)
