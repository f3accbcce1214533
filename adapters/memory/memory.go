// Package memory provides in-memory implementations of the keel adapters.
// They are intended for tests, development and single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// Ensure MemoryAdapter implements all required interfaces.
var (
	_ adapters.EventStoreAdapter = (*MemoryAdapter)(nil)
	_ adapters.SnapshotAdapter   = (*MemoryAdapter)(nil)
	_ adapters.CheckpointAdapter = (*MemoryAdapter)(nil)
	_ adapters.HealthChecker     = (*MemoryAdapter)(nil)
)

// MemoryAdapter is an in-memory event store. It is safe for concurrent use;
// the write lock is the serialization point for appends.
type MemoryAdapter struct {
	mu             sync.RWMutex
	streams        map[string]*streamData
	globalEvents   []adapters.StoredEvent
	globalPosition uint64
	snapshots      map[string]adapters.SnapshotRecord
	checkpoints    *CheckpointStore
	closed         bool
}

type streamData struct {
	info   adapters.StreamInfo
	events []adapters.StoredEvent
}

// Option configures a MemoryAdapter.
type Option func(*MemoryAdapter)

// WithCheckpointStore shares a checkpoint store with the adapter.
func WithCheckpointStore(store *CheckpointStore) Option {
	return func(a *MemoryAdapter) {
		a.checkpoints = store
	}
}

// NewAdapter creates a new in-memory event store adapter.
func NewAdapter(opts ...Option) *MemoryAdapter {
	adapter := &MemoryAdapter{
		streams:      make(map[string]*streamData),
		globalEvents: make([]adapters.StoredEvent, 0),
		snapshots:    make(map[string]adapters.SnapshotRecord),
		checkpoints:  NewCheckpointStore(),
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// Initialize is a no-op for the memory adapter.
func (a *MemoryAdapter) Initialize(ctx context.Context) error {
	return nil
}

// Append stores events to the stream with optimistic concurrency control.
func (a *MemoryAdapter) Append(ctx context.Context, streamName string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	if streamName == "" {
		return nil, adapters.ErrEmptyStreamName
	}

	if len(events) == 0 {
		return nil, adapters.ErrNoEvents
	}

	stream, exists := a.streams[streamName]
	currentVersion := int64(0)
	if exists {
		currentVersion = stream.info.Version
	}

	if err := adapters.CheckVersion(streamName, expectedVersion, currentVersion); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if !exists {
		stream = &streamData{
			info: adapters.StreamInfo{
				StreamName: streamName,
				Category:   adapters.ExtractCategory(streamName),
				CreatedAt:  now,
			},
			events: make([]adapters.StoredEvent, 0, len(events)),
		}
		a.streams[streamName] = stream
	}

	storedEvents := make([]adapters.StoredEvent, len(events))
	for i, event := range events {
		a.globalPosition++

		id := event.ID
		if id == "" {
			id = uuid.NewString()
		}
		timestamp := event.Timestamp
		if timestamp.IsZero() {
			timestamp = now
		}

		stored := adapters.StoredEvent{
			ID:             id,
			StreamName:     streamName,
			Type:           event.Type,
			SchemaVersion:  event.SchemaVersion,
			Data:           append([]byte(nil), event.Data...),
			Headers:        adapters.CopyHeaders(event.Headers),
			Checksum:       event.Checksum,
			SequenceID:     currentVersion,
			GlobalPosition: a.globalPosition,
			Timestamp:      timestamp,
		}
		currentVersion++

		stream.events = append(stream.events, stored)
		a.globalEvents = append(a.globalEvents, stored)
		storedEvents[i] = stored
	}

	stream.info.Version = currentVersion
	stream.info.UpdatedAt = now

	return copyEvents(storedEvents), nil
}

// Load retrieves events from a stream starting at fromSequence.
func (a *MemoryAdapter) Load(ctx context.Context, streamName string, fromSequence int64, limit int) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	if streamName == "" {
		return nil, adapters.ErrEmptyStreamName
	}

	stream, exists := a.streams[streamName]
	if !exists || fromSequence >= int64(len(stream.events)) {
		return []adapters.StoredEvent{}, nil
	}
	if fromSequence < 0 {
		fromSequence = 0
	}

	events := stream.events[fromSequence:]
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}

	return copyEvents(events), nil
}

// LoadCategory returns events of every stream in the category after fromPosition.
func (a *MemoryAdapter) LoadCategory(ctx context.Context, category string, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	return a.scan(ctx, fromPosition, limit, func(e adapters.StoredEvent) bool {
		return adapters.ExtractCategory(e.StreamName) == category
	})
}

// LoadFromPosition returns events across all streams after fromPosition.
func (a *MemoryAdapter) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	return a.scan(ctx, fromPosition, limit, nil)
}

func (a *MemoryAdapter) scan(ctx context.Context, fromPosition uint64, limit int, match func(adapters.StoredEvent) bool) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	limit = adapters.DefaultLimit(limit, 100)

	// Global positions are 1-based and dense, so the slice index of the
	// first candidate is fromPosition itself.
	if fromPosition >= uint64(len(a.globalEvents)) {
		return []adapters.StoredEvent{}, nil
	}

	events := make([]adapters.StoredEvent, 0, limit)
	for _, event := range a.globalEvents[fromPosition:] {
		if match != nil && !match(event) {
			continue
		}
		events = append(events, event)
		if len(events) >= limit {
			break
		}
	}

	return copyEvents(events), nil
}

// GetStreamInfo returns metadata about a stream.
func (a *MemoryAdapter) GetStreamInfo(ctx context.Context, streamName string) (*adapters.StreamInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	stream, exists := a.streams[streamName]
	if !exists {
		return nil, adapters.NewStreamNotFoundError(streamName)
	}

	info := stream.info
	return &info, nil
}

// GetLastPosition returns the global position of the last stored event.
func (a *MemoryAdapter) GetLastPosition(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return 0, adapters.ErrAdapterClosed
	}

	return a.globalPosition, nil
}

// Close marks the adapter as closed.
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	return nil
}

// SaveSnapshot stores a snapshot for the stream.
func (a *MemoryAdapter) SaveSnapshot(ctx context.Context, record adapters.SnapshotRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}

	if record.StreamName == "" {
		return adapters.ErrEmptyStreamName
	}

	record.State = append([]byte(nil), record.State...)
	if record.TakenAt.IsZero() {
		record.TakenAt = time.Now().UTC()
	}
	a.snapshots[record.StreamName] = record
	return nil
}

// LoadSnapshot retrieves the latest snapshot for the stream.
func (a *MemoryAdapter) LoadSnapshot(ctx context.Context, streamName string) (*adapters.SnapshotRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	record, ok := a.snapshots[streamName]
	if !ok {
		return nil, nil
	}

	record.State = append([]byte(nil), record.State...)
	return &record, nil
}

// DeleteSnapshot removes the snapshot for the stream.
func (a *MemoryAdapter) DeleteSnapshot(ctx context.Context, streamName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}

	delete(a.snapshots, streamName)
	return nil
}

// GetCheckpoint returns the last processed position for a consumer.
func (a *MemoryAdapter) GetCheckpoint(ctx context.Context, name string) (uint64, error) {
	return a.checkpoints.GetCheckpoint(ctx, name)
}

// SetCheckpoint stores the last processed position for a consumer.
func (a *MemoryAdapter) SetCheckpoint(ctx context.Context, name string, position uint64) error {
	return a.checkpoints.SetCheckpoint(ctx, name, position)
}

// Ping reports whether the adapter is open.
func (a *MemoryAdapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}
	return nil
}

// Reset clears all data. Useful for testing.
func (a *MemoryAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.streams = make(map[string]*streamData)
	a.globalEvents = make([]adapters.StoredEvent, 0)
	a.globalPosition = 0
	a.snapshots = make(map[string]adapters.SnapshotRecord)
	a.checkpoints.Clear()
}

// EventCount returns the total number of stored events.
func (a *MemoryAdapter) EventCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.globalEvents)
}

// StreamCount returns the number of streams.
func (a *MemoryAdapter) StreamCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.streams)
}

// Corrupt replaces the payload of a stored event without touching its
// checksum. It exists so integrity checks can be exercised in tests.
func (a *MemoryAdapter) Corrupt(streamName string, sequenceID int64, data []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	stream, ok := a.streams[streamName]
	if !ok || sequenceID < 0 || sequenceID >= int64(len(stream.events)) {
		return false
	}
	stream.events[sequenceID].Data = data
	return true
}

func copyEvents(events []adapters.StoredEvent) []adapters.StoredEvent {
	out := make([]adapters.StoredEvent, len(events))
	for i, e := range events {
		e.Data = append([]byte(nil), e.Data...)
		e.Headers = adapters.CopyHeaders(e.Headers)
		out[i] = e
	}
	return out
}
