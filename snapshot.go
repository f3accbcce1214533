package keel

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// DefaultSnapshotThreshold is the number of events between snapshots.
const DefaultSnapshotThreshold = 10

// SnapshotOption configures a SnapshotManager.
type SnapshotOption func(*snapshotConfig)

type snapshotConfig struct {
	threshold int64
	codec     StateCodec
	logger    Logger
}

// WithSnapshotThreshold sets how many events must accumulate after the last
// snapshot before MaybeSnapshot takes a new one.
func WithSnapshotThreshold(n int) SnapshotOption {
	return func(c *snapshotConfig) {
		if n > 0 {
			c.threshold = int64(n)
		}
	}
}

// WithStateCodec sets the codec used to serialize state.
func WithStateCodec(codec StateCodec) SnapshotOption {
	return func(c *snapshotConfig) {
		c.codec = codec
	}
}

// WithSnapshotLogger sets the logger.
func WithSnapshotLogger(l Logger) SnapshotOption {
	return func(c *snapshotConfig) {
		c.logger = l
	}
}

// SnapshotManager materializes entity state so that hydration only folds
// the events recorded after the snapshot.
//
// Snapshots never change results: hydrating from a snapshot plus the tail
// yields the same entity as replaying the whole stream.
type SnapshotManager[S any] struct {
	store     *EventStore
	snapshots adapters.SnapshotAdapter
	typ       *AggregateType[S]
	threshold int64
	codec     StateCodec
	logger    Logger
}

// NewSnapshotManager creates a SnapshotManager. A nil snapshots adapter
// disables snapshots and every hydration replays the full stream.
func NewSnapshotManager[S any](store *EventStore, snapshots adapters.SnapshotAdapter, typ *AggregateType[S], opts ...SnapshotOption) *SnapshotManager[S] {
	config := &snapshotConfig{
		threshold: DefaultSnapshotThreshold,
		codec:     JSONStateCodec{},
		logger:    &noopLogger{},
	}
	for _, opt := range opts {
		opt(config)
	}

	return &SnapshotManager[S]{
		store:     store,
		snapshots: snapshots,
		typ:       typ,
		threshold: config.threshold,
		codec:     config.codec,
		logger:    config.logger,
	}
}

// Threshold returns the snapshot threshold.
func (m *SnapshotManager[S]) Threshold() int64 {
	return m.threshold
}

// MaybeSnapshot snapshots e when at least threshold events were folded since
// the last snapshot. It reports whether a snapshot was taken.
func (m *SnapshotManager[S]) MaybeSnapshot(ctx context.Context, e *Entity[S]) (bool, error) {
	if m.snapshots == nil {
		return false, nil
	}
	if e.HasPending() {
		return false, ErrUncommittedEvents
	}

	last, err := m.snapshots.LoadSnapshot(ctx, e.StreamName())
	if err != nil {
		return false, err
	}
	var lastVersion int64
	if last != nil {
		lastVersion = last.Version
	}
	if e.Version()-lastVersion < m.threshold {
		return false, nil
	}

	if err := m.save(ctx, e); err != nil {
		return false, err
	}
	return true, nil
}

// Hydrate loads entity id from its latest snapshot plus the events after it.
// Without a snapshot the full stream is replayed.
func (m *SnapshotManager[S]) Hydrate(ctx context.Context, id string) (*Entity[S], error) {
	streamName := m.typ.StreamName(id)

	version, err := m.store.StreamVersion(ctx, streamName)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, NewStreamNotFoundError(streamName)
	}

	var snapshot *adapters.SnapshotRecord
	if m.snapshots != nil {
		snapshot, err = m.snapshots.LoadSnapshot(ctx, streamName)
		if err != nil {
			return nil, err
		}
	}
	if snapshot == nil || snapshot.Version == 0 {
		return m.typ.Reconstruct(ctx, id, m.store.Read(ctx, streamName, 0))
	}

	if snapshot.Version > version {
		return nil, fmt.Errorf("%w: stream %q at version %d, snapshot at %d",
			ErrSnapshotAhead, streamName, version, snapshot.Version)
	}

	var state S
	if err := m.codec.Unmarshal(snapshot.State, &state); err != nil {
		m.logger.Warn("discarding unreadable snapshot", "stream", streamName, "version", snapshot.Version, "error", err)
		return m.typ.Reconstruct(ctx, id, m.store.Read(ctx, streamName, 0))
	}

	head := Event{
		Type:       SnapshotEventType,
		StreamName: streamName,
		SequenceID: snapshot.Version - 1,
		Data:       state,
		Timestamp:  snapshot.TakenAt,
		Kind:       EventKindSnapshot,
	}
	tail := m.store.Read(ctx, streamName, snapshot.Version)

	m.logger.Debug("hydrating from snapshot", "stream", streamName, "snapshot_version", snapshot.Version, "stream_version", version)
	return m.typ.Reconstruct(ctx, id, prepend(head, tail))
}

// ForceSnapshot replays the full stream, ignoring any existing snapshot and
// the threshold, and stores the result.
func (m *SnapshotManager[S]) ForceSnapshot(ctx context.Context, id string) (*Entity[S], error) {
	streamName := m.typ.StreamName(id)

	e, err := m.typ.Reconstruct(ctx, id, m.store.Read(ctx, streamName, 0))
	if err != nil {
		return nil, err
	}
	if e.Version() == 0 {
		return nil, NewStreamNotFoundError(streamName)
	}
	if m.snapshots == nil {
		return e, nil
	}
	if err := m.save(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (m *SnapshotManager[S]) save(ctx context.Context, e *Entity[S]) error {
	state, err := m.codec.Marshal(e.State())
	if err != nil {
		return NewSerializationError(m.typ.name, "serialize", err)
	}

	record := adapters.SnapshotRecord{
		StreamName: e.StreamName(),
		Version:    e.Version(),
		State:      state,
		TakenAt:    time.Now().UTC(),
	}
	if err := m.snapshots.SaveSnapshot(ctx, record); err != nil {
		return err
	}

	m.logger.Debug("snapshot saved", "stream", record.StreamName, "version", record.Version)
	return nil
}

func prepend(head Event, tail iter.Seq2[Event, error]) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if !yield(head, nil) {
			return
		}
		for evt, err := range tail {
			if !yield(evt, err) {
				return
			}
		}
	}
}
