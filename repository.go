package keel

import (
	"context"
	"errors"
	"fmt"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// RepositoryOption configures a Repository.
type RepositoryOption func(*repositoryConfig)

type repositoryConfig struct {
	snapshots    adapters.SnapshotAdapter
	snapshotOpts []SnapshotOption
	logger       Logger
}

// WithSnapshots enables snapshots backed by the given adapter.
func WithSnapshots(snapshots adapters.SnapshotAdapter, opts ...SnapshotOption) RepositoryOption {
	return func(c *repositoryConfig) {
		c.snapshots = snapshots
		c.snapshotOpts = opts
	}
}

// WithRepositoryLogger sets the logger.
func WithRepositoryLogger(l Logger) RepositoryOption {
	return func(c *repositoryConfig) {
		c.logger = l
	}
}

// Repository loads and saves entities of one AggregateType.
type Repository[S any] struct {
	store     *EventStore
	typ       *AggregateType[S]
	snapshots *SnapshotManager[S]
	logger    Logger
}

// NewRepository creates a Repository and registers the entity's typed event
// payloads with the store's serializer.
func NewRepository[S any](store *EventStore, typ *AggregateType[S], opts ...RepositoryOption) *Repository[S] {
	config := &repositoryConfig{logger: &noopLogger{}}
	for _, opt := range opts {
		opt(config)
	}

	for eventType, example := range typ.EventExamples() {
		store.RegisterEvent(eventType, example)
	}

	snapshotOpts := append([]SnapshotOption{WithSnapshotLogger(config.logger)}, config.snapshotOpts...)
	return &Repository[S]{
		store:     store,
		typ:       typ,
		snapshots: NewSnapshotManager(store, config.snapshots, typ, snapshotOpts...),
		logger:    config.logger,
	}
}

// Type returns the repository's AggregateType.
func (r *Repository[S]) Type() *AggregateType[S] {
	return r.typ
}

// Snapshots returns the repository's SnapshotManager.
func (r *Repository[S]) Snapshots() *SnapshotManager[S] {
	return r.snapshots
}

// Load hydrates entity id. Returns an error matching ErrStreamNotFound when
// no event was ever recorded for it.
func (r *Repository[S]) Load(ctx context.Context, id string) (*Entity[S], error) {
	return r.snapshots.Hydrate(ctx, id)
}

// Exists reports whether entity id has any events.
func (r *Repository[S]) Exists(ctx context.Context, id string) (bool, error) {
	version, err := r.store.StreamVersion(ctx, r.typ.StreamName(id))
	if err != nil {
		return false, err
	}
	return version > 0, nil
}

// Save appends the entity's pending events, expecting the stream to still be
// at the version the entity was loaded at. A stale entity fails with an error
// matching ErrConcurrencyConflict and keeps its pending events.
//
// After a successful append a snapshot is taken when due. Snapshot failures
// are logged and do not fail the save.
func (r *Repository[S]) Save(ctx context.Context, e *Entity[S]) error {
	if e == nil {
		return errors.New("keel: cannot save a nil entity")
	}
	if e.typ != r.typ {
		return fmt.Errorf("keel: entity type %q does not belong to repository for %q", e.typ.name, r.typ.name)
	}
	if !e.HasPending() {
		return nil
	}

	version, err := r.store.appendPending(ctx, e.StreamName(), e.PersistedVersion(), e.pending)
	if err != nil {
		return err
	}
	if version != e.Version() {
		return fmt.Errorf("keel: stream %q at version %d after save, entity at %d", e.StreamName(), version, e.Version())
	}
	e.markCommitted()

	if _, err := r.snapshots.MaybeSnapshot(ctx, e); err != nil {
		r.logger.Warn("snapshot failed", "stream", e.StreamName(), "version", e.Version(), "error", err)
	}
	return nil
}

// Update loads entity id, applies fn and saves the result. A concurrency
// conflict is returned as is so the caller can decide to run it again.
func (r *Repository[S]) Update(ctx context.Context, id string, fn func(e *Entity[S]) error) (*Entity[S], error) {
	e, err := r.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(e); err != nil {
		return nil, err
	}
	if err := r.Save(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}
