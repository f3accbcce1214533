package keel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// DefaultRelayName is the checkpoint key of a relay unless WithRelayName is used.
const DefaultRelayName = "$relay"

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayName sets the name the relay position is checkpointed under.
func WithRelayName(name string) RelayOption {
	return func(r *Relay) {
		if name != "" {
			r.name = name
		}
	}
}

// WithRelayBatchSize sets how many events are read per poll.
func WithRelayBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithRelayPollInterval sets how often the relay polls the event store.
func WithRelayPollInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithPublishRetry sets the retry policy for failed publishes.
func WithPublishRetry(p RetryPolicy) RelayOption {
	return func(r *Relay) {
		r.retry = p
	}
}

// WithStreamMapper overrides which broker stream an event is published to.
// The default is the event's category.
func WithStreamMapper(fn func(Event) string) RelayOption {
	return func(r *Relay) {
		if fn != nil {
			r.streamFor = fn
		}
	}
}

// WithRelayLogger sets the logger.
func WithRelayLogger(l Logger) RelayOption {
	return func(r *Relay) {
		r.logger = l
	}
}

// WithRelayMetrics sets the metrics collector.
func WithRelayMetrics(m RelayMetrics) RelayOption {
	return func(r *Relay) {
		r.metrics = m
	}
}

// Relay forwards events appended to the store to a publisher, in global
// order, recording the last relayed position. Delivery is at-least-once: an
// event published right before a crash is published again on restart.
type Relay struct {
	store       *EventStore
	publisher   adapters.Publisher
	checkpoints adapters.CheckpointAdapter
	streamFor   func(Event) string
	logger      Logger
	metrics     RelayMetrics
	retry       RetryPolicy

	name         string
	batchSize    int
	pollInterval time.Duration

	mu       sync.Mutex
	position uint64
	loaded   bool

	lifecycle sync.Mutex
	running   atomic.Bool
	stopping  atomic.Bool
	stopCh    chan struct{}
	done      chan struct{}
}

// NewRelay creates a relay from store to publisher.
func NewRelay(store *EventStore, publisher adapters.Publisher, checkpoints adapters.CheckpointAdapter, opts ...RelayOption) *Relay {
	r := &Relay{
		store:        store,
		publisher:    publisher,
		checkpoints:  checkpoints,
		streamFor:    func(e Event) string { return e.Category() },
		logger:       &noopLogger{},
		metrics:      &noopRelayMetrics{},
		retry:        DefaultRetryPolicy(),
		name:         DefaultRelayName,
		batchSize:    100,
		pollInterval: time.Second,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Name returns the checkpoint key of the relay.
func (r *Relay) Name() string {
	return r.name
}

// Position returns the global position of the last relayed event.
func (r *Relay) Position() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position
}

// Start begins the background polling loop.
func (r *Relay) Start(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.running.Load() {
		return ErrRelayRunning
	}
	if err := r.load(ctx); err != nil {
		return err
	}

	r.running.Store(true)
	r.stopping.Store(false)
	stopCh, done := make(chan struct{}), make(chan struct{})
	r.stopCh, r.done = stopCh, done

	go func() {
		defer func() {
			r.stopping.Store(false)
			r.running.Store(false)
			close(done)
		}()
		r.processLoop(ctx, stopCh)
	}()

	r.logger.Info("Outbox relay started", "relay", r.name, "position", r.Position())
	return nil
}

// Stop waits for the in-flight batch to finish. If ctx ends first the relay
// stays running until the loop returns, so it cannot be started twice.
func (r *Relay) Stop(ctx context.Context) error {
	r.lifecycle.Lock()
	if !r.running.Load() {
		r.lifecycle.Unlock()
		return nil
	}
	if !r.stopping.Swap(true) {
		close(r.stopCh)
	}
	done := r.done
	r.lifecycle.Unlock()

	select {
	case <-done:
		r.logger.Info("Outbox relay stopped", "relay", r.name, "position", r.Position())
		return nil
	case <-ctx.Done():
		r.logger.Warn("Outbox relay stop timed out", "relay", r.name, "error", ctx.Err())
		return ctx.Err()
	}
}

// IsRunning returns true if the relay is running.
func (r *Relay) IsRunning() bool {
	return r.running.Load()
}

func (r *Relay) processLoop(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil {
				if r.stopping.Load() {
					return
				}
				r.logger.Error("Outbox relay batch error", "relay", r.name, "error", err)
			}
		}
	}
}

// Drain relays batches until the store has nothing new or a batch fails.
// It returns the number of events published.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.RelayBatch(ctx)
		total += n
		if err != nil || n < r.batchSize || r.stopping.Load() {
			return total, err
		}
	}
}

// RelayBatch publishes one batch of events after the relay position and
// checkpoints the last one published. It stops at the first event that
// cannot be published so per-stream order holds.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	if err := r.load(ctx); err != nil {
		return 0, err
	}
	start := time.Now()
	from := r.Position()

	events, err := r.store.ReadAllRaw(ctx, from, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("keel: relay read from %d: %w", from, err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	published := 0
	var publishErr error
	for _, evt := range events {
		if publishErr = r.publish(ctx, evt); publishErr != nil {
			break
		}
		published++
		r.mu.Lock()
		r.position = evt.GlobalPosition
		r.mu.Unlock()
	}

	if published > 0 {
		position := r.Position()
		if err := r.checkpoints.SetCheckpoint(context.WithoutCancel(ctx), r.name, position); err != nil {
			r.logger.Error("Outbox relay checkpoint failed", "relay", r.name, "position", position, "error", err)
			if publishErr == nil {
				publishErr = err
			}
		}
		r.metrics.RecordPosition(position)
	}
	r.metrics.RecordBatchDuration(time.Since(start))

	return published, publishErr
}

func (r *Relay) publish(ctx context.Context, evt Event) error {
	stream := r.streamFor(evt)
	msg, err := EncodeMessage(evt)
	if err != nil {
		return err
	}

	_, err = retry(ctx, r.retry, func(err error, next time.Duration) {
		r.logger.Warn("Outbox relay publish retry", "relay", r.name, "stream", stream, "event_id", evt.ID, "next", next, "error", err)
	}, func() (string, error) {
		return r.publisher.Publish(ctx, stream, msg)
	})
	r.metrics.RecordPublished(stream, err == nil)
	if err != nil {
		return fmt.Errorf("keel: publish event %s to %s: %w", evt.ID, stream, err)
	}
	return nil
}

// load reads the checkpointed position once.
func (r *Relay) load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}

	position, err := r.checkpoints.GetCheckpoint(ctx, r.name)
	if err != nil {
		return fmt.Errorf("keel: load relay checkpoint: %w", err)
	}
	r.position = position
	r.loaded = true
	return nil
}
