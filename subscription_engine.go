package keel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// EngineOption configures a SubscriptionEngine.
type EngineOption func(*SubscriptionEngine)

// WithBroker sets the broker stream subscriptions read from.
func WithBroker(b adapters.Broker) EngineOption {
	return func(e *SubscriptionEngine) {
		e.broker = b
	}
}

// WithCheckpoints sets where subscription positions are stored.
func WithCheckpoints(c adapters.CheckpointAdapter) EngineOption {
	return func(e *SubscriptionEngine) {
		e.checkpoints = c
	}
}

// WithDeadLetters sets the dead letter store.
func WithDeadLetters(d adapters.DeadLetterStore) EngineOption {
	return func(e *SubscriptionEngine) {
		e.deadLetters = d
	}
}

// WithEngineLogger sets the logger.
func WithEngineLogger(l Logger) EngineOption {
	return func(e *SubscriptionEngine) {
		e.logger = l
	}
}

// WithSubscriptionMetrics sets the metrics collector.
func WithSubscriptionMetrics(m SubscriptionMetrics) EngineOption {
	return func(e *SubscriptionEngine) {
		e.metrics = m
	}
}

// SubscriptionEngine runs registered subscriptions, one goroutine each.
//
// Checkpoints and dead letters default to the event store's adapter when it
// implements the matching port.
type SubscriptionEngine struct {
	store       *EventStore
	broker      adapters.Broker
	checkpoints adapters.CheckpointAdapter
	deadLetters adapters.DeadLetterStore
	logger      Logger
	metrics     SubscriptionMetrics

	mu    sync.Mutex
	subs  map[string]*subscription
	order []string

	running atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewSubscriptionEngine creates an engine reading from store.
func NewSubscriptionEngine(store *EventStore, opts ...EngineOption) *SubscriptionEngine {
	e := &SubscriptionEngine{
		store:   store,
		logger:  &noopLogger{},
		metrics: &noopSubscriptionMetrics{},
		subs:    make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.checkpoints == nil {
		if cp, ok := store.Adapter().(adapters.CheckpointAdapter); ok {
			e.checkpoints = cp
		}
	}
	if e.deadLetters == nil {
		if dl, ok := store.Adapter().(adapters.DeadLetterStore); ok {
			e.deadLetters = dl
		}
	}
	return e
}

// Register adds a subscription. Subscriptions cannot be added while the
// engine is running.
func (e *SubscriptionEngine) Register(handler EventHandler, cfg SubscriptionConfig) error {
	if handler == nil {
		return fmt.Errorf("%w: handler is required", ErrInvalidSubscription)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()

	switch {
	case e.checkpoints == nil:
		return fmt.Errorf("%w: no checkpoint store configured", ErrInvalidSubscription)
	case cfg.Type == SubscriptionTypeStream && e.broker == nil:
		return fmt.Errorf("%w: stream subscription %q", ErrBrokerRequired, cfg.Name)
	case cfg.Type == SubscriptionTypeStream && cfg.EnableDLQ && e.deadLetters == nil:
		return fmt.Errorf("%w: %q enables dead-lettering but no dead letter store is configured", ErrInvalidSubscription, cfg.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return ErrEngineRunning
	}
	if _, ok := e.subs[cfg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionExists, cfg.Name)
	}

	e.subs[cfg.Name] = &subscription{
		cfg:         cfg,
		handler:     handler,
		checkpoints: e.checkpoints,
		logger:      e.logger,
		metrics:     e.metrics,
	}
	e.order = append(e.order, cfg.Name)
	return nil
}

// Start loads every subscription's checkpoint and starts its loop.
func (e *SubscriptionEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return ErrEngineRunning
	}

	for _, name := range e.order {
		sub := e.subs[name]
		position, err := e.checkpoints.GetCheckpoint(ctx, name)
		if err != nil {
			return fmt.Errorf("keel: load checkpoint for %s: %w", name, err)
		}
		sub.reset(position)
		sub.strategy = e.newStrategy(sub)
	}

	e.running.Store(true)
	stopCh, done := make(chan struct{}), make(chan struct{})
	e.stopCh, e.done = stopCh, done

	var wg sync.WaitGroup
	for _, name := range e.order {
		sub := e.subs[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.run(ctx, stopCh)
		}()
		e.logger.Info("subscription started", "subscription", name, "type", string(sub.cfg.Type), "position", sub.currentPosition())
	}

	// The engine counts as running until the last loop of this run returns.
	go func() {
		wg.Wait()
		e.running.Store(false)
		close(done)
	}()
	return nil
}

func (e *SubscriptionEngine) newStrategy(sub *subscription) strategy {
	if sub.cfg.Type == SubscriptionTypeEventStore {
		return &storeConsumer{sub: sub, store: e.store}
	}
	return newStreamConsumer(sub, e.store, e.broker, e.deadLetters)
}

// Stop signals every subscription to finish its in-flight batch, persist
// its position and return. It waits until they do or ctx is done. When ctx
// ends first the engine stays running, and Start keeps failing with
// ErrEngineRunning, until the remaining loops have returned.
func (e *SubscriptionEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running.Load() {
		e.mu.Unlock()
		return nil
	}
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	done := e.done
	e.mu.Unlock()

	select {
	case <-done:
		e.logger.Info("subscription engine stopped")
		return nil
	case <-ctx.Done():
		e.logger.Warn("subscription engine stop timed out", "error", ctx.Err())
		return ctx.Err()
	}
}

// IsRunning returns true while any subscription loop of the current run is
// alive.
func (e *SubscriptionEngine) IsRunning() bool {
	return e.running.Load()
}

// Status returns the status of a subscription.
func (e *SubscriptionEngine) Status(name string) (SubscriptionStatus, error) {
	e.mu.Lock()
	sub, ok := e.subs[name]
	e.mu.Unlock()
	if !ok {
		return SubscriptionStatus{}, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, name)
	}
	return sub.status(), nil
}

// Statuses returns the status of every subscription in registration order.
func (e *SubscriptionEngine) Statuses() []SubscriptionStatus {
	e.mu.Lock()
	subs := make([]*subscription, len(e.order))
	for i, name := range e.order {
		subs[i] = e.subs[name]
	}
	e.mu.Unlock()

	statuses := make([]SubscriptionStatus, len(subs))
	for i, sub := range subs {
		statuses[i] = sub.status()
	}
	return statuses
}

// Err returns the error that halted or faulted a subscription, or nil.
func (e *SubscriptionEngine) Err(name string) error {
	e.mu.Lock()
	sub, ok := e.subs[name]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, name)
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.state == SubscriptionHalted || sub.state == SubscriptionFaulted {
		return sub.err
	}
	return nil
}
