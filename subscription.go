package keel

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// SubscriptionType selects where a subscription reads events from.
type SubscriptionType string

const (
	// SubscriptionTypeStream consumes broker messages through a consumer group.
	SubscriptionTypeStream SubscriptionType = "stream"

	// SubscriptionTypeEventStore reads a category directly from the event store.
	SubscriptionTypeEventStore SubscriptionType = "event_store"
)

// Subscription defaults.
const (
	DefaultMessagesPerTick        = 10
	DefaultTickInterval           = time.Second
	DefaultBlockingTimeout        = 5 * time.Second
	DefaultMaxRetries             = 3
	DefaultRetryDelay             = time.Second
	DefaultPositionUpdateInterval = 10
)

// EventHandler consumes events delivered by a subscription.
// Delivery is at-least-once, so handlers must tolerate duplicates.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle calls f.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// SubscriptionConfig configures one subscription.
type SubscriptionConfig struct {
	// Name identifies the subscription. It is also the checkpoint key.
	Name string

	// ConsumerGroup is the broker consumer group. Defaults to Name.
	ConsumerGroup string

	Type SubscriptionType

	// Stream is the broker stream for stream subscriptions and the
	// category for event store subscriptions.
	Stream string

	MessagesPerTick int
	TickInterval    time.Duration

	// BlockingTimeout bounds how long a broker read waits for messages.
	BlockingTimeout time.Duration

	// MaxRetries is how many times a failed message is redelivered before
	// it is dead-lettered. Stream subscriptions only.
	MaxRetries int
	RetryDelay time.Duration
	EnableDLQ  bool

	// PositionUpdateInterval is the number of processed messages between
	// checkpoint writes.
	PositionUpdateInterval int

	// OriginStream, when set, restricts dispatch to events whose
	// Headers.OriginStream matches.
	OriginStream string
}

// DefaultSubscriptionConfig returns a stream subscription config with defaults.
func DefaultSubscriptionConfig(name, stream string) SubscriptionConfig {
	return SubscriptionConfig{
		Name:                   name,
		ConsumerGroup:          name,
		Type:                   SubscriptionTypeStream,
		Stream:                 stream,
		MessagesPerTick:        DefaultMessagesPerTick,
		TickInterval:           DefaultTickInterval,
		BlockingTimeout:        DefaultBlockingTimeout,
		MaxRetries:             DefaultMaxRetries,
		RetryDelay:             DefaultRetryDelay,
		EnableDLQ:              true,
		PositionUpdateInterval: DefaultPositionUpdateInterval,
	}
}

// Validate checks the config.
func (c SubscriptionConfig) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidSubscription)
	case c.Type != SubscriptionTypeStream && c.Type != SubscriptionTypeEventStore:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSubscription, c.Type)
	case c.Stream == "":
		return fmt.Errorf("%w: stream is required", ErrInvalidSubscription)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidSubscription)
	case c.MessagesPerTick < 0 || c.PositionUpdateInterval < 0:
		return fmt.Errorf("%w: batch sizes must not be negative", ErrInvalidSubscription)
	}
	return nil
}

// withDefaults fills in zero sizes and intervals. Retry and DLQ settings are
// taken as given since their zero values are meaningful.
func (c SubscriptionConfig) withDefaults() SubscriptionConfig {
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = c.Name
	}
	if c.MessagesPerTick == 0 {
		c.MessagesPerTick = DefaultMessagesPerTick
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.PositionUpdateInterval == 0 {
		c.PositionUpdateInterval = DefaultPositionUpdateInterval
	}
	return c
}

// SubscriptionState is the lifecycle state of a subscription.
type SubscriptionState int

const (
	SubscriptionIdle SubscriptionState = iota
	SubscriptionRunning
	SubscriptionStopped

	// SubscriptionHalted means a stream subscription ran out of retries
	// with dead-lettering disabled.
	SubscriptionHalted

	// SubscriptionFaulted means an event store subscription's handler failed.
	SubscriptionFaulted
)

// String returns the state name.
func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionIdle:
		return "idle"
	case SubscriptionRunning:
		return "running"
	case SubscriptionStopped:
		return "stopped"
	case SubscriptionHalted:
		return "halted"
	case SubscriptionFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// SubscriptionStatus is a point-in-time view of a subscription.
type SubscriptionStatus struct {
	Name         string
	Type         SubscriptionType
	State        SubscriptionState
	Position     uint64
	Processed    int64
	DeadLettered int64
	LastError    string
}

// strategy fetches and dispatches one batch. It returns the number of
// messages it took off the source. A returned error wrapping
// ErrSubscriptionHalted or ErrSubscriptionFaulted ends the subscription.
type strategy interface {
	tick(ctx, stopCtx context.Context) (int, error)
}

// subscription runs one handler with exclusive position and retry state.
type subscription struct {
	cfg         SubscriptionConfig
	handler     EventHandler
	strategy    strategy
	checkpoints adapters.CheckpointAdapter
	logger      Logger
	metrics     SubscriptionMetrics

	mu           sync.Mutex
	state        SubscriptionState
	err          error
	position     uint64
	saved        uint64
	processed    int64
	deadLettered int64
	sinceSave    int
}

// reset prepares the subscription to run from a checkpointed position.
func (s *subscription) reset(position uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SubscriptionRunning
	s.err = nil
	s.position = position
	s.saved = position
	s.sinceSave = 0
}

// run is the consumption loop: poll, dispatch, checkpoint, sleep when idle.
// Stopping lets the in-flight batch finish, then persists the position.
func (s *subscription) run(ctx context.Context, stopCh <-chan struct{}) {
	stopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-stopCtx.Done():
		}
	}()

	for {
		select {
		case <-stopCtx.Done():
			s.finish(ctx, SubscriptionStopped, nil)
			return
		default:
		}

		n, err := s.strategy.tick(ctx, stopCtx)
		if err != nil {
			switch {
			case errors.Is(err, ErrSubscriptionHalted):
				s.finish(ctx, SubscriptionHalted, err)
				return
			case errors.Is(err, ErrSubscriptionFaulted):
				s.finish(ctx, SubscriptionFaulted, err)
				return
			case stopCtx.Err() != nil:
				continue
			}
			s.logger.Error("subscription poll failed", "subscription", s.cfg.Name, "error", err)
			s.setError(err)
		}

		if s.checkpointDue() {
			s.checkpoint(ctx)
		}

		if n == 0 || err != nil {
			sleep(stopCtx, s.cfg.TickInterval)
		}
	}
}

func (s *subscription) finish(ctx context.Context, state SubscriptionState, err error) {
	s.checkpoint(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.state = state
	if err != nil {
		s.err = err
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("subscription stopped", "subscription", s.cfg.Name, "state", state.String(), "error", err)
		return
	}
	s.logger.Info("subscription stopped", "subscription", s.cfg.Name)
}

// dispatch calls the handler, turning a panic into a PanicError.
func (s *subscription) dispatch(ctx context.Context, evt Event) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = NewPanicError(s.cfg.Name, evt.Type, r, string(debug.Stack()))
		}
		s.metrics.RecordDelivery(s.cfg.Name, evt.Type, err == nil, time.Since(start))
	}()
	return s.handler.Handle(ctx, evt)
}

// skipOrigin reports whether evt is filtered out by OriginStream.
func (s *subscription) skipOrigin(evt Event) bool {
	return s.cfg.OriginStream != "" && evt.Headers.OriginStream != s.cfg.OriginStream
}

func (s *subscription) currentPosition() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// advance moves the position forward. counted marks a handled message.
func (s *subscription) advance(position uint64, counted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if position > s.position {
		s.position = position
	}
	s.sinceSave++
	if counted {
		s.processed++
	}
}

func (s *subscription) recordDeadLetter() {
	s.mu.Lock()
	s.deadLettered++
	s.mu.Unlock()
	s.metrics.RecordDeadLetter(s.cfg.Name)
}

func (s *subscription) setError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *subscription) checkpointDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinceSave >= s.cfg.PositionUpdateInterval
}

// checkpoint persists the position when it moved past the saved one.
func (s *subscription) checkpoint(ctx context.Context) {
	s.mu.Lock()
	position := s.position
	due := position > s.saved
	s.sinceSave = 0
	s.mu.Unlock()

	if !due {
		return
	}
	if err := s.checkpoints.SetCheckpoint(ctx, s.cfg.Name, position); err != nil {
		s.logger.Error("checkpoint failed", "subscription", s.cfg.Name, "position", position, "error", err)
		return
	}

	s.mu.Lock()
	if position > s.saved {
		s.saved = position
	}
	s.mu.Unlock()
	s.metrics.RecordPosition(s.cfg.Name, position)
}

func (s *subscription) status() SubscriptionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := SubscriptionStatus{
		Name:         s.cfg.Name,
		Type:         s.cfg.Type,
		State:        s.state,
		Position:     s.position,
		Processed:    s.processed,
		DeadLettered: s.deadLettered,
	}
	if s.err != nil {
		status.LastError = s.err.Error()
	}
	return status
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
