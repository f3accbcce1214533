package keel

import (
	"errors"
	"fmt"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these errors.
var (
	// ErrStreamNotFound indicates the requested stream does not exist.
	ErrStreamNotFound = adapters.ErrStreamNotFound

	// ErrConcurrencyConflict indicates an optimistic concurrency violation.
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict

	// ErrEmptyStreamName indicates an empty stream name was provided.
	ErrEmptyStreamName = adapters.ErrEmptyStreamName

	// ErrNoEvents indicates no events were provided for append.
	ErrNoEvents = adapters.ErrNoEvents

	// ErrInvalidVersion indicates an invalid expected version was provided.
	ErrInvalidVersion = adapters.ErrInvalidVersion

	// ErrAdapterClosed indicates the adapter has been closed.
	ErrAdapterClosed = adapters.ErrAdapterClosed

	// ErrPublishRejected indicates a publisher refused a message for good.
	ErrPublishRejected = adapters.ErrPublishRejected

	// ErrSerializationFailed indicates payload serialization or deserialization failed.
	ErrSerializationFailed = errors.New("keel: serialization failed")

	// ErrEventTypeNotRegistered indicates an unknown event type was encountered.
	ErrEventTypeNotRegistered = errors.New("keel: event type not registered")

	// ErrSequenceGap indicates a stream read returned non-contiguous sequence ids.
	ErrSequenceGap = errors.New("keel: sequence gap")

	// ErrChecksumMismatch indicates a stored event failed its integrity check.
	ErrChecksumMismatch = errors.New("keel: checksum mismatch")

	// ErrUnhandledEventType indicates no handler is registered for an event type.
	ErrUnhandledEventType = errors.New("keel: unhandled event type")

	// ErrUpcastFailed indicates a historical event could not be brought to the
	// current schema version.
	ErrUpcastFailed = errors.New("keel: upcast failed")

	// ErrInvariantViolated indicates an entity invariant does not hold.
	ErrInvariantViolated = errors.New("keel: invariant violated")

	// ErrUnexpectedPayload indicates a handler received a payload of the wrong type.
	ErrUnexpectedPayload = errors.New("keel: unexpected payload type")

	// ErrUncommittedEvents indicates an operation needs an entity without pending events.
	ErrUncommittedEvents = errors.New("keel: entity has uncommitted events")

	// ErrSnapshotAhead indicates a snapshot claims a version beyond the stream.
	ErrSnapshotAhead = errors.New("keel: snapshot version exceeds stream version")

	// ErrHandlerPanicked indicates a consumer handler panicked.
	ErrHandlerPanicked = errors.New("keel: handler panicked")

	// ErrSubscriptionHalted indicates a subscription stopped after exhausting
	// retries without a dead letter queue.
	ErrSubscriptionHalted = errors.New("keel: subscription halted")

	// ErrSubscriptionFaulted indicates a subscription stopped on a handler error.
	ErrSubscriptionFaulted = errors.New("keel: subscription faulted")

	// ErrSubscriptionExists indicates a subscription name is already registered.
	ErrSubscriptionExists = errors.New("keel: subscription already registered")

	// ErrSubscriptionNotFound indicates an unknown subscription name.
	ErrSubscriptionNotFound = errors.New("keel: subscription not found")

	// ErrEngineRunning indicates the subscription engine is already running.
	ErrEngineRunning = errors.New("keel: subscription engine already running")

	// ErrRelayRunning indicates the outbox relay is already running.
	ErrRelayRunning = errors.New("keel: outbox relay already running")

	// ErrBrokerRequired indicates a component needs a broker and none was configured.
	ErrBrokerRequired = errors.New("keel: broker required")

	// ErrInvalidSubscription indicates an invalid subscription configuration.
	ErrInvalidSubscription = errors.New("keel: invalid subscription config")
)

// ConcurrencyError provides detailed information about a concurrency conflict.
type ConcurrencyError = adapters.ConcurrencyError

// NewConcurrencyError creates a new ConcurrencyError.
func NewConcurrencyError(streamName string, expected, actual int64) *ConcurrencyError {
	return adapters.NewConcurrencyError(streamName, expected, actual)
}

// StreamNotFoundError provides detailed information about a missing stream.
type StreamNotFoundError = adapters.StreamNotFoundError

// NewStreamNotFoundError creates a new StreamNotFoundError.
func NewStreamNotFoundError(streamName string) *StreamNotFoundError {
	return adapters.NewStreamNotFoundError(streamName)
}

// SerializationError provides detailed information about a serialization failure.
type SerializationError struct {
	EventType string
	Operation string // "serialize" or "deserialize"
	Cause     error
}

// Error returns the error message.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("keel: failed to %s event type %q: %v",
		e.Operation, e.EventType, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerializationFailed
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// NewSerializationError creates a new SerializationError.
func NewSerializationError(eventType, operation string, cause error) *SerializationError {
	return &SerializationError{
		EventType: eventType,
		Operation: operation,
		Cause:     cause,
	}
}

// IntegrityError reports a stored event that is out of sequence or corrupt.
type IntegrityError struct {
	StreamName string
	SequenceID int64
	Expected   string
	Actual     string
	Err        error
}

// Error returns the error message.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%v: stream %q at sequence %d: expected %s, got %s",
		e.Err, e.StreamName, e.SequenceID, e.Expected, e.Actual)
}

// Unwrap returns ErrSequenceGap or ErrChecksumMismatch.
func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// UnhandledEventTypeError reports an event type with no registered handler.
// Replay treats it as fatal.
type UnhandledEventTypeError struct {
	EntityType string
	EventType  string
}

// Error returns the error message.
func (e *UnhandledEventTypeError) Error() string {
	return fmt.Sprintf("keel: no handler registered for event type %q on entity type %q",
		e.EventType, e.EntityType)
}

// Is reports whether this error matches the target error.
func (e *UnhandledEventTypeError) Is(target error) bool {
	return target == ErrUnhandledEventType
}

// NewUnhandledEventTypeError creates a new UnhandledEventTypeError.
func NewUnhandledEventTypeError(entityType, eventType string) *UnhandledEventTypeError {
	return &UnhandledEventTypeError{EntityType: entityType, EventType: eventType}
}

// UpcastError reports schema drift: no upcaster path leads from the stored
// schema version to the current one.
type UpcastError struct {
	EventType     string
	FromVersion   int
	TargetVersion int
	Cause         error
}

// Error returns the error message.
func (e *UpcastError) Error() string {
	msg := fmt.Sprintf("keel: cannot upcast event type %q from schema version %d to %d",
		e.EventType, e.FromVersion, e.TargetVersion)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is reports whether this error matches the target error.
func (e *UpcastError) Is(target error) bool {
	return target == ErrUpcastFailed
}

// Unwrap returns the underlying cause.
func (e *UpcastError) Unwrap() error {
	return e.Cause
}

// InvariantError reports a violated entity invariant.
type InvariantError struct {
	EntityType string
	EntityID   string
	Invariant  string
	Cause      error
}

// Error returns the error message.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("keel: invariant %q violated on %s %q: %v",
		e.Invariant, e.EntityType, e.EntityID, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *InvariantError) Is(target error) bool {
	return target == ErrInvariantViolated
}

// Unwrap returns the underlying cause.
func (e *InvariantError) Unwrap() error {
	return e.Cause
}

// ReplayError locates a failure inside entity reconstruction.
type ReplayError struct {
	EntityType string
	StreamName string
	SequenceID int64
	Err        error
}

// Error returns the error message.
func (e *ReplayError) Error() string {
	return fmt.Sprintf("keel: replay of %s stream %q failed at sequence %d: %v",
		e.EntityType, e.StreamName, e.SequenceID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ReplayError) Unwrap() error {
	return e.Err
}

// PanicError provides detailed information about a handler panic.
type PanicError struct {
	Handler   string
	EventType string
	Value     interface{}
	Stack     string
}

// Error returns the error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("keel: handler %q panicked while processing %q: %v", e.Handler, e.EventType, e.Value)
}

// Is reports whether this error matches the target error.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanicked
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *PanicError) Unwrap() error {
	return ErrHandlerPanicked
}

// NewPanicError creates a new PanicError.
func NewPanicError(handler, eventType string, value interface{}, stack string) *PanicError {
	return &PanicError{
		Handler:   handler,
		EventType: eventType,
		Value:     value,
		Stack:     stack,
	}
}
