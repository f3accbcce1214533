package keel

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrencyError(t *testing.T) {
	t.Run("Error message", func(t *testing.T) {
		err := NewConcurrencyError("order-123", 5, 7)

		assert.Contains(t, err.Error(), "order-123")
		assert.Contains(t, err.Error(), "expected version 5")
		assert.Contains(t, err.Error(), "actual version 7")
	})

	t.Run("Is ErrConcurrencyConflict", func(t *testing.T) {
		err := NewConcurrencyError("order-123", 5, 7)

		assert.True(t, errors.Is(err, ErrConcurrencyConflict))
		assert.False(t, errors.Is(err, ErrStreamNotFound))
	})

	t.Run("errors.As extracts details through wrapping", func(t *testing.T) {
		err := fmt.Errorf("save: %w", NewConcurrencyError("order-123", 5, 7))

		var concErr *ConcurrencyError
		require.True(t, errors.As(err, &concErr))
		assert.Equal(t, "order-123", concErr.StreamName)
		assert.Equal(t, int64(5), concErr.ExpectedVersion)
		assert.Equal(t, int64(7), concErr.ActualVersion)
	})
}

func TestStreamNotFoundError(t *testing.T) {
	err := NewStreamNotFoundError("order-456")

	assert.Contains(t, err.Error(), "order-456")
	assert.True(t, errors.Is(err, ErrStreamNotFound))
	assert.False(t, errors.Is(err, ErrConcurrencyConflict))
}

func TestSerializationError(t *testing.T) {
	cause := errors.New("bad json")
	err := NewSerializationError("OrderPlaced", "deserialize", cause)

	assert.Contains(t, err.Error(), "deserialize")
	assert.Contains(t, err.Error(), "OrderPlaced")
	assert.True(t, errors.Is(err, ErrSerializationFailed))
	assert.True(t, errors.Is(err, cause))
}

func TestIntegrityError(t *testing.T) {
	err := &IntegrityError{StreamName: "order-1", SequenceID: 3, Expected: "2", Actual: "3", Err: ErrSequenceGap}

	assert.True(t, errors.Is(err, ErrSequenceGap))
	assert.False(t, errors.Is(err, ErrChecksumMismatch))
	assert.Contains(t, err.Error(), "order-1")
	assert.Contains(t, err.Error(), "sequence 3")
}

func TestUnhandledEventTypeError(t *testing.T) {
	err := NewUnhandledEventTypeError("order", "OrderShipped")

	assert.True(t, errors.Is(err, ErrUnhandledEventType))
	assert.Contains(t, err.Error(), "OrderShipped")
	assert.Contains(t, err.Error(), "order")
}

func TestUpcastError(t *testing.T) {
	t.Run("missing path", func(t *testing.T) {
		err := &UpcastError{EventType: "OrderPlaced", FromVersion: 1, TargetVersion: 3}

		assert.True(t, errors.Is(err, ErrUpcastFailed))
		assert.Contains(t, err.Error(), "from schema version 1 to 3")
	})

	t.Run("failing upcaster", func(t *testing.T) {
		cause := errors.New("missing field")
		err := &UpcastError{EventType: "OrderPlaced", FromVersion: 1, TargetVersion: 2, Cause: cause}

		assert.True(t, errors.Is(err, cause))
		assert.Contains(t, err.Error(), "missing field")
	})
}

func TestInvariantError(t *testing.T) {
	cause := errors.New("total must not be negative")
	err := &InvariantError{EntityType: "order", EntityID: "1", Invariant: "non-negative-total", Cause: cause}

	assert.True(t, errors.Is(err, ErrInvariantViolated))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "non-negative-total")
}

func TestReplayError(t *testing.T) {
	inner := NewUnhandledEventTypeError("order", "OrderShipped")
	err := &ReplayError{EntityType: "order", StreamName: "order-1", SequenceID: 7, Err: inner}

	assert.True(t, errors.Is(err, ErrUnhandledEventType))
	assert.Contains(t, err.Error(), "sequence 7")

	var unhandled *UnhandledEventTypeError
	require.True(t, errors.As(err, &unhandled))
	assert.Equal(t, "OrderShipped", unhandled.EventType)
}

func TestPanicError(t *testing.T) {
	err := NewPanicError("billing", "OrderPlaced", "nil map", "stack")

	assert.True(t, errors.Is(err, ErrHandlerPanicked))
	assert.Equal(t, ErrHandlerPanicked, errors.Unwrap(err))
	assert.Contains(t, err.Error(), "billing")
	assert.Contains(t, err.Error(), "nil map")
}
