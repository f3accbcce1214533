package keel

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		notified := 0

		v, err := retry(ctx, fastPolicy(3), func(error, time.Duration) { notified++ }, func() (int, error) {
			calls++
			if calls < 3 {
				return 0, errTransient
			}
			return 42, nil
		})

		require.NoError(t, err)
		assert.Equal(t, 42, v)
		assert.Equal(t, 3, calls)
		assert.Equal(t, 2, notified)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0

		_, err := retry(ctx, fastPolicy(2), nil, func() (int, error) {
			calls++
			return 0, errTransient
		})

		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 3, calls)
	})

	t.Run("never retries a concurrency conflict", func(t *testing.T) {
		calls := 0

		_, err := retry(ctx, fastPolicy(5), nil, func() (int, error) {
			calls++
			return 0, fmt.Errorf("append: %w", NewConcurrencyError("order-1", 1, 3))
		})

		assert.ErrorIs(t, err, ErrConcurrencyConflict)
		assert.Equal(t, 1, calls)
	})

	t.Run("no retry policy tries once", func(t *testing.T) {
		calls := 0

		_, err := retry(ctx, NoRetryPolicy(), nil, func() (int, error) {
			calls++
			return 0, errTransient
		})

		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(errTransient))
	assert.True(t, isTransient(errors.New("i/o timeout")))
	assert.False(t, isTransient(context.Canceled))
	assert.False(t, isTransient(ErrAdapterClosed))
	assert.False(t, isTransient(&IntegrityError{Err: ErrChecksumMismatch}))
	assert.False(t, isTransient(NewStreamNotFoundError("order-1")))
	assert.False(t, isTransient(fmt.Errorf("webhook: status 400: %w", ErrPublishRejected)))
}
