package keel

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the retries of transient adapter and broker failures.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration

	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration
}

// DefaultRetryPolicy returns the default policy: 3 retries from 50ms up to 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// NoRetryPolicy returns a policy that never retries.
func NoRetryPolicy() RetryPolicy {
	return RetryPolicy{}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// retry runs op until it succeeds, fails with a permanent error or the
// policy is exhausted. notify is called before every retry.
func retry[T any](ctx context.Context, p RetryPolicy, notify func(err error, next time.Duration), op func() (T, error)) (T, error) {
	if notify == nil {
		notify = func(error, time.Duration) {}
	}
	tries := p.MaxRetries + 1
	if tries < 1 {
		tries = 1
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !isTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithNotify(notify),
	)
}

// isTransient reports whether err is worth retrying. Validation failures,
// concurrency conflicts, integrity failures and cancellation are not.
func isTransient(err error) bool {
	for _, permanent := range []error{
		context.Canceled,
		context.DeadlineExceeded,
		ErrConcurrencyConflict,
		ErrStreamNotFound,
		ErrEmptyStreamName,
		ErrNoEvents,
		ErrInvalidVersion,
		ErrAdapterClosed,
		ErrSequenceGap,
		ErrChecksumMismatch,
		ErrSerializationFailed,
		ErrUpcastFailed,
		ErrPublishRejected,
	} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}
