package memory

import (
	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// Sentinel errors for the memory adapters.
// These are aliases to the adapters package errors for use with errors.Is().
var (
	ErrAdapterClosed       = adapters.ErrAdapterClosed
	ErrEmptyStreamName     = adapters.ErrEmptyStreamName
	ErrNoEvents            = adapters.ErrNoEvents
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict
	ErrStreamNotFound      = adapters.ErrStreamNotFound
	ErrInvalidVersion      = adapters.ErrInvalidVersion
	ErrDeadLetterNotFound  = adapters.ErrDeadLetterNotFound
	ErrUnknownDelivery     = adapters.ErrUnknownDelivery
)
