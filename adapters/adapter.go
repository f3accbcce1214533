// Package adapters provides the ports implemented by storage and broker backends.
package adapters

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for adapter implementations.
// Adapters should return these (or errors that match via errors.Is)
// so callers can handle failures the same way across backends.
var (
	// ErrConcurrencyConflict is returned when the optimistic concurrency check fails.
	ErrConcurrencyConflict = errors.New("keel: concurrency conflict")

	// ErrStreamNotFound is returned when a stream does not exist.
	ErrStreamNotFound = errors.New("keel: stream not found")

	// ErrEmptyStreamName is returned when an empty stream name is provided.
	ErrEmptyStreamName = errors.New("keel: stream name is required")

	// ErrNoEvents is returned when attempting to append zero events.
	ErrNoEvents = errors.New("keel: no events to append")

	// ErrInvalidVersion is returned when an invalid expected version is specified.
	ErrInvalidVersion = errors.New("keel: invalid version")

	// ErrAdapterClosed is returned when operations are attempted on a closed adapter.
	ErrAdapterClosed = errors.New("keel: adapter is closed")

	// ErrDeadLetterNotFound is returned when a dead letter does not exist.
	ErrDeadLetterNotFound = errors.New("keel: dead letter not found")

	// ErrUnknownDelivery is returned when acking or nacking a message the
	// broker did not hand out to the consumer group.
	ErrUnknownDelivery = errors.New("keel: unknown delivery")

	// ErrPublishRejected is returned by a publisher when the destination
	// refused a message and retrying it cannot help.
	ErrPublishRejected = errors.New("keel: publish rejected")
)

// Headers is the tracing and routing context carried by every event.
type Headers struct {
	// TraceID is the distributed trace the event was produced in.
	TraceID string `json:"trace_id,omitempty" msgpack:"trace_id,omitempty"`

	// OriginStream names the stream that caused this event, when it was
	// produced in reaction to another stream.
	OriginStream string `json:"origin_stream,omitempty" msgpack:"origin_stream,omitempty"`

	// CausationID identifies the event that caused this event.
	CausationID string `json:"causation_id,omitempty" msgpack:"causation_id,omitempty"`

	// CorrelationID links related events across services.
	CorrelationID string `json:"correlation_id,omitempty" msgpack:"correlation_id,omitempty"`

	// Custom holds any additional headers.
	Custom map[string]string `json:"custom,omitempty" msgpack:"custom,omitempty"`
}

// EventRecord represents an event to be appended to a stream.
// ID, checksum and timestamp are assigned by the caller before append.
type EventRecord struct {
	ID            string
	Type          string
	SchemaVersion int
	Data          []byte
	Headers       Headers
	Checksum      string
	Timestamp     time.Time
}

// StoredEvent represents a persisted event with its storage metadata.
type StoredEvent struct {
	// ID is the unique event identifier.
	ID string

	// StreamName is the stream this event belongs to.
	StreamName string

	// Type is the event type identifier.
	Type string

	// SchemaVersion is the version of the payload schema.
	SchemaVersion int

	// Data is the serialized event payload.
	Data []byte

	// Headers carries the tracing context.
	Headers Headers

	// Checksum is the integrity digest computed at append time.
	Checksum string

	// SequenceID is the position within the stream (0-based, contiguous).
	SequenceID int64

	// GlobalPosition is the ordering position across all streams (1-based).
	GlobalPosition uint64

	// Timestamp is when the event was created.
	Timestamp time.Time
}

// StreamInfo contains metadata about an event stream.
type StreamInfo struct {
	StreamName string
	Category   string

	// Version is the number of events in the stream.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EventStoreAdapter is the interface that storage backends implement.
type EventStoreAdapter interface {
	// Append stores events to the stream with optimistic concurrency control.
	// expectedVersion is the number of events the caller believes the stream
	// holds (0 for a new stream), or AnyVersion to skip the check.
	// The batch is persisted atomically with contiguous sequence ids.
	Append(ctx context.Context, streamName string, events []EventRecord, expectedVersion int64) ([]StoredEvent, error)

	// Load returns events with SequenceID >= fromSequence in ascending order,
	// at most limit of them (limit <= 0 means no limit).
	Load(ctx context.Context, streamName string, fromSequence int64, limit int) ([]StoredEvent, error)

	// LoadCategory returns events of every stream in the category whose
	// global position is greater than fromPosition, in ascending order.
	LoadCategory(ctx context.Context, category string, fromPosition uint64, limit int) ([]StoredEvent, error)

	// LoadFromPosition returns events across all streams whose global
	// position is greater than fromPosition, in ascending order.
	LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]StoredEvent, error)

	// GetStreamInfo returns metadata about a stream.
	// Returns ErrStreamNotFound if the stream does not exist.
	GetStreamInfo(ctx context.Context, streamName string) (*StreamInfo, error)

	// GetLastPosition returns the global position of the last stored event.
	GetLastPosition(ctx context.Context) (uint64, error)

	// Initialize sets up the required schema.
	Initialize(ctx context.Context) error

	// Close releases any resources held by the adapter.
	Close() error
}

// SnapshotRecord represents a stored entity snapshot.
type SnapshotRecord struct {
	StreamName string

	// Version is the entity version (number of folded events) at snapshot time.
	Version int64

	// State is the serialized entity state.
	State []byte

	TakenAt time.Time
}

// SnapshotAdapter stores entity snapshots for faster hydration.
type SnapshotAdapter interface {
	// SaveSnapshot stores the snapshot, replacing any previous one for the stream.
	SaveSnapshot(ctx context.Context, record SnapshotRecord) error

	// LoadSnapshot retrieves the latest snapshot for the stream.
	// Returns nil, nil if no snapshot exists.
	LoadSnapshot(ctx context.Context, streamName string) (*SnapshotRecord, error)

	// DeleteSnapshot removes the snapshot for the stream.
	DeleteSnapshot(ctx context.Context, streamName string) error
}

// CheckpointAdapter persists consumer positions.
// Implementations never move a checkpoint backward: a SetCheckpoint call
// with a lower position than the stored one is ignored.
type CheckpointAdapter interface {
	// GetCheckpoint returns the last processed position for a consumer.
	// Returns 0 if no checkpoint exists.
	GetCheckpoint(ctx context.Context, name string) (uint64, error)

	// SetCheckpoint stores the last processed position for a consumer.
	SetCheckpoint(ctx context.Context, name string, position uint64) error
}

// DeadLetter is a message that exhausted its retries.
type DeadLetter struct {
	ID            string    `json:"id"`
	Subscription  string    `json:"subscription"`
	ConsumerGroup string    `json:"consumer_group"`
	Stream        string    `json:"stream"`
	MessageID     string    `json:"message_id"`
	EventID       string    `json:"event_id,omitempty"`
	EventType     string    `json:"event_type,omitempty"`
	Payload       []byte    `json:"payload"`
	RetryCount    int       `json:"retry_count"`
	LastError     string    `json:"last_error"`
	FailedAt      time.Time `json:"failed_at"`
}

// DeadLetterStore persists dead letters for inspection and manual requeue.
type DeadLetterStore interface {
	// AddDeadLetter stores a dead letter. An empty ID is assigned by the store.
	AddDeadLetter(ctx context.Context, letter *DeadLetter) error

	// ListDeadLetters returns dead letters, oldest first. An empty
	// subscription lists every subscription; limit <= 0 means no limit.
	ListDeadLetters(ctx context.Context, subscription string, limit int) ([]*DeadLetter, error)

	// GetDeadLetter returns a dead letter by ID.
	// Returns ErrDeadLetterNotFound if it does not exist.
	GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error)

	// DeleteDeadLetter removes a dead letter.
	// Returns ErrDeadLetterNotFound if it does not exist.
	DeleteDeadLetter(ctx context.Context, id string) error
}

// Message is a broker message.
type Message struct {
	// Key is used for partitioning where the broker supports it.
	Key string

	// Payload is the encoded event envelope.
	Payload []byte

	Headers map[string]string
}

// Delivery is a message handed to a consumer group.
type Delivery struct {
	// ID identifies the message. It stays the same across redeliveries.
	ID string

	Stream  string
	Message Message

	// Attempt counts how many times the broker handed out this message (1-based).
	Attempt int
}

// Publisher sends messages to a named stream.
type Publisher interface {
	// Publish appends the message to the stream and returns its ID.
	Publish(ctx context.Context, stream string, msg Message) (string, error)
}

// Broker is a stream message broker with consumer groups.
//
// Messages read by a group stay pending until acked. A nacked message is
// redelivered to the group before any message that follows it.
type Broker interface {
	Publisher

	// Read returns up to count messages for the group. When nothing is
	// available it blocks for at most block before returning empty.
	Read(ctx context.Context, stream, group string, count int, block time.Duration) ([]Delivery, error)

	// Ack marks messages as processed for the group.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Nack releases messages back to the group for redelivery.
	Nack(ctx context.Context, stream, group string, ids ...string) error

	// Close releases connections held by the broker.
	Close() error
}

// BrokerStats describes a consumer group's view of a stream.
type BrokerStats struct {
	Stream string
	Group  string

	// Backlog is the number of messages not yet handed to the group.
	Backlog int64

	// Pending is the number of messages handed out but not acked.
	Pending int64
}

// BrokerStatsProvider exposes backlog information for health checks.
type BrokerStatsProvider interface {
	Stats(ctx context.Context, stream, group string) (BrokerStats, error)
}

// HealthChecker provides health check capabilities.
type HealthChecker interface {
	// Ping checks if the adapter can reach its backend.
	Ping(ctx context.Context) error
}

// Migrator provides schema migration capabilities.
type Migrator interface {
	Migrate(ctx context.Context) error
	MigrationVersion(ctx context.Context) (int, error)
}
