package keel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// Version constants for optimistic concurrency control.
const (
	// AnyVersion skips version checking, allowing append regardless of current version.
	AnyVersion = adapters.AnyVersion

	// NoStream is the expected version of a stream that does not exist yet.
	NoStream = adapters.NoStream
)

// SnapshotEventType is the type of the synthetic event that carries
// snapshot state into a replay.
const SnapshotEventType = "$snapshot"

// StreamName identifies an event stream as "{category}-{identifier}".
type StreamName struct {
	// Category groups streams of the same entity type (e.g., "order").
	Category string

	// ID is the identifier within the category.
	ID string
}

// NewStreamName creates a StreamName from category and ID.
func NewStreamName(category, id string) StreamName {
	return StreamName{Category: category, ID: id}
}

// ParseStreamName parses "category-identifier". The category is the segment
// before the first hyphen; the identifier may contain further hyphens.
func ParseStreamName(s string) (StreamName, error) {
	category, id, ok := strings.Cut(s, "-")
	if !ok || category == "" || id == "" {
		return StreamName{}, fmt.Errorf("keel: invalid stream name %q, expected 'category-identifier'", s)
	}
	return StreamName{Category: category, ID: id}, nil
}

// String returns the stream name as "category-identifier".
func (s StreamName) String() string {
	return s.Category + "-" + s.ID
}

// IsZero reports whether the StreamName is empty.
func (s StreamName) IsZero() bool {
	return s.Category == "" && s.ID == ""
}

// Validate checks if the StreamName is valid.
func (s StreamName) Validate() error {
	if s.Category == "" {
		return fmt.Errorf("keel: stream category is required")
	}
	if strings.Contains(s.Category, "-") {
		return fmt.Errorf("keel: stream category %q must not contain '-'", s.Category)
	}
	if s.ID == "" {
		return fmt.Errorf("keel: stream identifier is required")
	}
	return nil
}

// Category returns the category of a stream name string.
func Category(streamName string) string {
	return adapters.ExtractCategory(streamName)
}

// Headers carries the tracing context of an event.
type Headers = adapters.Headers

// EventKind distinguishes stored events from synthetic replay events.
type EventKind int

const (
	// EventKindRegular is an event read from a stream.
	EventKindRegular EventKind = iota

	// EventKindSnapshot is a synthetic event carrying snapshot state.
	EventKindSnapshot
)

// String returns the string representation of the kind.
func (k EventKind) String() string {
	switch k {
	case EventKindRegular:
		return "regular"
	case EventKindSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// EventData represents an already serialized event to be stored.
type EventData struct {
	// Type is the event type identifier (e.g., "OrderPlaced").
	Type string

	// SchemaVersion is the payload schema version. Zero means the current
	// version registered for the type.
	SchemaVersion int

	// Data is the serialized event payload.
	Data []byte

	// Headers contains optional tracing context.
	Headers Headers
}

// NewEventData creates a new EventData with the given type and data.
func NewEventData(eventType string, data []byte) EventData {
	return EventData{
		Type: eventType,
		Data: data,
	}
}

// WithHeaders returns a copy of EventData with the headers set.
func (e EventData) WithHeaders(h Headers) EventData {
	e.Headers = h
	return e
}

// Validate checks if the EventData is valid.
func (e EventData) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("keel: event type is required")
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("keel: event data is required")
	}
	return nil
}

// Event is the envelope of a fact that happened to an entity.
// Events are immutable once appended.
type Event struct {
	// ID is the globally unique event identifier.
	ID string

	// Type is the event type identifier.
	Type string

	// StreamName identifies the stream this event belongs to.
	StreamName string

	// SequenceID is the position within the stream, 0-based and contiguous.
	SequenceID int64

	// Version is the payload schema version.
	Version int

	// Payload is the serialized payload at Version.
	Payload []byte

	// Data is the decoded payload. It is populated on read and on raise.
	Data interface{}

	// Headers carries the tracing context.
	Headers Headers

	// Checksum is the integrity digest computed at append time.
	Checksum string

	// Timestamp is when the event was created.
	Timestamp time.Time

	// GlobalPosition is the position across all streams.
	GlobalPosition uint64

	// Kind tells regular events from synthetic snapshot events.
	Kind EventKind
}

// Category returns the category of the event's stream.
func (e Event) Category() string {
	return Category(e.StreamName)
}

// Verify recomputes the checksum and reports whether it matches.
// Events without a checksum verify trivially.
func (e Event) Verify() bool {
	if e.Checksum == "" {
		return true
	}
	return e.Checksum == Checksum(e.ID, e.Type, e.StreamName, e.Version, e.Payload)
}

type checksumInput struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	StreamName    string `json:"stream_name"`
	SchemaVersion int    `json:"version"`
	Payload       []byte `json:"payload"`
}

// Checksum returns the hex encoded sha256 digest of the canonical JSON form
// of an event's identifying fields and payload.
func Checksum(id, eventType, streamName string, schemaVersion int, payload []byte) string {
	// Struct fields marshal in declaration order, which keeps the form stable.
	canonical, _ := json.Marshal(checksumInput{
		ID:            id,
		Type:          eventType,
		StreamName:    streamName,
		SchemaVersion: schemaVersion,
		Payload:       payload,
	})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// eventFromStored converts a stored event without decoding its payload.
func eventFromStored(stored adapters.StoredEvent) Event {
	return Event{
		ID:             stored.ID,
		Type:           stored.Type,
		StreamName:     stored.StreamName,
		SequenceID:     stored.SequenceID,
		Version:        stored.SchemaVersion,
		Payload:        stored.Data,
		Headers:        stored.Headers,
		Checksum:       stored.Checksum,
		Timestamp:      stored.Timestamp,
		GlobalPosition: stored.GlobalPosition,
	}
}
