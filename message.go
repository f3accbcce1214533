package keel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// Broker message header keys.
const (
	HeaderEventType = "keel-event-type"
	HeaderEventID   = "keel-event-id"
	HeaderTraceID   = "keel-trace-id"

	// HeaderRequeued marks a dead letter put back on its stream by hand.
	// Stream subscriptions deliver such messages even when their stream
	// sequence was already settled.
	HeaderRequeued = "keel-requeued"
)

// envelope is the wire form of an Event inside a broker message.
type envelope struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	StreamName     string    `json:"stream_name"`
	SequenceID     int64     `json:"sequence_id"`
	Version        int       `json:"version"`
	Payload        []byte    `json:"payload"`
	Headers        Headers   `json:"headers"`
	Checksum       string    `json:"checksum"`
	Timestamp      time.Time `json:"timestamp"`
	GlobalPosition uint64    `json:"global_position,omitempty"`
}

// EncodeMessage wraps an event in a broker message. The payload travels as
// stored, so the receiving side can verify the checksum before decoding.
func EncodeMessage(e Event) (adapters.Message, error) {
	body, err := json.Marshal(envelope{
		ID:             e.ID,
		Type:           e.Type,
		StreamName:     e.StreamName,
		SequenceID:     e.SequenceID,
		Version:        e.Version,
		Payload:        e.Payload,
		Headers:        e.Headers,
		Checksum:       e.Checksum,
		Timestamp:      e.Timestamp,
		GlobalPosition: e.GlobalPosition,
	})
	if err != nil {
		return adapters.Message{}, NewSerializationError(e.Type, "serialize", err)
	}

	headers := map[string]string{
		HeaderEventType: e.Type,
		HeaderEventID:   e.ID,
	}
	if e.Headers.TraceID != "" {
		headers[HeaderTraceID] = e.Headers.TraceID
	}

	return adapters.Message{
		Key:     e.StreamName,
		Payload: body,
		Headers: headers,
	}, nil
}

// DecodeMessage unwraps an event from a broker message. Data is left nil.
func DecodeMessage(msg adapters.Message) (Event, error) {
	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return Event{}, NewSerializationError(msg.Headers[HeaderEventType], "deserialize", err)
	}
	if env.ID == "" || env.Type == "" {
		return Event{}, NewSerializationError(env.Type, "deserialize", fmt.Errorf("message is not an event envelope"))
	}

	return Event{
		ID:             env.ID,
		Type:           env.Type,
		StreamName:     env.StreamName,
		SequenceID:     env.SequenceID,
		Version:        env.Version,
		Payload:        env.Payload,
		Headers:        env.Headers,
		Checksum:       env.Checksum,
		Timestamp:      env.Timestamp,
		GlobalPosition: env.GlobalPosition,
	}, nil
}

func isRequeued(msg adapters.Message) bool {
	return msg.Headers[HeaderRequeued] == "true"
}
