// Package msgpack provides a MessagePack serializer for event payloads and
// snapshot state.
//
// MessagePack is a binary format that produces smaller payloads than JSON
// while keeping its schema-less flexibility. It is a drop-in replacement for
// the default JSON serializer:
//
//	store := keel.New(adapter, keel.WithSerializer(msgpack.NewSerializer()))
//	store.RegisterEvents(OrderPlaced{}, ItemAdded{})
//
// Checksums are computed over the stored payload bytes, so events written
// with one serializer must be read with the same one.
package msgpack

import (
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	keel "github.com/AshkanYarmoradi/go-keel"
)

var (
	_ keel.Serializer    = (*Serializer)(nil)
	_ keel.TypeRegistrar = (*Serializer)(nil)
	_ keel.StateCodec    = StateCodec{}
)

// Serializer is a MessagePack implementation of keel.Serializer.
type Serializer struct {
	registry *keel.EventRegistry
}

// NewSerializer creates a new MessagePack Serializer with an empty registry.
func NewSerializer() *Serializer {
	return &Serializer{registry: keel.NewEventRegistry()}
}

// NewSerializerWithRegistry creates a Serializer sharing an existing registry,
// for example one also used by a JSON serializer during a migration.
func NewSerializerWithRegistry(registry *keel.EventRegistry) *Serializer {
	return &Serializer{registry: registry}
}

// Register adds a mapping from eventType to the Go type of the example.
func (s *Serializer) Register(eventType string, example interface{}) {
	s.registry.Register(eventType, example)
}

// RegisterAll registers multiple events under their event type names.
func (s *Serializer) RegisterAll(examples ...interface{}) {
	s.registry.RegisterAll(examples...)
}

// Registry returns the type registry.
func (s *Serializer) Registry() *keel.EventRegistry {
	return s.registry
}

// Serialize converts an event to MessagePack bytes.
func (s *Serializer) Serialize(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, keel.NewSerializationError("nil", "serialize", fmt.Errorf("event cannot be nil"))
	}

	data, err := msgpack.Marshal(event)
	if err != nil {
		return nil, keel.NewSerializationError(keel.GetEventType(event), "serialize", err)
	}
	return data, nil
}

// Deserialize converts MessagePack bytes back to an event.
// If the event type is registered, returns a value of that type.
// Otherwise, returns a map[string]interface{}.
func (s *Serializer) Deserialize(data []byte, eventType string) (interface{}, error) {
	if len(data) == 0 {
		return nil, keel.NewSerializationError(eventType, "deserialize", fmt.Errorf("data cannot be empty"))
	}

	t, ok := s.registry.Lookup(eventType)
	if !ok {
		var result map[string]interface{}
		if err := msgpack.Unmarshal(data, &result); err != nil {
			return nil, keel.NewSerializationError(eventType, "deserialize", err)
		}
		return result, nil
	}

	ptr := reflect.New(t)
	if err := msgpack.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, keel.NewSerializationError(eventType, "deserialize", err)
	}
	return ptr.Elem().Interface(), nil
}

// StateCodec encodes snapshot state as MessagePack.
type StateCodec struct{}

// Marshal encodes state.
func (StateCodec) Marshal(state interface{}) ([]byte, error) {
	return msgpack.Marshal(state)
}

// Unmarshal decodes data into state, which must be a pointer.
func (StateCodec) Unmarshal(data []byte, state interface{}) error {
	return msgpack.Unmarshal(data, state)
}

// Upcaster builds a keel.UpcastFunc that edits a MessagePack map payload.
func Upcaster(fn func(doc map[string]interface{}) error) keel.UpcastFunc {
	return func(payload []byte) ([]byte, error) {
		var doc map[string]interface{}
		if err := msgpack.Unmarshal(payload, &doc); err != nil {
			return nil, err
		}
		if doc == nil {
			doc = make(map[string]interface{})
		}
		if err := fn(doc); err != nil {
			return nil, err
		}
		return msgpack.Marshal(doc)
	}
}
