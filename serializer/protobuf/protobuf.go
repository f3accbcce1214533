// Package protobuf provides a Protocol Buffers serializer for event payloads
// and snapshot state.
//
// Protocol Buffers offers smaller payloads and faster serialization than JSON
// and a schema shared with consumers in other languages. Only generated
// message types can be serialized:
//
//	s := protobuf.NewSerializer()
//	s.Register("OrderCreated", &pb.OrderCreated{})
//	store := keel.New(adapter, keel.WithSerializer(s))
//
// Deserialize returns the message pointer (for example *pb.OrderCreated),
// because generated messages must not be copied by value.
package protobuf

import (
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"

	keel "github.com/AshkanYarmoradi/go-keel"
)

var (
	_ keel.Serializer    = (*Serializer)(nil)
	_ keel.TypeRegistrar = (*Serializer)(nil)
	_ keel.StateCodec    = StateCodec{}
)

var (
	// ErrNotProtoMessage indicates the value does not implement proto.Message.
	ErrNotProtoMessage = errors.New("keel/protobuf: value must implement proto.Message")

	// ErrTypeNotRegistered indicates the event type is not registered.
	ErrTypeNotRegistered = errors.New("keel/protobuf: event type not registered")
)

var messageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// Serializer is a Protocol Buffers implementation of keel.Serializer.
type Serializer struct {
	registry *keel.EventRegistry
}

// NewSerializer creates a new Protocol Buffers serializer with an empty registry.
func NewSerializer() *Serializer {
	return &Serializer{registry: keel.NewEventRegistry()}
}

// Register maps eventType to the message type of example. It panics if
// example is not a proto.Message pointer.
func (s *Serializer) Register(eventType string, example interface{}) {
	mustBeMessage(eventType, example)
	s.registry.Register(eventType, example)
}

// RegisterAll registers messages under their Go type names. It panics if any
// example is not a proto.Message pointer.
func (s *Serializer) RegisterAll(examples ...interface{}) {
	for _, example := range examples {
		s.Register(keel.GetEventType(example), example)
	}
}

// Registry returns the type registry.
func (s *Serializer) Registry() *keel.EventRegistry {
	return s.registry
}

func mustBeMessage(eventType string, example interface{}) {
	if _, ok := example.(proto.Message); !ok {
		panic(keel.NewSerializationError(eventType, "register", ErrNotProtoMessage))
	}
}

// Serialize marshals a proto.Message.
func (s *Serializer) Serialize(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, keel.NewSerializationError("nil", "serialize", fmt.Errorf("event cannot be nil"))
	}

	msg, ok := event.(proto.Message)
	if !ok {
		return nil, keel.NewSerializationError(reflect.TypeOf(event).String(), "serialize", ErrNotProtoMessage)
	}

	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, keel.NewSerializationError(keel.GetEventType(event), "serialize", err)
	}
	return data, nil
}

// Deserialize unmarshals data into a new message of the registered type.
// An empty slice decodes to a message with every field at its default.
func (s *Serializer) Deserialize(data []byte, eventType string) (interface{}, error) {
	if data == nil {
		return nil, keel.NewSerializationError(eventType, "deserialize", fmt.Errorf("data cannot be nil"))
	}

	t, ok := s.registry.Lookup(eventType)
	if !ok {
		return nil, keel.NewSerializationError(eventType, "deserialize", ErrTypeNotRegistered)
	}

	msg, ok := reflect.New(t).Interface().(proto.Message)
	if !ok {
		return nil, keel.NewSerializationError(eventType, "deserialize", ErrNotProtoMessage)
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, keel.NewSerializationError(eventType, "deserialize", err)
	}
	return msg, nil
}

// StateCodec encodes snapshot state that is a proto.Message.
//
// Unmarshal accepts either a message or a pointer to a message pointer, so
// entity types whose state is *pb.Cart work with the snapshot manager.
type StateCodec struct{}

// Marshal encodes state.
func (StateCodec) Marshal(state interface{}) ([]byte, error) {
	msg, ok := state.(proto.Message)
	if !ok {
		return nil, ErrNotProtoMessage
	}
	return proto.Marshal(msg)
}

// Unmarshal decodes data into state.
func (StateCodec) Unmarshal(data []byte, state interface{}) error {
	if msg, ok := state.(proto.Message); ok {
		return proto.Unmarshal(data, msg)
	}

	v := reflect.ValueOf(state)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return ErrNotProtoMessage
	}
	elem := v.Elem()
	if elem.Kind() != reflect.Ptr || !elem.Type().Implements(messageType) {
		return ErrNotProtoMessage
	}

	fresh := reflect.New(elem.Type().Elem())
	if err := proto.Unmarshal(data, fresh.Interface().(proto.Message)); err != nil {
		return err
	}
	elem.Set(fresh)
	return nil
}

// Upcaster builds a keel.UpcastFunc that converts a payload of one message
// type into another. newFrom allocates the old message.
func Upcaster[From, To proto.Message](newFrom func() From, fn func(From) (To, error)) keel.UpcastFunc {
	return func(payload []byte) ([]byte, error) {
		from := newFrom()
		if err := proto.Unmarshal(payload, from); err != nil {
			return nil, err
		}
		to, err := fn(from)
		if err != nil {
			return nil, err
		}
		return proto.Marshal(to)
	}
}
