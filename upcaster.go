package keel

import (
	"encoding/json"
	"fmt"
	"sync"
)

// UpcastFunc transforms a serialized payload from one schema version to the next.
// It must be pure.
type UpcastFunc func(payload []byte) ([]byte, error)

type upcastKey struct {
	EventType   string
	FromVersion int
}

type upcastStep struct {
	to int
	fn UpcastFunc
}

// UpcasterChain brings historical event payloads to the current schema
// version of their type before they are decoded and folded.
//
// The current version of a type is the highest target version registered
// for it, or 1 when no upcaster exists.
type UpcasterChain struct {
	mu      sync.RWMutex
	steps   map[upcastKey]upcastStep
	current map[string]int
}

// NewUpcasterChain creates an empty chain.
func NewUpcasterChain() *UpcasterChain {
	return &UpcasterChain{
		steps:   make(map[upcastKey]upcastStep),
		current: make(map[string]int),
	}
}

// Register adds a transformation from fromVersion to toVersion for eventType.
// It panics on an invalid range or a duplicate source version, both of which
// are composition errors.
func (c *UpcasterChain) Register(eventType string, fromVersion, toVersion int, fn UpcastFunc) *UpcasterChain {
	if fromVersion < 1 || toVersion <= fromVersion {
		panic(fmt.Sprintf("keel: invalid upcaster range %d -> %d for event type %q", fromVersion, toVersion, eventType))
	}
	if fn == nil {
		panic(fmt.Sprintf("keel: nil upcaster for event type %q", eventType))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := upcastKey{EventType: eventType, FromVersion: fromVersion}
	if _, exists := c.steps[key]; exists {
		panic(fmt.Sprintf("keel: duplicate upcaster for event type %q from version %d", eventType, fromVersion))
	}
	c.steps[key] = upcastStep{to: toVersion, fn: fn}
	if toVersion > c.current[eventType] {
		c.current[eventType] = toVersion
	}
	return c
}

// CurrentVersion returns the schema version that handlers expect for eventType.
func (c *UpcasterChain) CurrentVersion(eventType string) int {
	if c == nil {
		return 1
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := c.current[eventType]; ok {
		return v
	}
	return 1
}

// Upcast walks the chain from version until the current version of eventType.
// It returns the transformed payload and the version it ended at.
// A version of 0 is read as 1.
func (c *UpcasterChain) Upcast(eventType string, version int, payload []byte) ([]byte, int, error) {
	if version < 1 {
		version = 1
	}
	target := c.CurrentVersion(eventType)
	if version == target {
		return payload, version, nil
	}
	if version > target {
		return nil, version, &UpcastError{EventType: eventType, FromVersion: version, TargetVersion: target,
			Cause: fmt.Errorf("stored version is newer than the registered schema")}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for version < target {
		step, ok := c.steps[upcastKey{EventType: eventType, FromVersion: version}]
		if !ok {
			return nil, version, &UpcastError{EventType: eventType, FromVersion: version, TargetVersion: target}
		}
		out, err := step.fn(payload)
		if err != nil {
			return nil, version, &UpcastError{EventType: eventType, FromVersion: version, TargetVersion: step.to, Cause: err}
		}
		payload, version = out, step.to
	}

	return payload, version, nil
}

// Apply upcasts the event in place. Snapshot events pass through untouched.
func (c *UpcasterChain) Apply(e Event) (Event, error) {
	if e.Kind == EventKindSnapshot {
		return e, nil
	}
	payload, version, err := c.Upcast(e.Type, e.Version, e.Payload)
	if err != nil {
		return e, err
	}
	e.Payload = payload
	e.Version = version
	return e, nil
}

// JSONUpcaster builds an UpcastFunc that edits a JSON object payload as a map.
func JSONUpcaster(fn func(doc map[string]interface{}) error) UpcastFunc {
	return func(payload []byte) ([]byte, error) {
		var doc map[string]interface{}
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, err
		}
		if doc == nil {
			doc = make(map[string]interface{})
		}
		if err := fn(doc); err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	}
}
