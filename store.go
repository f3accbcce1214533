package keel

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// DefaultPageSize is the number of events Read fetches per adapter call.
const DefaultPageSize = 256

// EventStore is the main entry point for appending and reading events.
// It adds envelope handling on top of an adapter: ids, checksums, trace
// context, schema versions, upcasting and decoding.
type EventStore struct {
	adapter    adapters.EventStoreAdapter
	serializer Serializer
	upcasters  *UpcasterChain
	logger     Logger
	retry      RetryPolicy
	pageSize   int
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithSerializer sets a custom serializer.
func WithSerializer(s Serializer) Option {
	return func(es *EventStore) {
		es.serializer = s
	}
}

// WithLogger sets a custom logger.
func WithLogger(l Logger) Option {
	return func(es *EventStore) {
		es.logger = l
	}
}

// WithUpcasters sets the upcaster chain applied on read.
func WithUpcasters(c *UpcasterChain) Option {
	return func(es *EventStore) {
		es.upcasters = c
	}
}

// WithReadRetry sets the retry policy for transient read failures.
func WithReadRetry(p RetryPolicy) Option {
	return func(es *EventStore) {
		es.retry = p
	}
}

// WithPageSize sets how many events Read loads per adapter call.
func WithPageSize(n int) Option {
	return func(es *EventStore) {
		if n > 0 {
			es.pageSize = n
		}
	}
}

// New creates a new EventStore with the given adapter and options.
func New(adapter adapters.EventStoreAdapter, opts ...Option) *EventStore {
	es := &EventStore{
		adapter:    adapter,
		serializer: NewJSONSerializer(),
		upcasters:  NewUpcasterChain(),
		logger:     &noopLogger{},
		retry:      DefaultRetryPolicy(),
		pageSize:   DefaultPageSize,
	}

	for _, opt := range opts {
		opt(es)
	}

	return es
}

// Serializer returns the event store's serializer.
func (s *EventStore) Serializer() Serializer {
	return s.serializer
}

// Adapter returns the underlying adapter.
func (s *EventStore) Adapter() adapters.EventStoreAdapter {
	return s.adapter
}

// Upcasters returns the upcaster chain.
func (s *EventStore) Upcasters() *UpcasterChain {
	return s.upcasters
}

// RegisterEvents registers event types with the serializer when it supports
// type registration.
func (s *EventStore) RegisterEvents(events ...interface{}) {
	if r, ok := s.serializer.(TypeRegistrar); ok {
		r.RegisterAll(events...)
	}
}

// RegisterEvent registers one event type under an explicit name.
func (s *EventStore) RegisterEvent(eventType string, example interface{}) {
	if r, ok := s.serializer.(TypeRegistrar); ok {
		r.Register(eventType, example)
	}
}

// AppendOption configures an append operation.
type AppendOption func(*appendConfig)

type appendConfig struct {
	headers Headers
}

// WithAppendHeaders sets headers for every event of the append.
func WithAppendHeaders(h Headers) AppendOption {
	return func(c *appendConfig) {
		c.headers = h
	}
}

// Append serializes events and appends them to streamName.
// It returns the new stream version.
func (s *EventStore) Append(ctx context.Context, streamName string, expectedVersion int64, events []interface{}, opts ...AppendOption) (int64, error) {
	if len(events) == 0 {
		return 0, ErrNoEvents
	}

	config := &appendConfig{}
	for _, opt := range opts {
		opt(config)
	}

	data := make([]EventData, len(events))
	for i, event := range events {
		ed, err := SerializeEvent(s.serializer, event, config.headers)
		if err != nil {
			return 0, fmt.Errorf("keel: failed to serialize event %d: %w", i, err)
		}
		data[i] = ed
	}

	return s.AppendEvents(ctx, streamName, expectedVersion, data)
}

// AppendEvents appends already serialized events to streamName and returns
// the new stream version. expectedVersion is the number of events the caller
// believes the stream holds, or AnyVersion.
func (s *EventStore) AppendEvents(ctx context.Context, streamName string, expectedVersion int64, events []EventData) (int64, error) {
	if streamName == "" {
		return 0, ErrEmptyStreamName
	}
	if len(events) == 0 {
		return 0, ErrNoEvents
	}

	records := make([]adapters.EventRecord, len(events))
	for i, ed := range events {
		if err := ed.Validate(); err != nil {
			return 0, fmt.Errorf("event %d: %w", i, err)
		}
		records[i] = s.newRecord(ctx, streamName, "", ed)
	}

	return s.appendRecords(ctx, streamName, expectedVersion, records)
}

// appendPending appends events raised on an entity, keeping their ids and headers.
func (s *EventStore) appendPending(ctx context.Context, streamName string, expectedVersion int64, events []Event) (int64, error) {
	records := make([]adapters.EventRecord, len(events))
	for i, evt := range events {
		data, err := s.serializer.Serialize(evt.Data)
		if err != nil {
			return 0, fmt.Errorf("keel: failed to serialize event %d: %w", i, err)
		}
		records[i] = s.newRecord(ctx, streamName, evt.ID, EventData{
			Type:    evt.Type,
			Data:    data,
			Headers: evt.Headers,
		})
		records[i].Timestamp = evt.Timestamp
	}

	return s.appendRecords(ctx, streamName, expectedVersion, records)
}

func (s *EventStore) newRecord(ctx context.Context, streamName, id string, ed EventData) adapters.EventRecord {
	if id == "" {
		id = uuid.NewString()
	}
	version := ed.SchemaVersion
	if version == 0 {
		version = s.upcasters.CurrentVersion(ed.Type)
	}

	headers := adapters.CopyHeaders(ed.Headers)
	if headers.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			headers.TraceID = sc.TraceID().String()
		}
	}

	return adapters.EventRecord{
		ID:            id,
		Type:          ed.Type,
		SchemaVersion: version,
		Data:          ed.Data,
		Headers:       headers,
		Checksum:      Checksum(id, ed.Type, streamName, version, ed.Data),
		Timestamp:     time.Now().UTC(),
	}
}

func (s *EventStore) appendRecords(ctx context.Context, streamName string, expectedVersion int64, records []adapters.EventRecord) (int64, error) {
	stored, err := s.adapter.Append(ctx, streamName, records, expectedVersion)
	if err != nil {
		if !errors.Is(err, ErrConcurrencyConflict) {
			s.logger.Error("append failed", "stream", streamName, "error", err)
		}
		return 0, err
	}

	version := stored[len(stored)-1].SequenceID + 1
	s.logger.Debug("events appended", "stream", streamName, "count", len(stored), "version", version)
	return version, nil
}

// Read returns the events of streamName starting at sequence id fromVersion.
//
// The sequence is lazy: pages are loaded as iteration advances. It is finite
// and can be ranged over again to re-read from fromVersion. Iteration stops
// at the first error, which is yielded with a zero Event. A missing stream
// yields nothing.
func (s *EventStore) Read(ctx context.Context, streamName string, fromVersion int64) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if streamName == "" {
			yield(Event{}, ErrEmptyStreamName)
			return
		}

		next := fromVersion
		for {
			page, err := retry(ctx, s.retry, s.notifyRetry("load", streamName), func() ([]adapters.StoredEvent, error) {
				return s.adapter.Load(ctx, streamName, next, s.pageSize)
			})
			if err != nil {
				yield(Event{}, err)
				return
			}

			for _, stored := range page {
				if stored.SequenceID != next {
					yield(Event{}, &IntegrityError{
						StreamName: streamName,
						SequenceID: stored.SequenceID,
						Expected:   strconv.FormatInt(next, 10),
						Actual:     strconv.FormatInt(stored.SequenceID, 10),
						Err:        ErrSequenceGap,
					})
					return
				}

				evt, err := s.decode(stored)
				if err != nil {
					yield(Event{}, err)
					return
				}
				if !yield(evt, nil) {
					return
				}
				next++
			}

			if len(page) < s.pageSize {
				return
			}
		}
	}
}

// ReadEvents collects Read into a slice.
func (s *EventStore) ReadEvents(ctx context.Context, streamName string, fromVersion int64) ([]Event, error) {
	var events []Event
	for evt, err := range s.Read(ctx, streamName, fromVersion) {
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

// ReadCategory returns up to limit events of every stream in category whose
// global position is greater than fromPosition, in global position order.
func (s *EventStore) ReadCategory(ctx context.Context, category string, fromPosition uint64, limit int) ([]Event, error) {
	stored, err := retry(ctx, s.retry, s.notifyRetry("load category", category), func() ([]adapters.StoredEvent, error) {
		return s.adapter.LoadCategory(ctx, category, fromPosition, limit)
	})
	if err != nil {
		return nil, err
	}
	return s.decodeAll(stored)
}

// ReadAll returns up to limit events across all streams after fromPosition.
func (s *EventStore) ReadAll(ctx context.Context, fromPosition uint64, limit int) ([]Event, error) {
	stored, err := s.loadAll(ctx, fromPosition, limit)
	if err != nil {
		return nil, err
	}
	return s.decodeAll(stored)
}

// ReadAllRaw is ReadAll without upcasting or decoding. Checksums are still
// verified. Payload holds the bytes as stored.
func (s *EventStore) ReadAllRaw(ctx context.Context, fromPosition uint64, limit int) ([]Event, error) {
	stored, err := s.loadAll(ctx, fromPosition, limit)
	if err != nil {
		return nil, err
	}
	events := make([]Event, len(stored))
	for i, se := range stored {
		evt := eventFromStored(se)
		if err := verify(evt); err != nil {
			return nil, err
		}
		events[i] = evt
	}
	return events, nil
}

func (s *EventStore) loadAll(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	return retry(ctx, s.retry, s.notifyRetry("load all", ""), func() ([]adapters.StoredEvent, error) {
		return s.adapter.LoadFromPosition(ctx, fromPosition, limit)
	})
}

// StreamVersion returns the number of events in streamName, 0 when it does not exist.
func (s *EventStore) StreamVersion(ctx context.Context, streamName string) (int64, error) {
	info, err := retry(ctx, s.retry, s.notifyRetry("stream info", streamName), func() (*adapters.StreamInfo, error) {
		return s.adapter.GetStreamInfo(ctx, streamName)
	})
	if errors.Is(err, ErrStreamNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Version, nil
}

// LastPosition returns the global position of the newest event.
func (s *EventStore) LastPosition(ctx context.Context) (uint64, error) {
	return retry(ctx, s.retry, s.notifyRetry("last position", ""), func() (uint64, error) {
		return s.adapter.GetLastPosition(ctx)
	})
}

// Initialize prepares the adapter's storage.
func (s *EventStore) Initialize(ctx context.Context) error {
	return s.adapter.Initialize(ctx)
}

// Close closes the underlying adapter.
func (s *EventStore) Close() error {
	return s.adapter.Close()
}

func (s *EventStore) decodeAll(stored []adapters.StoredEvent) ([]Event, error) {
	events := make([]Event, len(stored))
	for i, se := range stored {
		evt, err := s.decode(se)
		if err != nil {
			return nil, err
		}
		events[i] = evt
	}
	return events, nil
}

// decode verifies, upcasts and deserializes a stored event.
func (s *EventStore) decode(stored adapters.StoredEvent) (Event, error) {
	return s.Decode(eventFromStored(stored))
}

// Decode verifies the checksum of an event carrying a stored payload, brings
// the payload to the current schema version and fills Data.
func (s *EventStore) Decode(evt Event) (Event, error) {
	if err := verify(evt); err != nil {
		return Event{}, err
	}

	evt, err := s.upcasters.Apply(evt)
	if err != nil {
		return Event{}, err
	}

	data, err := s.serializer.Deserialize(evt.Payload, evt.Type)
	if err != nil {
		return Event{}, err
	}
	evt.Data = data
	return evt, nil
}

func verify(evt Event) error {
	if evt.Verify() {
		return nil
	}
	return &IntegrityError{
		StreamName: evt.StreamName,
		SequenceID: evt.SequenceID,
		Expected:   evt.Checksum,
		Actual:     Checksum(evt.ID, evt.Type, evt.StreamName, evt.Version, evt.Payload),
		Err:        ErrChecksumMismatch,
	}
}

func (s *EventStore) notifyRetry(op, target string) func(error, time.Duration) {
	return func(err error, next time.Duration) {
		s.logger.Warn("retrying event store read", "op", op, "target", target, "error", err, "backoff", next)
	}
}
