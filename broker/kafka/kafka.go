// Package kafka provides a Kafka implementation of the broker port using
// github.com/segmentio/kafka-go.
//
// Each stream maps to a topic and each consumer group to a Kafka consumer
// group. Acked messages are committed; nacked messages are held in a local
// redelivery queue and handed out again before anything fetched later, so a
// group sees a stream in order even across retries.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// HeaderMessageID carries the message ID assigned at publish.
const HeaderMessageID = "keel-message-id"

// fetchWait bounds each fetch after the first message of a read.
const fetchWait = 10 * time.Millisecond

var (
	_ adapters.Broker              = (*Broker)(nil)
	_ adapters.BrokerStatsProvider = (*Broker)(nil)
	_ adapters.HealthChecker       = (*Broker)(nil)
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Stats() kafkago.ReaderStats
	Close() error
}

// Broker publishes to and consumes from Kafka topics.
type Broker struct {
	brokers      []string
	balancer     kafkago.Balancer
	batchTimeout time.Duration
	startOffset  int64
	transport    kafkago.RoundTripper

	newWriter func(topic string) messageWriter
	newReader func(topic, group string) messageReader

	mu      sync.Mutex
	writers map[string]messageWriter
	groups  map[groupKey]*group
}

type groupKey struct {
	topic string
	group string
}

// group is the consumer state of one (topic, group) pair.
type group struct {
	mu         sync.Mutex
	reader     messageReader
	redeliver  []adapters.Delivery
	pending    map[string]kafkago.Message
	deliveries map[string]adapters.Delivery
	attempts   map[string]int
}

// Option configures a Kafka Broker.
type Option func(*Broker)

// WithBrokers sets the Kafka broker addresses.
func WithBrokers(brokers ...string) Option {
	return func(b *Broker) {
		b.brokers = brokers
	}
}

// WithBalancer sets the message balancer (partitioner).
func WithBalancer(balancer kafkago.Balancer) Option {
	return func(b *Broker) {
		b.balancer = balancer
	}
}

// WithBatchTimeout sets the batch timeout for writers.
func WithBatchTimeout(d time.Duration) Option {
	return func(b *Broker) {
		b.batchTimeout = d
	}
}

// WithStartFromLatest makes new consumer groups skip messages published
// before they first connect. By default a new group starts at the oldest
// retained message.
func WithStartFromLatest() Option {
	return func(b *Broker) {
		b.startOffset = kafkago.LastOffset
	}
}

// New creates a new Kafka Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		brokers:      []string{"localhost:9092"},
		balancer:     &kafkago.Hash{},
		batchTimeout: 10 * time.Millisecond,
		startOffset:  kafkago.FirstOffset,
		writers:      make(map[string]messageWriter),
		groups:       make(map[groupKey]*group),
	}

	for _, opt := range opts {
		opt(b)
	}

	b.newWriter = b.kafkaWriter
	b.newReader = b.kafkaReader
	return b
}

func (b *Broker) kafkaWriter(topic string) messageWriter {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(b.brokers...),
		Topic:                  topic,
		Balancer:               b.balancer,
		BatchTimeout:           b.batchTimeout,
		Transport:              b.transport,
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func (b *Broker) kafkaReader(topic, groupID string) messageReader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        b.brokers,
		Topic:          topic,
		GroupID:        groupID,
		StartOffset:    b.startOffset,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
	})
}

// Publish writes the message to the stream's topic. The message is keyed so
// that every event of one entity lands on the same partition.
func (b *Broker) Publish(ctx context.Context, stream string, msg adapters.Message) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("kafka: stream is required")
	}

	id := msg.Headers[HeaderMessageID]
	if id == "" {
		id = uuid.NewString()
	}

	kafkaMsg := kafkago.Message{
		Key:     []byte(msg.Key),
		Value:   msg.Payload,
		Headers: []kafkago.Header{{Key: HeaderMessageID, Value: []byte(id)}},
	}
	for k, v := range msg.Headers {
		if k == HeaderMessageID {
			continue
		}
		kafkaMsg.Headers = append(kafkaMsg.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}

	if err := b.writer(stream).WriteMessages(ctx, kafkaMsg); err != nil {
		return "", fmt.Errorf("kafka: failed to write to topic %s: %w", stream, err)
	}
	return id, nil
}

// Read returns up to count messages for the group, redeliveries first.
// When nothing is available it waits at most block for a new message.
func (b *Broker) Read(ctx context.Context, stream, groupID string, count int, block time.Duration) ([]adapters.Delivery, error) {
	if count <= 0 {
		count = 1
	}
	g := b.group(stream, groupID)

	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]adapters.Delivery, 0, count)
	for len(g.redeliver) > 0 && len(out) < count {
		d := g.redeliver[0]
		g.redeliver = g.redeliver[1:]
		g.attempts[d.ID]++
		d.Attempt = g.attempts[d.ID]
		g.deliveries[d.ID] = d
		out = append(out, d)
	}

	wait := block
	for len(out) < count {
		if len(out) > 0 {
			wait = fetchWait
		}
		msg, err := fetch(ctx, g.reader, wait)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			if len(out) > 0 {
				break
			}
			return nil, fmt.Errorf("kafka: failed to fetch from topic %s: %w", stream, err)
		}

		d := toDelivery(stream, msg)
		g.pending[d.ID] = msg
		g.attempts[d.ID]++
		d.Attempt = g.attempts[d.ID]
		g.deliveries[d.ID] = d
		out = append(out, d)
	}

	return out, nil
}

func fetch(ctx context.Context, r messageReader, wait time.Duration) (kafkago.Message, error) {
	if wait <= 0 {
		wait = fetchWait
	}
	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return r.FetchMessage(fetchCtx)
}

func toDelivery(stream string, msg kafkago.Message) adapters.Delivery {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	id := headers[HeaderMessageID]
	if id == "" {
		id = strconv.Itoa(msg.Partition) + "/" + strconv.FormatInt(msg.Offset, 10)
	}
	delete(headers, HeaderMessageID)

	return adapters.Delivery{
		ID:     id,
		Stream: stream,
		Message: adapters.Message{
			Key:     string(msg.Key),
			Payload: msg.Value,
			Headers: headers,
		},
	}
}

// Ack commits the messages' offsets for the group.
func (b *Broker) Ack(ctx context.Context, stream, groupID string, ids ...string) error {
	g := b.group(stream, groupID)

	g.mu.Lock()
	defer g.mu.Unlock()

	msgs := make([]kafkago.Message, 0, len(ids))
	for _, id := range ids {
		msg, ok := g.pending[id]
		if !ok {
			return fmt.Errorf("%w: %s", adapters.ErrUnknownDelivery, id)
		}
		msgs = append(msgs, msg)
	}

	if err := g.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka: failed to commit offsets on topic %s: %w", stream, err)
	}
	for _, id := range ids {
		delete(g.pending, id)
		delete(g.deliveries, id)
		delete(g.attempts, id)
	}
	return nil
}

// Nack queues the messages for redelivery ahead of anything not yet read.
func (b *Broker) Nack(_ context.Context, stream, groupID string, ids ...string) error {
	g := b.group(stream, groupID)

	g.mu.Lock()
	defer g.mu.Unlock()

	released := make([]adapters.Delivery, 0, len(ids))
	for _, id := range ids {
		d, ok := g.deliveries[id]
		if !ok {
			return fmt.Errorf("%w: %s", adapters.ErrUnknownDelivery, id)
		}
		released = append(released, d)
	}
	for _, d := range released {
		delete(g.deliveries, d.ID)
	}
	g.redeliver = append(released, g.redeliver...)
	return nil
}

// Stats reports the consumer lag of the group and its unacked messages.
func (b *Broker) Stats(_ context.Context, stream, groupID string) (adapters.BrokerStats, error) {
	g := b.group(stream, groupID)

	g.mu.Lock()
	defer g.mu.Unlock()

	lag := g.reader.Stats().Lag
	if lag < 0 {
		lag = 0
	}
	return adapters.BrokerStats{
		Stream:  stream,
		Group:   groupID,
		Backlog: lag + int64(len(g.redeliver)),
		Pending: int64(len(g.deliveries)),
	}, nil
}

// Ping dials the first broker.
func (b *Broker) Ping(ctx context.Context) error {
	if len(b.brokers) == 0 {
		return fmt.Errorf("kafka: no brokers configured")
	}
	conn, err := kafkago.DialContext(ctx, "tcp", b.brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: failed to reach %s: %w", b.brokers[0], err)
	}
	return conn.Close()
}

// Close closes every writer and reader.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for topic, w := range b.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(b.writers, topic)
	}
	for key, g := range b.groups {
		if err := g.reader.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(b.groups, key)
	}
	return errors.Join(errs...)
}

// writer returns or creates the writer for a topic.
func (b *Broker) writer(topic string) messageWriter {
	b.mu.Lock()
	defer b.mu.Unlock()

	if w, ok := b.writers[topic]; ok {
		return w
	}
	w := b.newWriter(topic)
	b.writers[topic] = w
	return w
}

// group returns or creates the consumer state for a topic and group.
func (b *Broker) group(topic, groupID string) *group {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := groupKey{topic: topic, group: groupID}
	if g, ok := b.groups[key]; ok {
		return g
	}
	g := &group{
		reader:     b.newReader(topic, groupID),
		pending:    make(map[string]kafkago.Message),
		deliveries: make(map[string]adapters.Delivery),
		attempts:   make(map[string]int),
	}
	b.groups[key] = g
	return g
}
