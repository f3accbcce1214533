// Package rabbitmq provides a RabbitMQ implementation of the broker port
// using github.com/rabbitmq/amqp091-go.
//
// A stream is a durable fanout exchange and a consumer group is a durable
// queue bound to it, named "<stream>.<group>". Messages published before a
// group's queue exists are not routed to it; call Declare for every group
// before publishing when that matters.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// pollInterval is the pause between empty basic.get calls while a read blocks.
const pollInterval = 10 * time.Millisecond

var (
	_ adapters.Broker              = (*Broker)(nil)
	_ adapters.BrokerStatsProvider = (*Broker)(nil)
	_ adapters.HealthChecker       = (*Broker)(nil)
)

// channel is the subset of *amqp.Channel the broker uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type connection interface {
	Channel() (channel, error)
	IsClosed() bool
	Close() error
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (channel, error) {
	return c.Connection.Channel()
}

// Broker publishes to and consumes from RabbitMQ.
type Broker struct {
	conn connection

	mu        sync.Mutex
	publisher channel
	exchanges map[string]bool
	groups    map[string]*group
}

// group owns the channel its delivery tags belong to.
type group struct {
	mu       sync.Mutex
	queue    string
	ch       channel
	tags     map[string]uint64
	attempts map[string]int
}

// Dial connects to the RabbitMQ server at url.
func Dial(url string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	return newBroker(amqpConnection{conn}), nil
}

func newBroker(conn connection) *Broker {
	return &Broker{
		conn:      conn,
		exchanges: make(map[string]bool),
		groups:    make(map[string]*group),
	}
}

// QueueName returns the queue backing a consumer group.
func QueueName(stream, groupID string) string {
	return stream + "." + groupID
}

// Publish sends the message to the stream's exchange as a persistent message.
func (b *Broker) Publish(ctx context.Context, stream string, msg adapters.Message) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("rabbitmq: stream is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publisher == nil {
		ch, err := b.conn.Channel()
		if err != nil {
			return "", fmt.Errorf("rabbitmq: open channel: %w", err)
		}
		b.publisher = ch
	}
	if err := b.declareExchange(b.publisher, stream); err != nil {
		return "", err
	}

	headers := make(amqp.Table, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}

	id := uuid.NewString()
	err := b.publisher.PublishWithContext(ctx, stream, msg.Key, false, false, amqp.Publishing{
		MessageId:     id,
		CorrelationId: msg.Key,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		Headers:       headers,
		Body:          msg.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("rabbitmq: publish to %s: %w", stream, err)
	}
	return id, nil
}

// declareExchange must be called with b.mu held.
func (b *Broker) declareExchange(ch channel, stream string) error {
	if b.exchanges[stream] {
		return nil
	}
	if err := ch.ExchangeDeclare(stream, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare exchange %s: %w", stream, err)
	}
	b.exchanges[stream] = true
	return nil
}

// Declare creates the exchange and the group's queue.
func (b *Broker) Declare(_ context.Context, stream, groupID string) error {
	_, err := b.group(stream, groupID)
	return err
}

func (b *Broker) group(stream, groupID string) (*group, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue := QueueName(stream, groupID)
	if g, ok := b.groups[queue]; ok {
		return g, nil
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if err := b.declareExchange(ch, stream); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq: declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, "", stream, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq: bind queue %s: %w", queue, err)
	}

	g := &group{
		queue:    queue,
		ch:       ch,
		tags:     make(map[string]uint64),
		attempts: make(map[string]int),
	}
	b.groups[queue] = g
	return g, nil
}

// Read gets up to count messages from the group's queue, polling for at most
// block when the queue is empty.
func (b *Broker) Read(ctx context.Context, stream, groupID string, count int, block time.Duration) ([]adapters.Delivery, error) {
	if count <= 0 {
		count = 1
	}
	g, err := b.group(stream, groupID)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	deadline := time.Now().Add(block)
	out := make([]adapters.Delivery, 0, count)
	for len(out) < count {
		msg, ok, err := g.ch.Get(g.queue, false)
		if err != nil {
			if len(out) > 0 {
				break
			}
			return nil, fmt.Errorf("rabbitmq: get from %s: %w", g.queue, err)
		}
		if ok {
			out = append(out, g.track(stream, msg))
			continue
		}
		if len(out) > 0 || !time.Now().Before(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return out, nil
}

// track must be called with g.mu held.
func (g *group) track(stream string, msg amqp.Delivery) adapters.Delivery {
	id := msg.MessageId
	if id == "" {
		id = fmt.Sprintf("tag-%d", msg.DeliveryTag)
	}

	g.tags[id] = msg.DeliveryTag
	if _, seen := g.attempts[id]; !seen && msg.Redelivered {
		g.attempts[id] = 1
	}
	g.attempts[id]++

	headers := make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = fmt.Sprint(v)
	}

	return adapters.Delivery{
		ID:     id,
		Stream: stream,
		Message: adapters.Message{
			Key:     msg.CorrelationId,
			Payload: msg.Body,
			Headers: headers,
		},
		Attempt: g.attempts[id],
	}
}

// Ack acknowledges the messages on the group's channel.
func (b *Broker) Ack(_ context.Context, stream, groupID string, ids ...string) error {
	return b.settle(stream, groupID, ids, func(g *group, tag uint64) error {
		return g.ch.Ack(tag, false)
	}, true)
}

// Nack requeues the messages. RabbitMQ puts a requeued message back at its
// original position, ahead of anything published after it.
func (b *Broker) Nack(_ context.Context, stream, groupID string, ids ...string) error {
	return b.settle(stream, groupID, ids, func(g *group, tag uint64) error {
		return g.ch.Nack(tag, false, true)
	}, false)
}

func (b *Broker) settle(stream, groupID string, ids []string, fn func(*group, uint64) error, forget bool) error {
	g, err := b.group(stream, groupID)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range ids {
		if _, ok := g.tags[id]; !ok {
			return fmt.Errorf("%w: %s", adapters.ErrUnknownDelivery, id)
		}
	}
	// Settle in reverse so requeued messages keep their relative order.
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		if err := fn(g, g.tags[id]); err != nil {
			return fmt.Errorf("rabbitmq: settle %s: %w", id, err)
		}
		delete(g.tags, id)
		if forget {
			delete(g.attempts, id)
		}
	}
	return nil
}

// Stats reports the ready messages in the group's queue and the messages
// handed out but not yet settled.
func (b *Broker) Stats(_ context.Context, stream, groupID string) (adapters.BrokerStats, error) {
	g, err := b.group(stream, groupID)
	if err != nil {
		return adapters.BrokerStats{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	q, err := g.ch.QueueDeclarePassive(g.queue, true, false, false, false, nil)
	if err != nil {
		return adapters.BrokerStats{}, fmt.Errorf("rabbitmq: inspect queue %s: %w", g.queue, err)
	}
	return adapters.BrokerStats{
		Stream:  stream,
		Group:   groupID,
		Backlog: int64(q.Messages),
		Pending: int64(len(g.tags)),
	}, nil
}

// Ping reports whether the connection is open.
func (b *Broker) Ping(context.Context) error {
	if b.conn.IsClosed() {
		return fmt.Errorf("rabbitmq: connection closed")
	}
	return nil
}

// Close closes every channel and the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
		b.publisher = nil
	}
	for queue, g := range b.groups {
		if err := g.ch.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(b.groups, queue)
	}
	if !b.conn.IsClosed() {
		if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
