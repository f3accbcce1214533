package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

var (
	_ adapters.Broker              = (*Broker)(nil)
	_ adapters.BrokerStatsProvider = (*Broker)(nil)
	_ adapters.HealthChecker       = (*Broker)(nil)
)

// Broker is an in-memory stream broker with consumer groups.
//
// Each stream is an append-only log. A consumer group reads the log once;
// messages it has read stay pending until acked. Nacked messages are put
// back and handed out again, in log order, before unread messages.
type Broker struct {
	mu      sync.Mutex
	streams map[string]*brokerStream
	wake    chan struct{}
	closed  bool
}

type brokerStream struct {
	messages []storedMessage
	index    map[string]int
	groups   map[string]*consumerGroup
}

type storedMessage struct {
	id  string
	msg adapters.Message
}

type consumerGroup struct {
	next     int
	pending  map[string]int
	released []int
	attempts map[string]int
}

// NewBroker creates an empty in-memory broker.
func NewBroker() *Broker {
	return &Broker{
		streams: make(map[string]*brokerStream),
		wake:    make(chan struct{}),
	}
}

// Publish appends a message to the stream.
func (b *Broker) Publish(ctx context.Context, stream string, msg adapters.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", adapters.ErrAdapterClosed
	}
	if stream == "" {
		return "", adapters.ErrEmptyStreamName
	}

	s := b.stream(stream)
	id := uuid.NewString()
	s.index[id] = len(s.messages)
	s.messages = append(s.messages, storedMessage{id: id, msg: copyMessage(msg)})

	close(b.wake)
	b.wake = make(chan struct{})

	return id, nil
}

// Read hands out up to count messages to the group, blocking for at most
// block when none are available.
func (b *Broker) Read(ctx context.Context, stream, group string, count int, block time.Duration) ([]adapters.Delivery, error) {
	count = adapters.DefaultLimit(count, 1)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		deliveries, wake, err := b.take(stream, group, count)
		if err != nil || len(deliveries) > 0 || block <= 0 {
			return deliveries, err
		}

		if timer == nil {
			timer = time.NewTimer(block)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			deliveries, _, err := b.take(stream, group, count)
			return deliveries, err
		case <-wake:
		}
	}
}

func (b *Broker) take(stream, group string, count int) ([]adapters.Delivery, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, adapters.ErrAdapterClosed
	}

	s := b.stream(stream)
	g := s.group(group)

	deliveries := make([]adapters.Delivery, 0, count)
	for len(deliveries) < count && len(g.released) > 0 {
		offset := g.released[0]
		g.released = g.released[1:]
		deliveries = append(deliveries, g.deliver(stream, s.messages[offset], offset))
	}
	for len(deliveries) < count && g.next < len(s.messages) {
		offset := g.next
		g.next++
		deliveries = append(deliveries, g.deliver(stream, s.messages[offset], offset))
	}

	return deliveries, b.wake, nil
}

// Ack removes messages from the group's pending list.
func (b *Broker) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return adapters.ErrAdapterClosed
	}

	g := b.stream(stream).group(group)
	for _, id := range ids {
		if _, ok := g.pending[id]; !ok {
			return adapters.ErrUnknownDelivery
		}
		delete(g.pending, id)
		delete(g.attempts, id)
	}
	return nil
}

// Nack releases pending messages so they are redelivered first.
func (b *Broker) Nack(ctx context.Context, stream, group string, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return adapters.ErrAdapterClosed
	}

	g := b.stream(stream).group(group)
	for _, id := range ids {
		offset, ok := g.pending[id]
		if !ok {
			return adapters.ErrUnknownDelivery
		}
		delete(g.pending, id)
		g.released = append(g.released, offset)
	}
	sort.Ints(g.released)
	return nil
}

// Stats reports the group's backlog and pending counts.
func (b *Broker) Stats(ctx context.Context, stream, group string) (adapters.BrokerStats, error) {
	if err := ctx.Err(); err != nil {
		return adapters.BrokerStats{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(stream)
	g := s.group(group)

	return adapters.BrokerStats{
		Stream:  stream,
		Group:   group,
		Backlog: int64(len(s.messages)-g.next) + int64(len(g.released)),
		Pending: int64(len(g.pending)),
	}, nil
}

// Len returns the number of messages ever published to the stream.
func (b *Broker) Len(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.streams[stream]; ok {
		return len(s.messages)
	}
	return 0
}

// Messages returns a copy of every message published to the stream.
func (b *Broker) Messages(stream string) []adapters.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[stream]
	if !ok {
		return nil
	}
	out := make([]adapters.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = copyMessage(m.msg)
	}
	return out
}

// Ping reports whether the broker is open.
func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return adapters.ErrAdapterClosed
	}
	return ctx.Err()
}

// Close closes the broker and wakes blocked readers.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.wake)
		b.wake = make(chan struct{})
	}
	return nil
}

func (b *Broker) stream(name string) *brokerStream {
	s, ok := b.streams[name]
	if !ok {
		s = &brokerStream{
			index:  make(map[string]int),
			groups: make(map[string]*consumerGroup),
		}
		b.streams[name] = s
	}
	return s
}

func (s *brokerStream) group(name string) *consumerGroup {
	g, ok := s.groups[name]
	if !ok {
		g = &consumerGroup{
			pending:  make(map[string]int),
			attempts: make(map[string]int),
		}
		s.groups[name] = g
	}
	return g
}

func (g *consumerGroup) deliver(stream string, m storedMessage, offset int) adapters.Delivery {
	g.pending[m.id] = offset
	g.attempts[m.id]++
	return adapters.Delivery{
		ID:      m.id,
		Stream:  stream,
		Message: copyMessage(m.msg),
		Attempt: g.attempts[m.id],
	}
}

func copyMessage(msg adapters.Message) adapters.Message {
	cp := adapters.Message{
		Key:     msg.Key,
		Payload: append([]byte(nil), msg.Payload...),
	}
	if msg.Headers != nil {
		cp.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			cp.Headers[k] = v
		}
	}
	return cp
}
