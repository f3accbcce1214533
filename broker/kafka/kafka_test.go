package kafka

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// fakeTopic is an in-process stand-in for a single-partition topic.
type fakeTopic struct {
	mu        sync.Mutex
	messages  []kafkago.Message
	committed int64
	next      int64
	closed    bool
}

func (f *fakeTopic) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		m.Offset = int64(len(f.messages))
		f.messages = append(f.messages, m)
	}
	return nil
}

func (f *fakeTopic) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	for {
		f.mu.Lock()
		if f.next < int64(len(f.messages)) {
			m := f.messages[f.next]
			f.next++
			f.mu.Unlock()
			return m, nil
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return kafkago.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (f *fakeTopic) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		if m.Offset+1 > f.committed {
			f.committed = m.Offset + 1
		}
	}
	return nil
}

func (f *fakeTopic) Stats() kafkago.ReaderStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return kafkago.ReaderStats{Lag: int64(len(f.messages)) - f.next}
}

func (f *fakeTopic) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newFakeBroker() (*Broker, *fakeTopic) {
	topic := &fakeTopic{}
	b := New()
	b.newWriter = func(string) messageWriter { return topic }
	b.newReader = func(string, string) messageReader { return topic }
	return b, topic
}

func TestNew_Defaults(t *testing.T) {
	b := New()
	assert.Equal(t, []string{"localhost:9092"}, b.brokers)
	assert.IsType(t, &kafkago.Hash{}, b.balancer)
	assert.Equal(t, kafkago.FirstOffset, b.startOffset)
}

func TestNew_Options(t *testing.T) {
	balancer := &kafkago.RoundRobin{}
	b := New(
		WithBrokers("broker1:9092", "broker2:9092"),
		WithBalancer(balancer),
		WithBatchTimeout(500*time.Millisecond),
		WithStartFromLatest(),
	)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, b.brokers)
	assert.Equal(t, balancer, b.balancer)
	assert.Equal(t, 500*time.Millisecond, b.batchTimeout)
	assert.Equal(t, kafkago.LastOffset, b.startOffset)
}

func TestBroker_PublishRead(t *testing.T) {
	ctx := context.Background()
	b, topic := newFakeBroker()

	id, err := b.Publish(ctx, "order", adapters.Message{
		Key:     "order-1",
		Payload: []byte(`{"n":1}`),
		Headers: map[string]string{"keel-event-type": "OrderPlaced"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = b.Publish(ctx, "", adapters.Message{})
	assert.Error(t, err)

	require.Len(t, topic.messages, 1)
	assert.Equal(t, []byte("order-1"), topic.messages[0].Key)

	deliveries, err := b.Read(ctx, "order", "projector", 10, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, id, deliveries[0].ID)
	assert.Equal(t, 1, deliveries[0].Attempt)
	assert.Equal(t, "order-1", deliveries[0].Message.Key)
	assert.Equal(t, "OrderPlaced", deliveries[0].Message.Headers["keel-event-type"])
	assert.NotContains(t, deliveries[0].Message.Headers, HeaderMessageID)

	empty, err := b.Read(ctx, "order", "projector", 10, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, b.Ack(ctx, "order", "projector", id))
	assert.Equal(t, int64(1), topic.committed)
	assert.ErrorIs(t, b.Ack(ctx, "order", "projector", id), adapters.ErrUnknownDelivery)
}

func TestBroker_NackRedeliversFirst(t *testing.T) {
	ctx := context.Background()
	b, _ := newFakeBroker()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := b.Publish(ctx, "order", adapters.Message{Key: "order-1", Payload: []byte(fmt.Sprint(i))})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	first, err := b.Read(ctx, "order", "g", 2, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 2)

	require.NoError(t, b.Ack(ctx, "order", "g", ids[0]))
	require.NoError(t, b.Nack(ctx, "order", "g", ids[1]))
	assert.ErrorIs(t, b.Nack(ctx, "order", "g", "unknown"), adapters.ErrUnknownDelivery)

	stats, err := b.Stats(ctx, "order", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Backlog)
	assert.Zero(t, stats.Pending)

	again, err := b.Read(ctx, "order", "g", 2, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, ids[1], again[0].ID)
	assert.Equal(t, 2, again[0].Attempt)
	assert.Equal(t, ids[2], again[1].ID)
	assert.Equal(t, 1, again[1].Attempt)

	stats, err = b.Stats(ctx, "order", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending)
}

func TestBroker_Close(t *testing.T) {
	ctx := context.Background()
	b, topic := newFakeBroker()
	_, err := b.Publish(ctx, "order", adapters.Message{Payload: []byte("x")})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	assert.True(t, topic.closed)
	assert.Empty(t, b.writers)
}

func TestToDelivery_WithoutMessageID(t *testing.T) {
	d := toDelivery("order", kafkago.Message{Partition: 2, Offset: 41, Value: []byte("x")})
	assert.Equal(t, "2/41", d.ID)
	assert.Equal(t, "order", d.Stream)
}

// =============================================================================
// Integration tests
// =============================================================================

func setupIntegration(t *testing.T) (*Broker, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test (short mode)")
	}
	brokers := os.Getenv("TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("TEST_KAFKA_BROKERS not set")
	}

	topic := fmt.Sprintf("test-%d", time.Now().UnixNano())
	createTopic(t, brokers, topic)

	b := New(WithBrokers(brokers))
	b.transport = &kafkago.Transport{}
	t.Cleanup(func() { _ = b.Close() })
	return b, topic
}

// createTopic pre-creates a Kafka topic and waits until it's available.
func createTopic(t *testing.T, brokers string, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", brokers)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	controllerConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, fmt.Sprintf("%d", controller.Port)))
	require.NoError(t, err)
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		partitions, err := conn.ReadPartitions(topic)
		if err == nil && len(partitions) > 0 {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("topic %s not available after 10s", topic)
}

func TestBroker_Integration(t *testing.T) {
	b, topic := setupIntegration(t)
	ctx := context.Background()

	require.NoError(t, b.Ping(ctx))

	id, err := b.Publish(ctx, topic, adapters.Message{Key: "order-1", Payload: []byte(`{"id":"1"}`)})
	require.NoError(t, err)

	var deliveries []adapters.Delivery
	require.Eventually(t, func() bool {
		deliveries, err = b.Read(ctx, topic, "it", 1, time.Second)
		return err == nil && len(deliveries) == 1
	}, 30*time.Second, 100*time.Millisecond)

	assert.Equal(t, id, deliveries[0].ID)
	assert.Equal(t, []byte(`{"id":"1"}`), deliveries[0].Message.Payload)
	require.NoError(t, b.Ack(ctx, topic, "it", id))
}
