package keel

import (
	"context"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// DeliveryState tracks a broker message through one batch.
type DeliveryState int

const (
	DeliveryPending DeliveryState = iota
	DeliveryDelivered
	DeliveryAcked
	DeliveryNacked
)

// String returns the state name.
func (s DeliveryState) String() string {
	switch s {
	case DeliveryPending:
		return "pending"
	case DeliveryDelivered:
		return "delivered"
	case DeliveryAcked:
		return "acked"
	case DeliveryNacked:
		return "nacked"
	default:
		return "unknown"
	}
}

// deliveryAttempt is the retry record of a message that failed at least once.
type deliveryAttempt struct {
	count     int
	lastError string
}

// streamConsumer reads a broker stream through a consumer group.
type streamConsumer struct {
	sub         *subscription
	store       *EventStore
	broker      adapters.Broker
	deadLetters adapters.DeadLetterStore

	// attempts is keyed by broker message id, which is stable across
	// redeliveries.
	attempts map[string]*deliveryAttempt

	// settled is the highest sequence settled per event stream. Brokers
	// only keep order within a stream key, so duplicates are detected per
	// stream rather than against the global position.
	settled map[string]int64
}

func newStreamConsumer(sub *subscription, store *EventStore, broker adapters.Broker, deadLetters adapters.DeadLetterStore) *streamConsumer {
	return &streamConsumer{
		sub:         sub,
		store:       store,
		broker:      broker,
		deadLetters: deadLetters,
		attempts:    make(map[string]*deliveryAttempt),
		settled:     make(map[string]int64),
	}
}

// batch holds the per-message states of one read.
type batch struct {
	deliveries []adapters.Delivery
	states     []DeliveryState
}

// unsettled returns ids of messages neither acked nor nacked.
func (b *batch) unsettled(from int) []string {
	var ids []string
	for i := from; i < len(b.deliveries); i++ {
		if b.states[i] == DeliveryPending || b.states[i] == DeliveryDelivered {
			ids = append(ids, b.deliveries[i].ID)
		}
	}
	return ids
}

func (c *streamConsumer) tick(ctx, stopCtx context.Context) (int, error) {
	cfg := c.sub.cfg
	deliveries, err := c.broker.Read(stopCtx, cfg.Stream, cfg.ConsumerGroup, cfg.MessagesPerTick, cfg.BlockingTimeout)
	if err != nil {
		return 0, fmt.Errorf("keel: read %s/%s: %w", cfg.Stream, cfg.ConsumerGroup, err)
	}
	if len(deliveries) == 0 {
		return 0, nil
	}

	b := &batch{deliveries: deliveries, states: make([]DeliveryState, len(deliveries))}
	for i := range deliveries {
		retry, err := c.process(ctx, b, i)
		if err != nil || retry {
			// Release whatever this batch still holds so nothing stays claimed.
			if nackErr := c.nack(ctx, b, i); nackErr != nil && err == nil {
				err = nackErr
			}
			if retry && err == nil {
				sleep(stopCtx, cfg.RetryDelay)
			}
			return len(deliveries), err
		}
	}
	return len(deliveries), nil
}

// process handles delivery i. It returns retry=true when the message was
// failed and must be redelivered.
func (c *streamConsumer) process(ctx context.Context, b *batch, i int) (bool, error) {
	d := b.deliveries[i]
	b.states[i] = DeliveryDelivered

	evt, err := DecodeMessage(d.Message)
	if err == nil {
		evt, err = c.store.Decode(evt)
	}
	if err != nil {
		// Undecodable messages can never succeed.
		return false, c.exhausted(ctx, b, i, Event{}, err.Error())
	}

	if prior, ok := c.attempts[d.ID]; ok && prior.count > c.sub.cfg.MaxRetries {
		return false, c.exhausted(ctx, b, i, evt, prior.lastError)
	}

	if c.duplicate(evt) && !isRequeued(d.Message) {
		c.sub.logger.Debug("duplicate skipped", "subscription", c.sub.cfg.Name,
			"event_id", evt.ID, "stream", evt.StreamName, "sequence", evt.SequenceID)
		return false, c.ack(ctx, b, i)
	}

	if c.sub.skipOrigin(evt) {
		if err := c.ack(ctx, b, i); err != nil {
			return false, err
		}
		c.settle(evt)
		c.sub.advance(evt.GlobalPosition, false)
		return false, nil
	}

	if err := c.sub.dispatch(ctx, evt); err != nil {
		attempt := c.attempts[d.ID]
		if attempt == nil {
			attempt = &deliveryAttempt{}
			c.attempts[d.ID] = attempt
		}
		attempt.count++
		attempt.lastError = err.Error()
		c.sub.setError(err)

		if attempt.count <= c.sub.cfg.MaxRetries {
			c.sub.logger.Warn("handler failed, retrying", "subscription", c.sub.cfg.Name,
				"event_id", evt.ID, "attempt", attempt.count, "error", err)
			c.sub.metrics.RecordRetry(c.sub.cfg.Name)
			return true, nil
		}
		return false, c.exhausted(ctx, b, i, evt, attempt.lastError)
	}

	delete(c.attempts, d.ID)
	if err := c.ack(ctx, b, i); err != nil {
		return false, err
	}
	c.settle(evt)
	c.sub.advance(evt.GlobalPosition, true)
	return false, nil
}

// duplicate reports whether an event at or before evt's sequence in the
// same stream was already settled by this consumer.
func (c *streamConsumer) duplicate(evt Event) bool {
	if evt.StreamName == "" {
		return false
	}
	last, ok := c.settled[evt.StreamName]
	return ok && evt.SequenceID <= last
}

func (c *streamConsumer) settle(evt Event) {
	if evt.StreamName == "" {
		return
	}
	if last, ok := c.settled[evt.StreamName]; !ok || evt.SequenceID > last {
		c.settled[evt.StreamName] = evt.SequenceID
	}
}

// exhausted dead-letters delivery i, or halts the subscription when
// dead-lettering is disabled.
func (c *streamConsumer) exhausted(ctx context.Context, b *batch, i int, evt Event, lastError string) error {
	d := b.deliveries[i]
	cfg := c.sub.cfg

	retries := 0
	if attempt, ok := c.attempts[d.ID]; ok {
		retries = attempt.count
	}

	if !cfg.EnableDLQ || c.deadLetters == nil {
		return fmt.Errorf("%w: %s gave up on message %s after %d attempts: %s",
			ErrSubscriptionHalted, cfg.Name, d.ID, retries, lastError)
	}

	letter := &adapters.DeadLetter{
		Subscription:  cfg.Name,
		ConsumerGroup: cfg.ConsumerGroup,
		Stream:        d.Stream,
		MessageID:     d.ID,
		EventID:       evt.ID,
		EventType:     evt.Type,
		Payload:       d.Message.Payload,
		RetryCount:    retries,
		LastError:     lastError,
		FailedAt:      time.Now().UTC(),
	}
	if err := c.deadLetters.AddDeadLetter(ctx, letter); err != nil {
		return fmt.Errorf("keel: dead-letter message %s: %w", d.ID, err)
	}
	c.sub.logger.Warn("message dead-lettered", "subscription", cfg.Name,
		"message_id", d.ID, "event_id", evt.ID, "retry_count", retries, "error", lastError)
	c.sub.recordDeadLetter()

	delete(c.attempts, d.ID)
	if err := c.ack(ctx, b, i); err != nil {
		return err
	}
	c.settle(evt)
	c.sub.advance(evt.GlobalPosition, false)
	return nil
}

func (c *streamConsumer) ack(ctx context.Context, b *batch, i int) error {
	if err := c.broker.Ack(ctx, c.sub.cfg.Stream, c.sub.cfg.ConsumerGroup, b.deliveries[i].ID); err != nil {
		return fmt.Errorf("keel: ack %s: %w", b.deliveries[i].ID, err)
	}
	b.states[i] = DeliveryAcked
	return nil
}

// nack releases delivery from and every unsettled message after it.
func (c *streamConsumer) nack(ctx context.Context, b *batch, from int) error {
	ids := b.unsettled(from)
	if len(ids) == 0 {
		return nil
	}
	if err := c.broker.Nack(context.WithoutCancel(ctx), c.sub.cfg.Stream, c.sub.cfg.ConsumerGroup, ids...); err != nil {
		return fmt.Errorf("keel: nack: %w", err)
	}
	for i := from; i < len(b.deliveries); i++ {
		if b.states[i] != DeliveryAcked {
			b.states[i] = DeliveryNacked
		}
	}
	return nil
}
