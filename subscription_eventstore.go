package keel

import (
	"context"
	"fmt"
)

// storeConsumer reads a category straight from the event store. It has no
// retry or dead-letter handling: a failing handler faults the subscription
// and leaves its position at the last event handled.
type storeConsumer struct {
	sub   *subscription
	store *EventStore
}

func (c *storeConsumer) tick(ctx, stopCtx context.Context) (int, error) {
	cfg := c.sub.cfg
	events, err := c.store.ReadCategory(stopCtx, cfg.Stream, c.sub.currentPosition(), cfg.MessagesPerTick)
	if err != nil {
		if !isTransient(err) && stopCtx.Err() == nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrSubscriptionFaulted, cfg.Name, err)
		}
		return 0, err
	}

	for _, evt := range events {
		if c.sub.skipOrigin(evt) {
			c.sub.advance(evt.GlobalPosition, false)
			continue
		}
		if err := c.sub.dispatch(ctx, evt); err != nil {
			return len(events), fmt.Errorf("%w: %s failed on event %s at position %d: %w",
				ErrSubscriptionFaulted, cfg.Name, evt.ID, evt.GlobalPosition, err)
		}
		c.sub.advance(evt.GlobalPosition, true)
	}
	return len(events), nil
}
