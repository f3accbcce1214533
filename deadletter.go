package keel

import (
	"context"
	"fmt"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// DeadLetter is a message that exhausted its retries.
type DeadLetter = adapters.DeadLetter

// DeadLetterStore persists dead letters.
type DeadLetterStore = adapters.DeadLetterStore

// RequeueDeadLetter publishes a dead letter back onto its stream and removes
// it from the store. The message is marked so stream subscriptions deliver
// it even though their position already moved past it. Dead letters are
// never requeued automatically.
func RequeueDeadLetter(ctx context.Context, store DeadLetterStore, publisher adapters.Publisher, id string) (string, error) {
	letter, err := store.GetDeadLetter(ctx, id)
	if err != nil {
		return "", err
	}

	msg := adapters.Message{
		Payload: letter.Payload,
		Headers: map[string]string{
			HeaderRequeued: "true",
		},
	}
	if letter.EventType != "" {
		msg.Headers[HeaderEventType] = letter.EventType
	}
	if letter.EventID != "" {
		msg.Headers[HeaderEventID] = letter.EventID
	}
	if evt, err := DecodeMessage(adapters.Message{Payload: letter.Payload}); err == nil {
		msg.Key = evt.StreamName
		if evt.Headers.TraceID != "" {
			msg.Headers[HeaderTraceID] = evt.Headers.TraceID
		}
	}

	messageID, err := publisher.Publish(ctx, letter.Stream, msg)
	if err != nil {
		return "", fmt.Errorf("keel: requeue dead letter %s: %w", id, err)
	}
	if err := store.DeleteDeadLetter(ctx, id); err != nil {
		return messageID, fmt.Errorf("keel: requeued dead letter %s as %s but could not delete it: %w", id, messageID, err)
	}
	return messageID, nil
}
