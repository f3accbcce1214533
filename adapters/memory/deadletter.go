package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

var _ adapters.DeadLetterStore = (*DeadLetterStore)(nil)

// DeadLetterStore is an in-memory DeadLetterStore. Letters are kept in
// insertion order.
type DeadLetterStore struct {
	mu      sync.RWMutex
	letters []*adapters.DeadLetter
}

// NewDeadLetterStore creates an empty dead letter store.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{}
}

// AddDeadLetter stores a copy of the letter.
func (s *DeadLetterStore) AddDeadLetter(ctx context.Context, letter *adapters.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cp := adapters.CopyDeadLetter(letter)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.FailedAt.IsZero() {
		cp.FailedAt = time.Now().UTC()
	}
	letter.ID = cp.ID

	s.mu.Lock()
	defer s.mu.Unlock()

	s.letters = append(s.letters, cp)
	return nil
}

// ListDeadLetters returns letters for the subscription, oldest first.
func (s *DeadLetterStore) ListDeadLetters(ctx context.Context, subscription string, limit int) ([]*adapters.DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*adapters.DeadLetter, 0)
	for _, letter := range s.letters {
		if subscription != "" && letter.Subscription != subscription {
			continue
		}
		result = append(result, adapters.CopyDeadLetter(letter))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// GetDeadLetter returns a letter by ID.
func (s *DeadLetterStore) GetDeadLetter(ctx context.Context, id string) (*adapters.DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, letter := range s.letters {
		if letter.ID == id {
			return adapters.CopyDeadLetter(letter), nil
		}
	}
	return nil, adapters.ErrDeadLetterNotFound
}

// DeleteDeadLetter removes a letter by ID.
func (s *DeadLetterStore) DeleteDeadLetter(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, letter := range s.letters {
		if letter.ID == id {
			s.letters = append(s.letters[:i], s.letters[i+1:]...)
			return nil
		}
	}
	return adapters.ErrDeadLetterNotFound
}

// Len returns the number of stored letters.
func (s *DeadLetterStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.letters)
}
