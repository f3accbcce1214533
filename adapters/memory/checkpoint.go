package memory

import (
	"context"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

var _ adapters.CheckpointAdapter = (*CheckpointStore)(nil)

// Checkpoint represents a stored consumer position.
type Checkpoint struct {
	Name      string
	Position  uint64
	UpdatedAt time.Time
}

// CheckpointStore is an in-memory CheckpointAdapter.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewCheckpointStore creates a new in-memory checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{
		checkpoints: make(map[string]*Checkpoint),
	}
}

// GetCheckpoint returns the stored position, or 0 if none exists.
func (s *CheckpointStore) GetCheckpoint(ctx context.Context, name string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if cp, ok := s.checkpoints[name]; ok {
		return cp.Position, nil
	}
	return 0, nil
}

// SetCheckpoint stores the position. Lower positions are ignored.
func (s *CheckpointStore) SetCheckpoint(ctx context.Context, name string, position uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cp, ok := s.checkpoints[name]; ok && cp.Position >= position {
		return nil
	}

	s.checkpoints[name] = &Checkpoint{
		Name:      name,
		Position:  position,
		UpdatedAt: time.Now(),
	}
	return nil
}

// GetAllCheckpoints returns all stored checkpoints keyed by name.
func (s *CheckpointStore) GetAllCheckpoints(ctx context.Context) (map[string]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]uint64, len(s.checkpoints))
	for name, cp := range s.checkpoints {
		result[name] = cp.Position
	}
	return result, nil
}

// Clear removes all checkpoints.
func (s *CheckpointStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints = make(map[string]*Checkpoint)
}

// Len returns the number of checkpoints.
func (s *CheckpointStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.checkpoints)
}
