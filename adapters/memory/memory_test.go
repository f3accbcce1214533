package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

func records(types ...string) []adapters.EventRecord {
	out := make([]adapters.EventRecord, len(types))
	for i, typ := range types {
		out[i] = adapters.EventRecord{Type: typ, SchemaVersion: 1, Data: []byte(`{}`)}
	}
	return out
}

func TestNewAdapter(t *testing.T) {
	adapter := NewAdapter()

	assert.Equal(t, 0, adapter.EventCount())
	assert.Equal(t, 0, adapter.StreamCount())
	assert.NoError(t, adapter.Initialize(context.Background()))
}

func TestMemoryAdapter_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("append to new stream starts at sequence zero", func(t *testing.T) {
		adapter := NewAdapter()

		stored, err := adapter.Append(ctx, "order-123", records("OrderCreated"), adapters.NoStream)

		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, "order-123", stored[0].StreamName)
		assert.Equal(t, "OrderCreated", stored[0].Type)
		assert.Equal(t, int64(0), stored[0].SequenceID)
		assert.Equal(t, uint64(1), stored[0].GlobalPosition)
		assert.NotEmpty(t, stored[0].ID)
		assert.False(t, stored[0].Timestamp.IsZero())
	})

	t.Run("sequence ids are contiguous across appends", func(t *testing.T) {
		adapter := NewAdapter()

		_, err := adapter.Append(ctx, "order-1", records("A", "B"), 0)
		require.NoError(t, err)
		stored, err := adapter.Append(ctx, "order-1", records("C", "D", "E"), 2)
		require.NoError(t, err)

		for i, e := range stored {
			assert.Equal(t, int64(2+i), e.SequenceID)
		}

		info, err := adapter.GetStreamInfo(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, int64(5), info.Version)
		assert.Equal(t, "order", info.Category)
	})

	t.Run("keeps caller assigned id and checksum", func(t *testing.T) {
		adapter := NewAdapter()

		stored, err := adapter.Append(ctx, "order-1", []adapters.EventRecord{
			{ID: "evt-1", Type: "A", Data: []byte(`{}`), Checksum: "abc"},
		}, adapters.AnyVersion)

		require.NoError(t, err)
		assert.Equal(t, "evt-1", stored[0].ID)
		assert.Equal(t, "abc", stored[0].Checksum)
	})

	t.Run("stale expected version conflicts", func(t *testing.T) {
		adapter := NewAdapter()
		_, err := adapter.Append(ctx, "order-1", records("A"), 0)
		require.NoError(t, err)

		_, err = adapter.Append(ctx, "order-1", records("B"), 0)

		var concErr *adapters.ConcurrencyError
		require.ErrorAs(t, err, &concErr)
		assert.Equal(t, int64(0), concErr.ExpectedVersion)
		assert.Equal(t, int64(1), concErr.ActualVersion)
		assert.Equal(t, 1, adapter.EventCount())
	})

	t.Run("any version skips the check", func(t *testing.T) {
		adapter := NewAdapter()
		_, err := adapter.Append(ctx, "order-1", records("A"), adapters.AnyVersion)
		require.NoError(t, err)
		_, err = adapter.Append(ctx, "order-1", records("B"), adapters.AnyVersion)
		require.NoError(t, err)
	})

	t.Run("validates input", func(t *testing.T) {
		adapter := NewAdapter()

		_, err := adapter.Append(ctx, "", records("A"), 0)
		assert.ErrorIs(t, err, ErrEmptyStreamName)

		_, err = adapter.Append(ctx, "order-1", nil, 0)
		assert.ErrorIs(t, err, ErrNoEvents)

		_, err = adapter.Append(ctx, "order-1", records("A"), -7)
		assert.ErrorIs(t, err, ErrInvalidVersion)
	})

	t.Run("closed adapter rejects appends", func(t *testing.T) {
		adapter := NewAdapter()
		require.NoError(t, adapter.Close())

		_, err := adapter.Append(ctx, "order-1", records("A"), 0)
		assert.ErrorIs(t, err, ErrAdapterClosed)
	})

	t.Run("cancelled context", func(t *testing.T) {
		adapter := NewAdapter()
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := adapter.Append(cctx, "order-1", records("A"), 0)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryAdapter_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()
	_, err := adapter.Append(ctx, "order-1", records("Created"), 0)
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, conflicts := 0, 0

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := adapter.Append(ctx, "order-1", records("Updated"), 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrConcurrencyConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, writers-1, conflicts)
	assert.Equal(t, 2, adapter.EventCount())
}

func TestMemoryAdapter_Load(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()
	_, err := adapter.Append(ctx, "order-1", records("A", "B", "C", "D"), 0)
	require.NoError(t, err)

	t.Run("from sequence", func(t *testing.T) {
		events, err := adapter.Load(ctx, "order-1", 2, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "C", events[0].Type)
		assert.Equal(t, int64(2), events[0].SequenceID)
	})

	t.Run("with limit", func(t *testing.T) {
		events, err := adapter.Load(ctx, "order-1", 1, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "B", events[0].Type)
		assert.Equal(t, "C", events[1].Type)
	})

	t.Run("past the end", func(t *testing.T) {
		events, err := adapter.Load(ctx, "order-1", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("unknown stream is empty", func(t *testing.T) {
		events, err := adapter.Load(ctx, "order-404", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("returned events are copies", func(t *testing.T) {
		events, err := adapter.Load(ctx, "order-1", 0, 1)
		require.NoError(t, err)
		events[0].Data[0] = 'x'

		again, err := adapter.Load(ctx, "order-1", 0, 1)
		require.NoError(t, err)
		assert.Equal(t, "{}", string(again[0].Data))
	})
}

func TestMemoryAdapter_LoadCategory(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()

	for i := 0; i < 3; i++ {
		_, err := adapter.Append(ctx, fmt.Sprintf("order-%d", i), records("OrderPlaced"), 0)
		require.NoError(t, err)
		_, err = adapter.Append(ctx, fmt.Sprintf("user-%d", i), records("UserJoined"), 0)
		require.NoError(t, err)
	}

	events, err := adapter.LoadCategory(ctx, "order", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].GlobalPosition)
	assert.Equal(t, uint64(3), events[1].GlobalPosition)
	assert.Equal(t, uint64(5), events[2].GlobalPosition)

	events, err = adapter.LoadCategory(ctx, "order", 3, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "order-2", events[0].StreamName)

	events, err = adapter.LoadCategory(ctx, "order", 0, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestMemoryAdapter_LoadFromPosition(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()
	_, err := adapter.Append(ctx, "order-1", records("A", "B"), 0)
	require.NoError(t, err)
	_, err = adapter.Append(ctx, "user-1", records("C"), 0)
	require.NoError(t, err)

	events, err := adapter.LoadFromPosition(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "B", events[0].Type)
	assert.Equal(t, "C", events[1].Type)

	last, err := adapter.GetLastPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
}

func TestMemoryAdapter_GetStreamInfo(t *testing.T) {
	adapter := NewAdapter()

	_, err := adapter.GetStreamInfo(context.Background(), "order-1")
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestMemoryAdapter_Snapshots(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()

	snap, err := adapter.LoadSnapshot(ctx, "order-1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	require.NoError(t, adapter.SaveSnapshot(ctx, adapters.SnapshotRecord{StreamName: "order-1", Version: 10, State: []byte(`{"n":10}`)}))
	require.NoError(t, adapter.SaveSnapshot(ctx, adapters.SnapshotRecord{StreamName: "order-1", Version: 20, State: []byte(`{"n":20}`)}))

	snap, err = adapter.LoadSnapshot(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(20), snap.Version)
	assert.Equal(t, `{"n":20}`, string(snap.State))
	assert.False(t, snap.TakenAt.IsZero())

	require.NoError(t, adapter.DeleteSnapshot(ctx, "order-1"))
	snap, err = adapter.LoadSnapshot(ctx, "order-1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	assert.ErrorIs(t, adapter.SaveSnapshot(ctx, adapters.SnapshotRecord{}), ErrEmptyStreamName)
}

func TestMemoryAdapter_Checkpoints(t *testing.T) {
	ctx := context.Background()
	shared := NewCheckpointStore()
	adapter := NewAdapter(WithCheckpointStore(shared))

	require.NoError(t, adapter.SetCheckpoint(ctx, "billing", 7))
	pos, err := shared.GetCheckpoint(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), pos)
}

func TestMemoryAdapter_Corrupt(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()
	_, err := adapter.Append(ctx, "order-1", records("A"), 0)
	require.NoError(t, err)

	assert.True(t, adapter.Corrupt("order-1", 0, []byte(`{"tampered":true}`)))
	assert.False(t, adapter.Corrupt("order-1", 5, nil))

	events, err := adapter.Load(ctx, "order-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, `{"tampered":true}`, string(events[0].Data))
}

func TestMemoryAdapter_Reset(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()
	_, err := adapter.Append(ctx, "order-1", records("A"), 0)
	require.NoError(t, err)
	require.NoError(t, adapter.SetCheckpoint(ctx, "c", 1))

	adapter.Reset()

	assert.Equal(t, 0, adapter.EventCount())
	last, err := adapter.GetLastPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)
	pos, err := adapter.GetCheckpoint(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pos)
}

func TestMemoryAdapter_Ping(t *testing.T) {
	adapter := NewAdapter()
	assert.NoError(t, adapter.Ping(context.Background()))

	require.NoError(t, adapter.Close())
	assert.ErrorIs(t, adapter.Ping(context.Background()), ErrAdapterClosed)
}
