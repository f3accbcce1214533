package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

func TestDeadLetterStore(t *testing.T) {
	ctx := context.Background()
	store := NewDeadLetterStore()

	first := &adapters.DeadLetter{Subscription: "billing", MessageID: "m1", RetryCount: 3, LastError: "boom"}
	require.NoError(t, store.AddDeadLetter(ctx, first))
	require.NoError(t, store.AddDeadLetter(ctx, &adapters.DeadLetter{Subscription: "shipping", MessageID: "m2"}))
	require.NoError(t, store.AddDeadLetter(ctx, &adapters.DeadLetter{Subscription: "billing", MessageID: "m3"}))

	assert.NotEmpty(t, first.ID)
	assert.Equal(t, 3, store.Len())

	t.Run("list filters by subscription", func(t *testing.T) {
		letters, err := store.ListDeadLetters(ctx, "billing", 0)
		require.NoError(t, err)
		require.Len(t, letters, 2)
		assert.Equal(t, "m1", letters[0].MessageID)
		assert.Equal(t, "m3", letters[1].MessageID)
		assert.False(t, letters[0].FailedAt.IsZero())
	})

	t.Run("list everything with limit", func(t *testing.T) {
		letters, err := store.ListDeadLetters(ctx, "", 2)
		require.NoError(t, err)
		assert.Len(t, letters, 2)
	})

	t.Run("get and delete", func(t *testing.T) {
		letter, err := store.GetDeadLetter(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, letter.RetryCount)
		assert.Equal(t, "boom", letter.LastError)

		require.NoError(t, store.DeleteDeadLetter(ctx, first.ID))
		_, err = store.GetDeadLetter(ctx, first.ID)
		assert.ErrorIs(t, err, ErrDeadLetterNotFound)
		assert.ErrorIs(t, store.DeleteDeadLetter(ctx, first.ID), ErrDeadLetterNotFound)
	})
}
