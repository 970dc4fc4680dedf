package journal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/docbatch/internal/core"
)

func event(kind core.MutationKind, keys ...string) *core.MutationEvent {
	return &core.MutationEvent{Kind: kind, Succeeded: keys, Failed: []string{}}
}

func TestMemoryJournalFIFO(t *testing.T) {
	j := NewMemoryJournal(8)
	ctx := context.Background()

	require.NoError(t, j.Enqueue(ctx, event(core.MutationInsert, "a")))
	require.NoError(t, j.Enqueue(ctx, event(core.MutationTouch, "b")))
	require.NoError(t, j.Enqueue(ctx, event(core.MutationRemove, "c")))
	assert.Equal(t, 3, j.Size())

	got, err := j.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, core.MutationInsert, got[0].Kind)
	assert.Equal(t, core.MutationTouch, got[1].Kind)

	got, err = j.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"c"}, got[0].Succeeded)

	got, err = j.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryJournalFull(t *testing.T) {
	j := NewMemoryJournal(1)
	ctx := context.Background()

	require.NoError(t, j.Enqueue(ctx, event(core.MutationInsert)))
	assert.ErrorIs(t, j.Enqueue(ctx, event(core.MutationInsert)), ErrMemoryJournalFull)
	assert.ErrorIs(t, j.Enqueue(ctx, nil), ErrInvalidEvent)
}

func TestMemoryJournalClose(t *testing.T) {
	j := NewMemoryJournal(4)
	ctx := context.Background()

	require.NoError(t, j.Enqueue(ctx, event(core.MutationRemove, "k")))
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	assert.ErrorIs(t, j.Enqueue(ctx, event(core.MutationRemove)), ErrMemoryJournalClosed)

	got, err := j.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1, "buffered events survive Close")
}
