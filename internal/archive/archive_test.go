package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/convmem/internal/memory"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "nested", "evicted.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func rec(session string, seq int64, content string) memory.Record {
	return memory.Record{
		ID:        content + "-id",
		SessionID: session,
		Role:      memory.RoleHuman,
		Content:   content,
		Sequence:  seq,
		CreatedAt: time.Date(2024, 1, 15, 10, 0, int(seq), 0, time.UTC),
	}
}

func TestArchiveListOrdersBySequence(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	require.NoError(t, a.Archive(ctx, "memory", "s1", []memory.Record{rec("s1", 10, "ten"), rec("s1", 2, "two")}))
	require.NoError(t, a.Archive(ctx, "memory", "s1", []memory.Record{rec("s1", 9, "nine")}))
	require.NoError(t, a.Archive(ctx, "memory", "s10", []memory.Record{rec("s10", 1, "other")}))
	require.NoError(t, a.Archive(ctx, "other_table", "s1", []memory.Record{rec("s1", 1, "elsewhere")}))

	got, err := a.List("memory", "s1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{2, 9, 10}, []int64{got[0].Sequence, got[1].Sequence, got[2].Sequence})
	assert.Equal(t, "two", got[0].Content)
	assert.True(t, got[0].CreatedAt.Equal(time.Date(2024, 1, 15, 10, 0, 2, 0, time.UTC)))
}

func TestArchiveUnknownSessionIsEmpty(t *testing.T) {
	a := openTestArchive(t)

	got, err := a.List("missing", "nobody")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestArchivePurgeOnlyTouchesSession(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	require.NoError(t, a.Archive(ctx, "memory", "s1", []memory.Record{rec("s1", 1, "a"), rec("s1", 2, "b")}))
	require.NoError(t, a.Archive(ctx, "memory", "s2", []memory.Record{rec("s2", 1, "c")}))

	require.NoError(t, a.Purge("memory", "s1"))
	require.NoError(t, a.Purge("memory", "s1"))

	got, err := a.List("memory", "s1")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = a.List("memory", "s2")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestArchiveKeepsReusedSequences(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	require.NoError(t, a.Archive(ctx, "memory", "s1", []memory.Record{rec("s1", 1, "before-clear")}))
	require.NoError(t, a.Archive(ctx, "memory", "s1", []memory.Record{rec("s1", 1, "after-clear")}))

	got, err := a.List("memory", "s1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestArchiveHonorsCancelledContext(t *testing.T) {
	a := openTestArchive(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.Archive(ctx, "memory", "s1", []memory.Record{rec("s1", 1, "a")})
	require.ErrorIs(t, err, context.Canceled)
}

func TestArchiveReceivesStoreEvictions(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	db := memory.NewInMemoryDatabase()

	store, err := memory.NewStore(ctx, db, memory.StoreConfig{
		SessionID:   "s1",
		Target:      "conversation_memory",
		MaxMessages: 3,
	}, memory.WithArchive(a))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.AppendHuman(ctx, "turn")
		require.NoError(t, err)
	}

	got, err := a.List("conversation_memory", "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Sequence)
	assert.Equal(t, int64(2), got[1].Sequence)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}
