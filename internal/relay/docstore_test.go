package relay

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comandos-hq/fieldlink/internal/database"
	"github.com/comandos-hq/fieldlink/pkg/streaming"
)

// newTestStore opens a private in-memory SQLite store.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	mgr := database.NewManager(database.Config{}, zerolog.Nop())
	require.NoError(t, mgr.Connect())
	require.NoError(t, mgr.Setup(&Document{}))
	t.Cleanup(func() { _ = mgr.Close() })
	assert.Equal(t, "sqlite", mgr.Dialect())
	return NewStore(mgr.DB)
}

func TestStore_MissingDocument(t *testing.T) {
	store := newTestStore(t)

	snap, err := store.Get(context.Background(), "operations/op-001")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	assert.Equal(t, "op-001", snap.ID)
	assert.Equal(t, "operations/op-001", snap.Path)
}

func TestStore_SetMergeDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Apply(ctx, []streaming.BatchOp{{
		Op: opSet, Path: "ranking/FALCON",
		Data: map[string]any{"callsign": "FALCON", "score": 100},
	}}))
	snap, err := store.Get(ctx, "ranking/FALCON")
	require.NoError(t, err)
	require.True(t, snap.Exists)
	assert.Equal(t, "FALCON", snap.Data["callsign"])
	assert.Equal(t, float64(100), snap.Data["score"])

	require.NoError(t, store.Apply(ctx, []streaming.BatchOp{{
		Op: opMerge, Path: "ranking/FALCON", Data: map[string]any{"score": 250},
	}}))
	snap, err = store.Get(ctx, "ranking/FALCON")
	require.NoError(t, err)
	assert.Equal(t, "FALCON", snap.Data["callsign"], "merge keeps untouched fields")
	assert.Equal(t, float64(250), snap.Data["score"])

	require.NoError(t, store.Apply(ctx, []streaming.BatchOp{{
		Op: opSet, Path: "ranking/FALCON", Data: map[string]any{"score": 1},
	}}))
	snap, err = store.Get(ctx, "ranking/FALCON")
	require.NoError(t, err)
	assert.NotContains(t, snap.Data, "callsign", "set replaces the body")

	require.NoError(t, store.Apply(ctx, []streaming.BatchOp{{Op: opDelete, Path: "ranking/FALCON"}}))
	snap, err = store.Get(ctx, "ranking/FALCON")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestStore_MergeCreates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Apply(ctx, []streaming.BatchOp{{
		Op: opMerge, Path: "operations/op-001", Data: map[string]any{"isActive": true},
	}}))
	snap, err := store.Get(ctx, "operations/op-001")
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	assert.Equal(t, true, snap.Data["isActive"])
}

func TestStore_ListOrderedByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Apply(ctx, []streaming.BatchOp{
		{Op: opSet, Path: "ranking/ZULU", Data: map[string]any{"score": 1}},
		{Op: opSet, Path: "ranking/ALPHA", Data: map[string]any{"score": 2}},
		{Op: opSet, Path: "operations/op-001", Data: map[string]any{"name": "OP"}},
	}))

	snap, err := store.List(ctx, "ranking")
	require.NoError(t, err)
	assert.Equal(t, "ranking", snap.Path)
	require.Len(t, snap.Docs, 2)
	assert.Equal(t, "ALPHA", snap.Docs[0].ID)
	assert.Equal(t, "ranking/ALPHA", snap.Docs[0].Path)
	assert.Equal(t, "ZULU", snap.Docs[1].ID)

	empty, err := store.List(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, empty.Docs)
}

func TestStore_RejectsBadBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Apply(ctx, []streaming.BatchOp{
		{Op: opMerge, Path: "ranking/FALCON", Data: map[string]any{"score": 1}},
		{Op: "truncate", Path: "ranking/ALPHA"},
	})
	require.Error(t, err)

	err = store.Apply(ctx, []streaming.BatchOp{{Op: opMerge, Path: "ranking"}})
	require.Error(t, err)

	snap, err := store.List(ctx, "ranking")
	require.NoError(t, err)
	assert.Empty(t, snap.Docs, "a rejected batch stores nothing")
}

func TestStore_StripsNulls(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Apply(ctx, []streaming.BatchOp{{
		Op: opSet, Path: "ranking/FALCON",
		Data: map[string]any{"callsign": "FALCON", "lat": nil},
	}}))
	snap, err := store.Get(ctx, "ranking/FALCON")
	require.NoError(t, err)
	assert.NotContains(t, snap.Data, "lat")
}
