package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEntity(id string) *Entity {
	return &Entity{
		ID:        EntityID(id),
		Type:      "document",
		Vector:    []float32{1, 0, 0, 0},
		Metadata:  map[string]any{"title": id},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func TestMemoryEnginePutGetEntity(t *testing.T) {
	ctx := context.Background()
	eng := NewMemoryEngine()
	e := newTestEntity("e1")
	require.NoError(t, eng.PutEntity(ctx, e))

	got, err := eng.GetEntity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, e.Type, got.Type)
	assert.Equal(t, "e1", got.Metadata["title"])

	// mutating the returned clone must not affect the stored copy
	got.Metadata["title"] = "mutated"
	got2, err := eng.GetEntity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", got2.Metadata["title"])
}

func TestMemoryEngineGetEntityNotFound(t *testing.T) {
	eng := NewMemoryEngine()
	_, err := eng.GetEntity(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryEngineDeleteEntityCascadesAdjacency(t *testing.T) {
	ctx := context.Background()
	eng := NewMemoryEngine()
	require.NoError(t, eng.PutEntity(ctx, newTestEntity("a")))
	require.NoError(t, eng.PutEntity(ctx, newTestEntity("b")))
	require.NoError(t, eng.PutEdge(ctx, &Edge{ID: "e1", SourceID: "a", TargetID: "b", Verb: "references", Weight: 0.5}))

	ok, err := eng.DeleteEntity(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	edges, err := eng.ListEdgesBySource(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestMemoryEnginePutEdgeRejectsUnknownEndpoints(t *testing.T) {
	ctx := context.Background()
	eng := NewMemoryEngine()
	require.NoError(t, eng.PutEntity(ctx, newTestEntity("a")))
	err := eng.PutEdge(ctx, &Edge{ID: "e1", SourceID: "a", TargetID: "ghost", Verb: "references"})
	assert.ErrorIs(t, err, ErrInvalidEdge)
}

func TestMemoryEngineListEntityIDsPaginates(t *testing.T) {
	ctx := context.Background()
	eng := NewMemoryEngine()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, eng.PutEntity(ctx, newTestEntity(id)))
	}
	ids, cursor, err := eng.ListEntityIDs(ctx, "", "", 2)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.NotEmpty(t, cursor)

	rest, cursor2, err := eng.ListEntityIDs(ctx, "", cursor, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
	assert.Empty(t, cursor2)
}

func TestMemoryEngineBatchCommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	eng := NewMemoryEngine()
	batch, err := eng.BeginBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.PutEntity(newTestEntity("a")))
	require.NoError(t, batch.PutEntity(newTestEntity("b")))

	// nothing visible before commit
	_, err = eng.GetEntity(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	seq, err := batch.Commit(ctx)
	require.NoError(t, err)
	assert.Greater(t, seq, uint64(0))

	_, err = eng.GetEntity(ctx, "a")
	assert.NoError(t, err)
}

func TestMemoryEngineBatchAbortDiscardsOps(t *testing.T) {
	ctx := context.Background()
	eng := NewMemoryEngine()
	batch, err := eng.BeginBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.PutEntity(newTestEntity("a")))
	require.NoError(t, batch.Abort())

	_, err = eng.GetEntity(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryEngineIndexBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng := NewMemoryEngine()
	require.NoError(t, eng.PutIndexBlob(ctx, "hnsw", []byte{1, 2, 3}))
	data, err := eng.GetIndexBlob(ctx, "hnsw")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestMemoryEngineClosedRejectsOps(t *testing.T) {
	ctx := context.Background()
	eng := NewMemoryEngine()
	require.NoError(t, eng.Close())
	err := eng.PutEntity(ctx, newTestEntity("a"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewEntityIDIsUnique(t *testing.T) {
	a := NewEntityID()
	b := NewEntityID()
	assert.NotEqual(t, a, b)
}
