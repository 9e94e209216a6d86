package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerEnginePutGetEntity(t *testing.T) {
	ctx := context.Background()
	eng, err := NewBadgerEngineInMemory()
	require.NoError(t, err)
	defer eng.Close()

	e := newTestEntity("e1")
	require.NoError(t, eng.PutEntity(ctx, e))

	got, err := eng.GetEntity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, e.Type, got.Type)
	assert.Equal(t, []float32{1, 0, 0, 0}, got.Vector)
}

func TestBadgerEngineSequenceMonotonic(t *testing.T) {
	ctx := context.Background()
	eng, err := NewBadgerEngineInMemory()
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.PutEntity(ctx, newTestEntity("a")))
	s1 := eng.Sequence()
	require.NoError(t, eng.PutEntity(ctx, newTestEntity("b")))
	s2 := eng.Sequence()
	assert.Greater(t, s2, s1)
}

func TestBadgerEngineEdgeIndexesBothDirections(t *testing.T) {
	ctx := context.Background()
	eng, err := NewBadgerEngineInMemory()
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.PutEntity(ctx, newTestEntity("a")))
	require.NoError(t, eng.PutEntity(ctx, newTestEntity("b")))
	require.NoError(t, eng.PutEdge(ctx, &Edge{ID: "e1", SourceID: "a", TargetID: "b", Verb: "references", Weight: 0.5}))

	out, err := eng.ListEdgesBySource(ctx, "a")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, EdgeID("e1"), out[0].ID)

	in, err := eng.ListEdgesByTarget(ctx, "b")
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, EdgeID("e1"), in[0].ID)
}

func TestBadgerEngineDeleteEntityRemovesEdgeIndexes(t *testing.T) {
	ctx := context.Background()
	eng, err := NewBadgerEngineInMemory()
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.PutEntity(ctx, newTestEntity("a")))
	require.NoError(t, eng.PutEntity(ctx, newTestEntity("b")))
	require.NoError(t, eng.PutEdge(ctx, &Edge{ID: "e1", SourceID: "a", TargetID: "b", Verb: "references"}))

	ok, err := eng.DeleteEntity(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	out, err := eng.ListEdgesBySource(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestBadgerEngineBatchCommitPersists(t *testing.T) {
	ctx := context.Background()
	eng, err := NewBadgerEngineInMemory()
	require.NoError(t, err)
	defer eng.Close()

	batch, err := eng.BeginBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.PutEntity(newTestEntity("a")))
	seq, err := batch.Commit(ctx)
	require.NoError(t, err)
	assert.Greater(t, seq, uint64(0))

	_, err = eng.GetEntity(ctx, "a")
	assert.NoError(t, err)
}

func TestBadgerEngineBatchAbortLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	eng, err := NewBadgerEngineInMemory()
	require.NoError(t, err)
	defer eng.Close()

	batch, err := eng.BeginBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.PutEntity(newTestEntity("a")))
	require.NoError(t, batch.Abort())

	_, err = eng.GetEntity(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerEngineIndexBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng, err := NewBadgerEngineInMemory()
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.PutIndexBlob(ctx, "hnsw", []byte{9, 8, 7}))
	data, err := eng.GetIndexBlob(ctx, "hnsw")
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8, 7}, data)
}
