package hnsw

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos/mnemos/pkg/storage"
	"github.com/mnemos/mnemos/pkg/vecmath"
)

func vec(vals ...float32) []float32 { return vals }

func TestAddAndSearchFindsClosest(t *testing.T) {
	h := New(2, DefaultConfig())
	require.NoError(t, h.Add("a", vec(1, 0)))
	require.NoError(t, h.Add("b", vec(0, 1)))
	require.NoError(t, h.Add("c", vec(0.9, 0.1)))

	results, err := h.Search(context.Background(), vec(1, 0), 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, storage.EntityID("a"), results[0].ID)
}

func TestSearchOrdersAscendingByDistance(t *testing.T) {
	h := New(2, DefaultConfig())
	require.NoError(t, h.Add("a", vec(1, 0)))
	require.NoError(t, h.Add("b", vec(0.7, 0.7)))
	require.NoError(t, h.Add("c", vec(0, 1)))

	results, err := h.Search(context.Background(), vec(1, 0), 3, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
	}
}

func TestAddRejectsDimensionMismatch(t *testing.T) {
	h := New(3, DefaultConfig())
	err := h.Add("a", vec(1, 0))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestRemoveUnlinksFromNeighbors(t *testing.T) {
	h := New(2, DefaultConfig())
	require.NoError(t, h.Add("a", vec(1, 0)))
	require.NoError(t, h.Add("b", vec(0.9, 0.1)))
	h.Remove("a")

	results, err := h.Search(context.Background(), vec(1, 0), 5, 0)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, storage.EntityID("a"), r.ID)
	}
}

func TestRemoveReelectsEntryPoint(t *testing.T) {
	h := New(2, DefaultConfig())
	require.NoError(t, h.Add("a", vec(1, 0)))
	require.NoError(t, h.Add("b", vec(0, 1)))
	h.Remove("a")

	results, err := h.Search(context.Background(), vec(0, 1), 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, storage.EntityID("b"), results[0].ID)
}

func TestTombstoneSkipsWithoutRestructuring(t *testing.T) {
	h := New(2, DefaultConfig())
	require.NoError(t, h.Add("a", vec(1, 0)))
	require.NoError(t, h.Add("b", vec(0.9, 0.1)))
	h.Tombstone("a")

	results, err := h.Search(context.Background(), vec(1, 0), 5, 0)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, storage.EntityID("a"), r.ID)
	}
	assert.Equal(t, 1, h.Size())
}

func TestSizeExcludesTombstones(t *testing.T) {
	h := New(2, DefaultConfig())
	require.NoError(t, h.Add("a", vec(1, 0)))
	require.NoError(t, h.Add("b", vec(0, 1)))
	assert.Equal(t, 2, h.Size())
	h.Tombstone("a")
	assert.Equal(t, 1, h.Size())
}

func TestSelectNeighborsHeuristicKeepsClosestAndFillsToM(t *testing.T) {
	h := New(2, Config{M: 2, EfConstruction: 10, EfSearch: 10, Metric: vecmath.Dot})
	query := vec(1, 0)
	h.nodes = map[storage.EntityID]*node{
		"near1": {id: "near1", vector: vec(0.99, 0.01), neighbors: [][]storage.EntityID{{}}},
		"near2": {id: "near2", vector: vec(0.98, 0.02), neighbors: [][]storage.EntityID{{}}},
		"diverse": {id: "diverse", vector: vec(0, 1), neighbors: [][]storage.EntityID{{}}},
	}
	selected := h.selectNeighborsHeuristic(query, []storage.EntityID{"near1", "near2", "diverse"}, 2)
	assert.Len(t, selected, 2)
	assert.Contains(t, selected, storage.EntityID("near1"))
}

func TestEmptyIndexSearchReturnsEmpty(t *testing.T) {
	h := New(2, DefaultConfig())
	results, err := h.Search(context.Background(), vec(1, 0), 5, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSnapshotRoundTrip(t *testing.T) {
	h := New(2, DefaultConfig())
	require.NoError(t, h.Add("a", vec(1, 0)))
	require.NoError(t, h.Add("b", vec(0, 1)))
	require.NoError(t, h.Add("c", vec(0.9, 0.1)))

	blob, err := h.Snapshot()
	require.NoError(t, err)

	restored := New(2, DefaultConfig())
	require.NoError(t, restored.LoadSnapshot(blob))
	require.NoError(t, restored.AttachVector("a", vec(1, 0)))
	require.NoError(t, restored.AttachVector("b", vec(0, 1)))
	require.NoError(t, restored.AttachVector("c", vec(0.9, 0.1)))

	results, err := restored.Search(context.Background(), vec(1, 0), 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, storage.EntityID("a"), results[0].ID)
}

func TestLoadSnapshotRejectsCorruptData(t *testing.T) {
	h := New(2, DefaultConfig())
	require.NoError(t, h.Add("a", vec(1, 0)))
	blob, err := h.Snapshot()
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xFF

	err = New(2, DefaultConfig()).LoadSnapshot(blob)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestSearchRejectsDimensionMismatch(t *testing.T) {
	h := New(2, DefaultConfig())
	require.NoError(t, h.Add("a", vec(1, 0)))
	_, err := h.Search(context.Background(), vec(1, 0, 0), 1, 0)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}
