package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos/mnemos/pkg/fusion"
	"github.com/mnemos/mnemos/pkg/graph"
	"github.com/mnemos/mnemos/pkg/hnsw"
	"github.com/mnemos/mnemos/pkg/metaindex"
	"github.com/mnemos/mnemos/pkg/planner"
	"github.com/mnemos/mnemos/pkg/registry"
	"github.com/mnemos/mnemos/pkg/storage"
)

func newTestEngine() (*Engine, *registry.Registry) {
	store := storage.NewMemoryEngine()
	vectors := hnsw.New(2, hnsw.DefaultConfig())
	meta := metaindex.New()
	adjacency := graph.New()
	reg := registry.New(store, vectors, meta, adjacency, nil)
	p := planner.New(meta)
	return New(store, vectors, meta, adjacency, p), reg
}

func TestSingleSignalVectorQuery(t *testing.T) {
	e, reg := newTestEngine()
	ctx := context.Background()

	_, err := reg.Add(ctx, registry.AddRequest{Type: "document", Vector: []float32{1, 0}})
	require.NoError(t, err)
	_, err = reg.Add(ctx, registry.AddRequest{Type: "document", Vector: []float32{0, 1}})
	require.NoError(t, err)

	result, err := e.Query(ctx, planner.Query{Vector: []float32{1, 0}, Limit: 1}, Options{})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.InDelta(t, 1.0, result.Hits[0].Entity.Vector[0], 1e-6)
}

func TestMultiSignalFusesVectorAndField(t *testing.T) {
	e, reg := newTestEngine()
	ctx := context.Background()

	idA, err := reg.Add(ctx, registry.AddRequest{Type: "document", Vector: []float32{1, 0}, Metadata: map[string]any{"category": "blog"}})
	require.NoError(t, err)
	_, err = reg.Add(ctx, registry.AddRequest{Type: "document", Vector: []float32{0.9, 0.1}, Metadata: map[string]any{"category": "news"}})
	require.NoError(t, err)

	result, err := e.Query(ctx, planner.Query{
		Vector: []float32{1, 0},
		Where:  metaindex.Eq("category", "blog"),
		Limit:  10,
	}, Options{})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, idA, result.Hits[0].Entity.ID)
}

func TestZeroSignalListsEntities(t *testing.T) {
	e, reg := newTestEngine()
	ctx := context.Background()
	_, err := reg.Add(ctx, registry.AddRequest{Type: "document", Vector: []float32{1, 0}})
	require.NoError(t, err)

	result, err := e.Query(ctx, planner.Query{Limit: 10}, Options{})
	require.NoError(t, err)
	assert.Len(t, result.Hits, 1)
}

func TestCancelledContextReturnsTimeoutWhenNothingCompleted(t *testing.T) {
	e, _ := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Query(ctx, planner.Query{Vector: []float32{1, 0}, Limit: 10}, Options{})
	assert.Error(t, err)
}

func TestMMRDiversificationRuns(t *testing.T) {
	e, reg := newTestEngine()
	ctx := context.Background()
	_, err := reg.Add(ctx, registry.AddRequest{Type: "document", Vector: []float32{1, 0}, Metadata: map[string]any{"category": "blog"}})
	require.NoError(t, err)
	_, err = reg.Add(ctx, registry.AddRequest{Type: "document", Vector: []float32{0.99, 0.01}, Metadata: map[string]any{"category": "blog"}})
	require.NoError(t, err)

	result, err := e.Query(ctx, planner.Query{
		Vector: []float32{1, 0},
		Where:  metaindex.Eq("category", "blog"),
		Limit:  10,
	}, Options{MMR: fusion.MMROptions{Enabled: true, Lambda: 0.5}})
	require.NoError(t, err)
	assert.Len(t, result.Hits, 2)
}

func TestTypeFilterIntersectsSingleSignal(t *testing.T) {
	e, reg := newTestEngine()
	ctx := context.Background()

	doc, err := reg.Add(ctx, registry.AddRequest{Type: "document", Vector: []float32{1, 0}})
	require.NoError(t, err)
	_, err = reg.Add(ctx, registry.AddRequest{Type: "person", Vector: []float32{0.99, 0.01}})
	require.NoError(t, err)

	result, err := e.Query(ctx, planner.Query{
		Vector: []float32{1, 0},
		Types:  []string{"document"},
		Limit:  10,
	}, Options{})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, doc, result.Hits[0].Entity.ID)
}

func TestTypeFilterIntersectsFusedSignals(t *testing.T) {
	e, reg := newTestEngine()
	ctx := context.Background()

	doc, err := reg.Add(ctx, registry.AddRequest{Type: "document", Vector: []float32{1, 0}, Metadata: map[string]any{"category": "blog"}})
	require.NoError(t, err)
	_, err = reg.Add(ctx, registry.AddRequest{Type: "person", Vector: []float32{1, 0}, Metadata: map[string]any{"category": "blog"}})
	require.NoError(t, err)

	result, err := e.Query(ctx, planner.Query{
		Vector: []float32{1, 0},
		Where:  metaindex.Eq("category", "blog"),
		Types:  []string{"document"},
		Limit:  10,
	}, Options{})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, doc, result.Hits[0].Entity.ID)
}

func TestWeightedLinearModeIsRespected(t *testing.T) {
	e, reg := newTestEngine()
	ctx := context.Background()
	_, err := reg.Add(ctx, registry.AddRequest{Type: "document", Vector: []float32{1, 0}, Metadata: map[string]any{"category": "blog"}})
	require.NoError(t, err)

	result, err := e.Query(ctx, planner.Query{
		Vector: []float32{1, 0},
		Where:  metaindex.Eq("category", "blog"),
		Limit:  10,
	}, Options{Mode: fusion.ModeWeightedLinear})
	require.NoError(t, err)
	assert.Len(t, result.Hits, 1)
}
