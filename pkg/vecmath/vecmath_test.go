package vecmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	sim := CosineSimilarity(a, b)
	assert.InDelta(t, 0.9746318461970762, sim, 1e-9)
}

func TestCosineSimilarityIdentical(t *testing.T) {
	a := []float32{1, 0, 0}
	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-9)
}

func TestCosineSimilarityEdgeCases(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestEuclideanDistance(t *testing.T) {
	a := []float32{0, 0}
	b := []float32{3, 4}
	assert.InDelta(t, 5.0, EuclideanDistance(a, b), 1e-9)
}

func TestManhattanDistance(t *testing.T) {
	a := []float32{0, 0}
	b := []float32{3, 4}
	assert.InDelta(t, 7.0, ManhattanDistance(a, b), 1e-9)
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	n := Normalize(v)
	require.Len(t, n, 2)
	assert.InDelta(t, 0.6, n[0], 1e-6)
	assert.InDelta(t, 0.8, n[1], 1e-6)
	// original untouched
	assert.Equal(t, float32(3), v[0])
}

func TestNormalizeInPlaceZeroVector(t *testing.T) {
	v := []float32{0, 0, 0}
	NormalizeInPlace(v)
	assert.Equal(t, []float32{0, 0, 0}, v)
}

func TestKernelScoreAndDistanceAgree(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{1, 2, 3}
	for _, m := range []Metric{Cosine, Dot, Euclidean, Manhattan} {
		k := NewKernel(m)
		dist := k.Distance(a, b)
		assert.InDelta(t, 0.0, dist, 1e-6, "metric %v should have ~0 distance for identical vectors", m)
	}
}

func TestParseMetric(t *testing.T) {
	assert.Equal(t, Euclidean, ParseMetric("euclidean"))
	assert.Equal(t, Manhattan, ParseMetric("l1"))
	assert.Equal(t, Dot, ParseMetric("dot"))
	assert.Equal(t, Cosine, ParseMetric("bogus"))
}

func TestDistanceIsInfiniteForMismatchedLengths(t *testing.T) {
	assert.True(t, math.IsInf(EuclideanDistance([]float32{1}, []float32{1, 2}), 1))
}
