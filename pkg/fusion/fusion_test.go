package fusion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos/mnemos/pkg/storage"
)

func TestRRFRanksByCombinedSignal(t *testing.T) {
	vector := RankedList{Signal: "vector", Items: []RankedItem{
		{ID: "a", NativeScore: 0.9}, {ID: "b", NativeScore: 0.8}, {ID: "c", NativeScore: 0.7},
	}}
	field := RankedList{Signal: "field", Items: []RankedItem{
		{ID: "b", NativeScore: 1}, {ID: "a", NativeScore: 1},
	}}
	results := Combine(ModeRRF, []RankedList{vector, field}, "", Boosts{}, nil, MMROptions{}, nil, nil, 10, 0)
	require.NotEmpty(t, results)
	assert.Equal(t, storage.EntityID("a"), results[0].ID)
}

func TestIntersectionModeShortCircuitsOnEmptyField(t *testing.T) {
	vector := RankedList{Signal: "vector", Items: []RankedItem{{ID: "a", NativeScore: 0.9}}}
	field := RankedList{Signal: "field", Items: nil}
	results := Combine(ModeRRF, []RankedList{vector, field}, "field", Boosts{}, nil, MMROptions{}, nil, nil, 10, 0)
	assert.Empty(t, results)
}

func TestIntersectionModeRestrictsToFieldSet(t *testing.T) {
	vector := RankedList{Signal: "vector", Items: []RankedItem{
		{ID: "a", NativeScore: 0.9}, {ID: "b", NativeScore: 0.8},
	}}
	field := RankedList{Signal: "field", Items: []RankedItem{{ID: "b", NativeScore: 1}}}
	results := Combine(ModeRRF, []RankedList{vector, field}, "field", Boosts{}, nil, MMROptions{}, nil, nil, 10, 0)
	require.Len(t, results, 1)
	assert.Equal(t, storage.EntityID("b"), results[0].ID)
}

func TestTieBreakByVectorScoreThenID(t *testing.T) {
	// Both ids rank first in their own single-item vector list, so their
	// fused RRF scores are exactly equal; only the tie-break can separate
	// them, and it must prefer the higher vector native score.
	vectorZ := RankedList{Signal: "vector", Items: []RankedItem{{ID: "z", NativeScore: 0.3}}}
	vectorA := RankedList{Signal: "vector", Items: []RankedItem{{ID: "a", NativeScore: 0.9}}}
	results := Combine(ModeRRF, []RankedList{vectorZ, vectorA}, "", Boosts{}, nil, MMROptions{}, nil, nil, 10, 0)
	require.Len(t, results, 2)
	assert.InDelta(t, results[0].Score, results[1].Score, 1e-9)
	assert.Equal(t, storage.EntityID("a"), results[0].ID)
}

func TestWeightedLinearMode(t *testing.T) {
	vector := RankedList{Signal: "vector", Weight: 1, Items: []RankedItem{{ID: "a", NativeScore: 0.5}}}
	results := Combine(ModeWeightedLinear, []RankedList{vector}, "", Boosts{}, nil, MMROptions{}, nil, nil, 10, 0)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.5, results[0].Score, 1e-9)
}

func TestOffsetAndLimit(t *testing.T) {
	vector := RankedList{Signal: "vector", Items: []RankedItem{
		{ID: "a", NativeScore: 0.9}, {ID: "b", NativeScore: 0.8}, {ID: "c", NativeScore: 0.7},
	}}
	results := Combine(ModeRRF, []RankedList{vector}, "", Boosts{}, nil, MMROptions{}, nil, nil, 1, 1)
	require.Len(t, results, 1)
	assert.Equal(t, storage.EntityID("b"), results[0].ID)
}

func TestVerifiedBoostMultipliesScore(t *testing.T) {
	vector := RankedList{Signal: "vector", Items: []RankedItem{{ID: "a", NativeScore: 0.9}}}
	lookup := func(id storage.EntityID) (time.Time, map[string]any, bool) {
		return time.Now(), map[string]any{"verified": true}, true
	}
	withBoost := Combine(ModeRRF, []RankedList{vector}, "", Boosts{Verified: true}, lookup, MMROptions{}, nil, nil, 10, 0)
	without := Combine(ModeRRF, []RankedList{vector}, "", Boosts{}, nil, MMROptions{}, nil, nil, 10, 0)
	require.Len(t, withBoost, 1)
	require.Len(t, without, 1)
	assert.Greater(t, withBoost[0].Score, without[0].Score)
}

func TestRecentBoostDecaysOldEntities(t *testing.T) {
	vector := RankedList{Signal: "vector", Items: []RankedItem{{ID: "a", NativeScore: 0.9}}}
	lookup := func(id storage.EntityID) (time.Time, map[string]any, bool) {
		return time.Now().Add(-60 * 24 * time.Hour), map[string]any{}, true
	}
	results := Combine(ModeRRF, []RankedList{vector}, "", Boosts{Recent: true}, lookup, MMROptions{}, nil, nil, 10, 0)
	baseline := Combine(ModeRRF, []RankedList{vector}, "", Boosts{}, nil, MMROptions{}, nil, nil, 10, 0)
	require.Len(t, results, 1)
	assert.Less(t, results[0].Score, baseline[0].Score)
}

func TestMMRPrefersDiverseSecondPick(t *testing.T) {
	// "a" is most relevant, "b" is nearly identical to "a", "c" is distinct
	// but slightly less relevant than "b". Pure relevance would pick a,b,c;
	// MMR with a diversity-favoring lambda should pick c over b second.
	vector := RankedList{Signal: "vector", Items: []RankedItem{
		{ID: "a", NativeScore: 0.95}, {ID: "b", NativeScore: 0.9}, {ID: "c", NativeScore: 0.8},
	}}
	vectors := map[storage.EntityID][]float32{
		"a": {1, 0},
		"b": {0.99, 0.01},
		"c": {0, 1},
	}
	lookup := func(id storage.EntityID) ([]float32, bool) {
		v, ok := vectors[id]
		return v, ok
	}
	results := Combine(ModeRRF, []RankedList{vector}, "", Boosts{}, nil,
		MMROptions{Enabled: true, Lambda: 0.3}, []float32{1, 0}, lookup, 10, 0)
	require.Len(t, results, 3)
	assert.Equal(t, storage.EntityID("a"), results[0].ID)
	assert.Equal(t, storage.EntityID("c"), results[1].ID)
}

func TestMMRDisabledLeavesOrderUnchanged(t *testing.T) {
	vector := RankedList{Signal: "vector", Items: []RankedItem{
		{ID: "a", NativeScore: 0.9}, {ID: "b", NativeScore: 0.8},
	}}
	results := Combine(ModeRRF, []RankedList{vector}, "", Boosts{}, nil, MMROptions{}, []float32{1, 0}, nil, 10, 0)
	require.Len(t, results, 2)
	assert.Equal(t, storage.EntityID("a"), results[0].ID)
}
