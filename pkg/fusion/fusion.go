// Package fusion combines ranked id lists from multiple signals into one
// ordered result, via Reciprocal Rank Fusion by default.
package fusion

import (
	"math"
	"sort"
	"time"

	"github.com/mnemos/mnemos/pkg/storage"
	"github.com/mnemos/mnemos/pkg/vecmath"
)

// DefaultK is RRF's rank-damping constant.
const DefaultK = 60

// Default per-signal weights, renormalized when a signal is absent.
const (
	DefaultVectorWeight = 0.5
	DefaultFieldWeight  = 0.3
	DefaultGraphWeight  = 0.2
)

// DefaultRecentHalfLife is the half-life used by the recent boost.
const DefaultRecentHalfLife = 30 * 24 * time.Hour

// Mode selects the combination function.
type Mode string

const (
	ModeRRF            Mode = "rrf"
	ModeWeightedLinear Mode = "weighted_linear"
)

// RankedList is one signal's ordered ids with native scores, best-first.
type RankedList struct {
	Signal string
	Weight float64
	Items  []RankedItem
}

// RankedItem is one id's position and native score within a RankedList.
type RankedItem struct {
	ID          storage.EntityID
	NativeScore float64
}

// Boosts are optional post-fusion multipliers.
type Boosts struct {
	Recent        bool
	RecentHalfLife time.Duration
	Popular       bool
	PopularField  string
	Verified      bool
	VerifiedField string
}

// EntityLookup resolves metadata needed by boosts, keyed by id.
type EntityLookup func(id storage.EntityID) (updatedAt time.Time, metadata map[string]any, ok bool)

// VectorLookup resolves the stored vector for an id, keyed by id. Used only
// by MMR diversification.
type VectorLookup func(id storage.EntityID) (vector []float32, ok bool)

// MMROptions controls optional Maximal Marginal Relevance diversification
// of the fused top-k, applied after boosts and before the final limit/offset
// slice. Disabled unless Enabled is set.
type MMROptions struct {
	Enabled bool
	// Lambda balances relevance against diversity: 1.0 is pure relevance
	// (no reordering), 0.0 is pure diversity. Defaults to 0.7.
	Lambda float64
}

// Result is one fused, boosted, ranked hit. The per-signal scores carry each
// signal's native score for the id (zero when the signal did not surface it);
// Score is the fused, boosted total.
type Result struct {
	ID          storage.EntityID
	Score       float64
	VectorScore float64
	FieldScore  float64
	GraphScore  float64
}

// Combine fuses lists per mode, applies boosts, then returns the top limit
// results after skipping offset. fieldSignalName names which RankedList (if
// any) is the field-filter signal; when it is present and empty, the
// result is empty regardless of other signals (the intersection
// short-circuit).
func Combine(mode Mode, lists []RankedList, fieldSignalName string, boosts Boosts, lookup EntityLookup, mmr MMROptions, queryVector []float32, vectors VectorLookup, limit, offset int) []Result {
	var fieldSet map[storage.EntityID]struct{}
	for _, l := range lists {
		if l.Signal == fieldSignalName {
			if len(l.Items) == 0 {
				return nil
			}
			fieldSet = make(map[storage.EntityID]struct{}, len(l.Items))
			for _, it := range l.Items {
				fieldSet[it.ID] = struct{}{}
			}
		}
	}

	var scores map[storage.EntityID]float64
	switch mode {
	case ModeWeightedLinear:
		scores = weightedLinear(lists, fieldSet)
	default:
		scores = rrf(lists, fieldSet)
	}

	native := map[string]map[storage.EntityID]float64{}
	for _, l := range lists {
		m := native[l.Signal]
		if m == nil {
			m = make(map[storage.EntityID]float64, len(l.Items))
			native[l.Signal] = m
		}
		for _, it := range l.Items {
			m[it.ID] = it.NativeScore
		}
	}

	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		results = append(results, Result{
			ID:          id,
			Score:       score,
			VectorScore: native["vector"][id],
			FieldScore:  native["field"][id],
			GraphScore:  native["graph"][id],
		})
	}

	applyBoosts(results, boosts, lookup)

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].VectorScore != results[j].VectorScore {
			return results[i].VectorScore > results[j].VectorScore
		}
		return results[i].ID < results[j].ID
	})

	if mmr.Enabled && len(queryVector) > 0 && vectors != nil {
		results = diversify(results, queryVector, vectors, mmr)
	}

	if offset >= len(results) {
		return nil
	}
	results = results[offset:]
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// diversify re-ranks results by Maximal Marginal Relevance:
//
//	MMR(d) = lambda * relevance(d) - (1-lambda) * max_sim(d, selected)
//
// where relevance is the fused Score and similarity is cosine similarity
// between stored vectors. Candidates whose vector isn't available fall back
// to relevance only (zero similarity to everything already selected).
func diversify(results []Result, query []float32, vectors VectorLookup, opts MMROptions) []Result {
	if len(results) <= 1 {
		return results
	}
	lambda := opts.Lambda
	if lambda == 0 {
		lambda = 0.7
	}

	type candidate struct {
		result Result
		vector []float32
	}
	remaining := make([]candidate, len(results))
	for i, r := range results {
		vec, _ := vectors(r.ID)
		remaining[i] = candidate{result: r, vector: vec}
	}

	selected := make([]candidate, 0, len(results))
	for len(remaining) > 0 {
		bestIdx := -1
		bestMMR := math.Inf(-1)
		for i, cand := range remaining {
			maxSim := 0.0
			if cand.vector != nil {
				for _, sel := range selected {
					if sel.vector == nil {
						continue
					}
					if sim := vecmath.CosineSimilarity(cand.vector, sel.vector); sim > maxSim {
						maxSim = sim
					}
				}
			}
			score := lambda*cand.result.Score - (1-lambda)*maxSim
			if score > bestMMR {
				bestMMR = score
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	out := make([]Result, len(selected))
	for i, c := range selected {
		out[i] = c.result
	}
	return out
}


// rrf implements score(x) = sum_s w_s / (k + rank_s(x)), weights
// renormalized over the signals actually present.
func rrf(lists []RankedList, fieldSet map[storage.EntityID]struct{}) map[storage.EntityID]float64 {
	totalWeight := 0.0
	for _, l := range lists {
		totalWeight += effectiveWeight(l.Signal, l.Weight)
	}
	if totalWeight == 0 {
		totalWeight = 1
	}

	scores := make(map[storage.EntityID]float64)
	for _, l := range lists {
		w := effectiveWeight(l.Signal, l.Weight) / totalWeight
		for rank, it := range l.Items {
			if fieldSet != nil {
				if _, ok := fieldSet[it.ID]; !ok {
					continue
				}
			}
			scores[it.ID] += w / float64(DefaultK+rank+1)
		}
	}
	return scores
}

func effectiveWeight(signal string, explicit float64) float64 {
	if explicit > 0 {
		return explicit
	}
	switch signal {
	case "vector":
		return DefaultVectorWeight
	case "field":
		return DefaultFieldWeight
	case "graph":
		return DefaultGraphWeight
	default:
		return 1
	}
}

// weightedLinear is the alternate fusion mode: score(x) = sum_s w_s *
// native_score_s(x), with native scores assumed pre-normalized to [0,1] by
// the caller.
func weightedLinear(lists []RankedList, fieldSet map[storage.EntityID]struct{}) map[storage.EntityID]float64 {
	scores := make(map[storage.EntityID]float64)
	for _, l := range lists {
		w := effectiveWeight(l.Signal, l.Weight)
		for _, it := range l.Items {
			if fieldSet != nil {
				if _, ok := fieldSet[it.ID]; !ok {
					continue
				}
			}
			scores[it.ID] += w * it.NativeScore
		}
	}
	return scores
}

func applyBoosts(results []Result, boosts Boosts, lookup EntityLookup) {
	if !boosts.Recent && !boosts.Popular && !boosts.Verified {
		return
	}
	if lookup == nil {
		return
	}
	halfLife := boosts.RecentHalfLife
	if halfLife == 0 {
		halfLife = DefaultRecentHalfLife
	}
	popularField := boosts.PopularField
	if popularField == "" {
		popularField = "views"
	}

	for i := range results {
		updatedAt, metadata, ok := lookup(results[i].ID)
		if !ok {
			continue
		}
		if boosts.Recent {
			age := time.Since(updatedAt)
			decay := math.Exp(-math.Ln2 * age.Hours() / halfLife.Hours())
			results[i].Score *= decay
		}
		if boosts.Popular {
			if v, ok := numeric(metadata[popularField]); ok && v > 0 {
				results[i].Score *= math.Log(v + 1)
			}
		}
		if boosts.Verified {
			field := boosts.VerifiedField
			if field == "" {
				field = "verified"
			}
			if b, ok := metadata[field].(bool); ok && b {
				results[i].Score *= 1.5
			}
		}
	}
}

func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}
