// Package planner turns a query shape into an ordered execution plan: which
// components to call, in what order, and whether their steps can run
// concurrently. It does not execute anything itself.
package planner

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/mnemos/mnemos/pkg/graph"
	"github.com/mnemos/mnemos/pkg/metaindex"
	"github.com/mnemos/mnemos/pkg/storage"
)

// DefaultPlanCacheSize is the LRU capacity for cached plans.
const DefaultPlanCacheSize = 256

// DefaultVectorOverfetch is the multiplier applied to limit for the vector
// step of a multi-signal plan, to give fusion room to re-rank.
const DefaultVectorOverfetch = 3

// Signal names a ranked-list producer a StepKind consults.
type Signal string

const (
	SignalVector Signal = "vector"
	SignalField  Signal = "field"
	SignalGraph  Signal = "graph"
)

// StepKind identifies which component a Step invokes.
type StepKind string

const (
	StepListIDs    StepKind = "list_entity_ids"
	StepVector     StepKind = "vector_search"
	StepField      StepKind = "field_filter"
	StepGraph      StepKind = "graph_traverse"
	StepTypeFilter StepKind = "type_filter"
)

// Step is one unit of plan execution. Independent marks whether it may run
// concurrently with other steps at the same position.
type Step struct {
	Kind        StepKind
	Signal      Signal
	Independent bool
	// FetchLimit overrides Query.Limit for this step (e.g. vector overfetch).
	FetchLimit int
}

// Query is the caller-facing request shape the planner routes.
type Query struct {
	Vector         []float32
	Where          *metaindex.Predicate
	ConnectedTo    []storage.EntityID
	ConnectedDir   graph.Direction
	ConnectedDepth int
	ConnectedVerbs map[string]struct{}
	Types          []string
	Limit          int
	Offset         int
}

// Plan is the ordered, possibly-parallel sequence of steps to run, plus
// whether fusion across multiple signals is needed.
type Plan struct {
	Steps       []Step
	NeedsFusion bool
	Limit       int
	Offset      int
}

// Planner produces and caches Plans.
type Planner struct {
	meta *metaindex.Index

	cacheMu sync.Mutex
	cache   map[string]*list.Element
	order   *list.List
	cap     int
}

type cacheEntry struct {
	key  string
	plan *Plan
}

// New returns a Planner backed by meta for selectivity estimation, with the
// default plan-cache capacity.
func New(meta *metaindex.Index) *Planner {
	return &Planner{
		meta:  meta,
		cache: make(map[string]*list.Element),
		order: list.New(),
		cap:   DefaultPlanCacheSize,
	}
}

// SetCacheCapacity resizes the plan cache, evicting the oldest entries if it
// shrinks. n <= 0 is treated as DefaultPlanCacheSize.
func (p *Planner) SetCacheCapacity(n int) {
	if n <= 0 {
		n = DefaultPlanCacheSize
	}
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	p.cap = n
	for p.order.Len() > p.cap {
		oldest := p.order.Back()
		if oldest == nil {
			break
		}
		p.order.Remove(oldest)
		delete(p.cache, oldest.Value.(*cacheEntry).key)
	}
}

// Plan returns the plan for q, consulting (and populating) the structural
// plan cache. The cache key ignores values inside Where/Vector/ConnectedTo —
// only the query's shape (which fields are set, which operators appear).
func (p *Planner) Plan(q Query) *Plan {
	key := structuralKey(q)

	p.cacheMu.Lock()
	if el, ok := p.cache[key]; ok {
		p.order.MoveToFront(el)
		plan := el.Value.(*cacheEntry).plan
		p.cacheMu.Unlock()
		return plan.withLimits(q.Limit, q.Offset)
	}
	p.cacheMu.Unlock()

	plan := p.build(q)

	p.cacheMu.Lock()
	el := p.order.PushFront(&cacheEntry{key: key, plan: plan})
	p.cache[key] = el
	if p.order.Len() > p.cap {
		oldest := p.order.Back()
		if oldest != nil {
			p.order.Remove(oldest)
			delete(p.cache, oldest.Value.(*cacheEntry).key)
		}
	}
	p.cacheMu.Unlock()

	return plan.withLimits(q.Limit, q.Offset)
}

func (pl *Plan) withLimits(limit, offset int) *Plan {
	clone := *pl
	clone.Limit = limit
	clone.Offset = offset
	clone.Steps = make([]Step, len(pl.Steps))
	copy(clone.Steps, pl.Steps)
	for i := range clone.Steps {
		if clone.Steps[i].Kind != StepVector {
			continue
		}
		clone.Steps[i].FetchLimit = limit + offset
		if pl.NeedsFusion {
			clone.Steps[i].FetchLimit *= DefaultVectorOverfetch
		}
	}
	return &clone
}

func (p *Planner) build(q Query) *Plan {
	hasVector := len(q.Vector) > 0
	hasGraph := len(q.ConnectedTo) > 0
	hasField := q.Where != nil

	signalCount := 0
	if hasVector {
		signalCount++
	}
	if hasGraph {
		signalCount++
	}
	if hasField {
		signalCount++
	}

	plan := &Plan{Limit: q.Limit, Offset: q.Offset}

	switch signalCount {
	case 0:
		plan.Steps = []Step{{Kind: StepListIDs}}
		if len(q.Types) > 0 {
			plan.Steps = append([]Step{{Kind: StepTypeFilter}}, plan.Steps...)
		}
		return plan
	case 1:
		plan.Steps = p.singleSignalSteps(q, hasVector, hasGraph, hasField)
		if len(q.Types) > 0 {
			plan.Steps = append([]Step{{Kind: StepTypeFilter}}, plan.Steps...)
		}
		return plan
	default:
		plan.NeedsFusion = true
		plan.Steps = p.multiSignalSteps(q, hasVector, hasGraph, hasField)
		if len(q.Types) > 0 {
			plan.Steps = append([]Step{{Kind: StepTypeFilter}}, plan.Steps...)
		}
		return plan
	}
}

func (p *Planner) singleSignalSteps(q Query, hasVector, hasGraph, hasField bool) []Step {
	switch {
	case hasVector:
		return []Step{{Kind: StepVector, Signal: SignalVector, FetchLimit: q.Limit + q.Offset}}
	case hasGraph:
		return []Step{{Kind: StepGraph, Signal: SignalGraph}}
	case hasField:
		return []Step{{Kind: StepField, Signal: SignalField}}
	default:
		return nil
	}
}

// multiSignalSteps orders steps by ascending estimated selectivity: a
// selective field filter runs first, then graph (when its starting set is
// small), then vector — which over-fetches by DefaultVectorOverfetch to
// leave fusion room. A non-selective field filter is deferred until after
// the vector step instead.
func (p *Planner) multiSignalSteps(q Query, hasVector, hasGraph, hasField bool) []Step {
	fieldSelective := hasField && isSelective(p.meta, q.Where)

	var steps []Step
	if hasField && fieldSelective {
		steps = append(steps, Step{Kind: StepField, Signal: SignalField, Independent: true})
	}
	if hasGraph {
		steps = append(steps, Step{Kind: StepGraph, Signal: SignalGraph, Independent: true})
	}
	if hasVector {
		steps = append(steps, Step{Kind: StepVector, Signal: SignalVector, Independent: true, FetchLimit: (q.Limit + q.Offset) * DefaultVectorOverfetch})
	}
	if hasField && !fieldSelective {
		steps = append(steps, Step{Kind: StepField, Signal: SignalField})
	}
	return steps
}

// isSelective reports whether any leaf of pred is selective per the
// metadata index's cardinality heuristic.
func isSelective(meta *metaindex.Index, pred *metaindex.Predicate) bool {
	if pred == nil {
		return false
	}
	if pred.Leaf != nil {
		return meta.IsSelective(pred.Leaf)
	}
	for _, c := range pred.And {
		if isSelective(meta, c) {
			return true
		}
	}
	for _, c := range pred.Or {
		if isSelective(meta, c) {
			return true
		}
	}
	if pred.Not != nil {
		return isSelective(meta, pred.Not)
	}
	return false
}

// structuralKey hashes the shape of q — which fields are present and which
// predicate operators appear — ignoring their values, so queries that
// differ only by value share a cached plan.
func structuralKey(q Query) string {
	h := sha256.New()
	fmt.Fprintf(h, "vector=%v;", len(q.Vector) > 0)
	fmt.Fprintf(h, "graph=%v;dir=%v;", len(q.ConnectedTo) > 0, q.ConnectedDir)
	fmt.Fprintf(h, "types=%v;", len(q.Types) > 0)
	fmt.Fprintf(h, "where=%s;", predicateShape(q.Where))
	return hex.EncodeToString(h.Sum(nil))
}

func predicateShape(pred *metaindex.Predicate) string {
	if pred == nil {
		return "-"
	}
	switch {
	case pred.Leaf != nil:
		return fmt.Sprintf("leaf(%s)", pred.Leaf.Op)
	case pred.And != nil:
		return fmt.Sprintf("and(%s)", shapeAll(pred.And))
	case pred.Or != nil:
		return fmt.Sprintf("or(%s)", shapeAll(pred.Or))
	case pred.Not != nil:
		return fmt.Sprintf("not(%s)", predicateShape(pred.Not))
	default:
		return "?"
	}
}

func shapeAll(preds []*metaindex.Predicate) string {
	shapes := make([]string, len(preds))
	for i, p := range preds {
		shapes[i] = predicateShape(p)
	}
	sort.Strings(shapes)
	out := ""
	for i, s := range shapes {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
