// Package engine drives a plan produced by the planner against the vector,
// metadata, and graph components, fuses their ranked lists, and hydrates
// only the final page of results against storage.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mnemos/mnemos/pkg/cache"
	"github.com/mnemos/mnemos/pkg/dberr"
	"github.com/mnemos/mnemos/pkg/fusion"
	"github.com/mnemos/mnemos/pkg/graph"
	"github.com/mnemos/mnemos/pkg/hnsw"
	"github.com/mnemos/mnemos/pkg/metaindex"
	"github.com/mnemos/mnemos/pkg/planner"
	"github.com/mnemos/mnemos/pkg/registry"
	"github.com/mnemos/mnemos/pkg/storage"
)

const component = "engine"

// signalType names the type-filter step's output; unlike the three ranked
// signals it is consumed as an intersection set, never fused.
const signalType = "type"

// Hit is one fully-hydrated result. The per-signal scores are native (not
// fused) and zero when that signal did not surface the entity.
type Hit struct {
	Entity      *storage.Entity
	Score       float64
	VectorScore float64
	FieldScore  float64
	GraphScore  float64
}

// QueryResult is the outcome of running a plan, possibly cut short by the
// query's time budget.
type QueryResult struct {
	Hits    []Hit
	Partial bool
}

// Options configure one query's fusion behavior; the zero value uses RRF
// with default weights and no boosts.
type Options struct {
	Mode   fusion.Mode
	Boosts fusion.Boosts
	MMR    fusion.MMROptions
}

// Engine executes plans. It holds no state of its own beyond references to
// the components it coordinates.
type Engine struct {
	storage   storage.Engine
	vectors   *hnsw.Index
	meta      *metaindex.Index
	adjacency *graph.Adjacency
	planner   *planner.Planner
	entities  *cache.EntityCache
}

// New wires an Engine to the components a plan may call into.
func New(store storage.Engine, vectors *hnsw.Index, meta *metaindex.Index, adjacency *graph.Adjacency, p *planner.Planner) *Engine {
	return &Engine{storage: store, vectors: vectors, meta: meta, adjacency: adjacency, planner: p}
}

// SetEntityCache wires a hydration cache; hydrate and entityLookup read
// from it and fill it on a miss. entityLookup, which fusion uses for
// boosts, loads fused candidates that may not reach the final page, so the
// cache can also hold entities that never surfaced in a result.
func (e *Engine) SetEntityCache(c *cache.EntityCache) {
	e.entities = c
}

type stepOutput struct {
	signal string
	items  []fusion.RankedItem
	err    error
}

// Query plans and executes q, cooperatively respecting ctx's deadline: on
// expiration, whatever signals have already completed are fused and
// returned marked Partial; if none have completed, it fails with Timeout.
func (e *Engine) Query(ctx context.Context, q planner.Query, opts Options) (*QueryResult, error) {
	plan := e.planner.Plan(q)

	independent := make([]planner.Step, 0, len(plan.Steps))
	sequential := make([]planner.Step, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		if s.Independent {
			independent = append(independent, s)
		} else {
			sequential = append(sequential, s)
		}
	}

	var outputs []stepOutput
	var partial bool

	if len(independent) > 0 {
		results := e.runParallel(ctx, independent, q)
		for _, r := range results {
			if r.err != nil {
				if dberr.Is(r.err, dberr.Cancelled) || dberr.Is(r.err, dberr.Timeout) {
					partial = true
					continue
				}
				return nil, r.err
			}
			outputs = append(outputs, r)
		}
	}

	for _, s := range sequential {
		if err := ctx.Err(); err != nil {
			partial = true
			break
		}
		out := e.runStep(ctx, s, q)
		if out.err != nil {
			if dberr.Is(out.err, dberr.Cancelled) || dberr.Is(out.err, dberr.Timeout) {
				partial = true
				continue
			}
			return nil, out.err
		}
		outputs = append(outputs, out)
	}

	// The type filter is not a ranked signal: its id set pre-intersects
	// every other list's candidates before scoring.
	var typeSet map[storage.EntityID]struct{}
	signals := outputs[:0]
	for _, o := range outputs {
		if o.signal == signalType {
			typeSet = make(map[storage.EntityID]struct{}, len(o.items))
			for _, it := range o.items {
				typeSet[it.ID] = struct{}{}
			}
			continue
		}
		signals = append(signals, o)
	}
	outputs = signals
	if typeSet != nil {
		for i := range outputs {
			kept := make([]fusion.RankedItem, 0, len(outputs[i].items))
			for _, it := range outputs[i].items {
				if _, ok := typeSet[it.ID]; ok {
					kept = append(kept, it)
				}
			}
			outputs[i].items = kept
		}
	}

	if len(outputs) == 0 {
		if partial {
			return nil, dberr.New(component, dberr.Timeout, "no signal completed before the query deadline")
		}
		return &QueryResult{}, nil
	}

	var fieldSignal string
	for _, s := range plan.Steps {
		if s.Kind == planner.StepField {
			fieldSignal = string(planner.SignalField)
		}
	}

	lists := make([]fusion.RankedList, 0, len(outputs))
	for _, o := range outputs {
		lists = append(lists, fusion.RankedList{Signal: o.signal, Items: o.items})
	}

	var fused []fusion.Result
	if !plan.NeedsFusion {
		fused = singleSignalResults(outputs, plan.Limit, plan.Offset)
	} else {
		mode := opts.Mode
		if mode == "" {
			mode = fusion.ModeRRF
		}
		lookup := e.entityLookup(ctx)
		fused = fusion.Combine(mode, lists, fieldSignal, opts.Boosts, lookup, opts.MMR, q.Vector, e.vectorLookup(ctx), plan.Limit, plan.Offset)
	}

	hits, err := e.hydrate(ctx, fused)
	if err != nil {
		return nil, err
	}
	return &QueryResult{Hits: hits, Partial: partial}, nil
}

func singleSignalResults(outputs []stepOutput, limit, offset int) []fusion.Result {
	if len(outputs) == 0 {
		return nil
	}
	signal := outputs[0].signal
	items := outputs[0].items
	results := make([]fusion.Result, len(items))
	for i, it := range items {
		r := fusion.Result{ID: it.ID, Score: it.NativeScore}
		switch signal {
		case string(planner.SignalVector):
			r.VectorScore = it.NativeScore
		case string(planner.SignalField):
			r.FieldScore = it.NativeScore
		case string(planner.SignalGraph):
			r.GraphScore = it.NativeScore
		}
		results[i] = r
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if offset >= len(results) {
		return nil
	}
	results = results[offset:]
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (e *Engine) runParallel(ctx context.Context, steps []planner.Step, q planner.Query) []stepOutput {
	results := make([]stepOutput, len(steps))
	var wg sync.WaitGroup
	for i, s := range steps {
		wg.Add(1)
		go func(i int, s planner.Step) {
			defer wg.Done()
			results[i] = e.runStep(ctx, s, q)
		}(i, s)
	}
	wg.Wait()
	return results
}

func (e *Engine) runStep(ctx context.Context, s planner.Step, q planner.Query) stepOutput {
	if err := ctx.Err(); err != nil {
		return stepOutput{err: toCancellation(err)}
	}

	switch s.Kind {
	case planner.StepVector:
		limit := s.FetchLimit
		if limit <= 0 {
			limit = q.Limit
		}
		results, err := e.vectors.Search(ctx, q.Vector, limit, 0)
		if err != nil {
			return stepOutput{err: err}
		}
		items := make([]fusion.RankedItem, len(results))
		for i, r := range results {
			items[i] = fusion.RankedItem{ID: r.ID, NativeScore: 1.0 / (1.0 + r.Distance)}
		}
		return stepOutput{signal: string(planner.SignalVector), items: items}

	case planner.StepField:
		ids, err := e.meta.IDsForFilter(q.Where)
		if err != nil {
			return stepOutput{err: err}
		}
		items := make([]fusion.RankedItem, len(ids))
		for i, id := range ids {
			items[i] = fusion.RankedItem{ID: id, NativeScore: 1}
		}
		return stepOutput{signal: string(planner.SignalField), items: items}

	case planner.StepGraph:
		// Traverse distinguishes an explicit 0 (zero-hop, start ids only)
		// from DepthOmitted and applies the default itself.
		hits, err := e.adjacency.Traverse(q.ConnectedTo, q.ConnectedDir, q.ConnectedDepth, q.ConnectedVerbs)
		if err != nil {
			return stepOutput{err: err}
		}
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].PathWeight > hits[j].PathWeight })
		items := make([]fusion.RankedItem, len(hits))
		for i, h := range hits {
			items[i] = fusion.RankedItem{ID: h.ID, NativeScore: graph.ScoreDecay(h.PathWeight, h.Depth)}
		}
		return stepOutput{signal: string(planner.SignalGraph), items: items}

	case planner.StepListIDs:
		ids, _, err := e.storage.ListEntityIDs(ctx, "", "", q.Limit+q.Offset)
		if err != nil {
			return stepOutput{err: err}
		}
		items := make([]fusion.RankedItem, len(ids))
		for i, id := range ids {
			items[i] = fusion.RankedItem{ID: id, NativeScore: 1}
		}
		return stepOutput{signal: "list", items: items}

	case planner.StepTypeFilter:
		ids, err := e.meta.IDsForFilter(typePredicate(q.Types))
		if err != nil {
			return stepOutput{err: err}
		}
		items := make([]fusion.RankedItem, len(ids))
		for i, id := range ids {
			items[i] = fusion.RankedItem{ID: id, NativeScore: 1}
		}
		return stepOutput{signal: signalType, items: items}

	default:
		return stepOutput{err: dberr.New(component, dberr.Internal, "unknown plan step")}
	}
}

func typePredicate(types []string) *metaindex.Predicate {
	values := make([]any, len(types))
	for i, t := range types {
		values[i] = t
	}
	return metaindex.In(registry.TypeField, values...)
}

func toCancellation(err error) error {
	if err == context.DeadlineExceeded {
		return dberr.New(component, dberr.Timeout, "query deadline exceeded")
	}
	return dberr.New(component, dberr.Cancelled, "query cancelled")
}

// hydrate fetches full entity records for only the final page of fused
// results — never the intermediate candidate set.
func (e *Engine) hydrate(ctx context.Context, results []fusion.Result) ([]Hit, error) {
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		entity, err := e.getEntity(ctx, r.ID)
		if err != nil {
			if dberr.Is(err, dberr.NotFound) {
				continue
			}
			return nil, err
		}
		hits = append(hits, Hit{
			Entity:      entity,
			Score:       r.Score,
			VectorScore: r.VectorScore,
			FieldScore:  r.FieldScore,
			GraphScore:  r.GraphScore,
		})
	}
	return hits, nil
}

func (e *Engine) getEntity(ctx context.Context, id storage.EntityID) (*storage.Entity, error) {
	if cached, ok := e.entities.Get(id); ok {
		return cached, nil
	}
	entity, err := e.storage.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	e.entities.Set(entity)
	return entity, nil
}

func (e *Engine) vectorLookup(ctx context.Context) fusion.VectorLookup {
	return func(id storage.EntityID) ([]float32, bool) {
		entity, err := e.getEntity(ctx, id)
		if err != nil || entity == nil {
			return nil, false
		}
		return entity.Vector, true
	}
}

func (e *Engine) entityLookup(ctx context.Context) fusion.EntityLookup {
	return func(id storage.EntityID) (time.Time, map[string]any, bool) {
		entity, err := e.getEntity(ctx, id)
		if err != nil {
			return time.Time{}, nil, false
		}
		return entity.UpdatedAt, entity.Metadata, true
	}
}
