// Package graph maintains bidirectional entity adjacency and answers
// neighbor and bounded-depth traversal queries. The source of truth for
// edges is the entity registry; this package only holds ids and weights.
package graph

import (
	"container/list"
	"sort"
	"sync"

	"github.com/mnemos/mnemos/pkg/dberr"
	"github.com/mnemos/mnemos/pkg/storage"
)

const component = "graph"

// MaxDepth is the absolute traversal depth cap; exceeding it returns
// ErrDepthLimit rather than running away.
const MaxDepth = 16

// DefaultDepth is used when a caller omits max_depth.
const DefaultDepth = 2

// DepthOmitted is the sentinel for "no depth given"; Traverse substitutes
// DefaultDepth. An explicit 0 is distinct: it is a literal zero-hop
// traversal returning only the start ids.
const DepthOmitted = -1

var ErrDepthLimit = dberr.New(component, dberr.DepthLimit, "traversal depth exceeds the maximum allowed")

// Direction selects which adjacency map a lookup walks.
type Direction int

const (
	Out Direction = iota
	In
	Both
)

type edgeRef struct {
	id     storage.EdgeID
	peer   storage.EntityID
	verb   string
	weight float64
}

// Adjacency holds O(1) bidirectional neighbor lookups keyed by entity id.
type Adjacency struct {
	mu       sync.RWMutex
	outgoing map[storage.EntityID]map[storage.EdgeID]edgeRef
	incoming map[storage.EntityID]map[storage.EdgeID]edgeRef
}

// New returns an empty Adjacency.
func New() *Adjacency {
	return &Adjacency{
		outgoing: make(map[storage.EntityID]map[storage.EdgeID]edgeRef),
		incoming: make(map[storage.EntityID]map[storage.EdgeID]edgeRef),
	}
}

// AddEdge registers e in both the source's outgoing and target's incoming
// maps.
func (a *Adjacency) AddEdge(e *storage.Edge) {
	a.mu.Lock()
	defer a.mu.Unlock()
	weight := e.Weight
	if weight == 0 {
		weight = storage.DefaultEdgeWeight
	}
	if a.outgoing[e.SourceID] == nil {
		a.outgoing[e.SourceID] = make(map[storage.EdgeID]edgeRef)
	}
	a.outgoing[e.SourceID][e.ID] = edgeRef{id: e.ID, peer: e.TargetID, verb: e.Verb, weight: weight}

	if a.incoming[e.TargetID] == nil {
		a.incoming[e.TargetID] = make(map[storage.EdgeID]edgeRef)
	}
	a.incoming[e.TargetID][e.ID] = edgeRef{id: e.ID, peer: e.SourceID, verb: e.Verb, weight: weight}
}

// RemoveEdge drops e from both adjacency maps.
func (a *Adjacency) RemoveEdge(e *storage.Edge) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if set, ok := a.outgoing[e.SourceID]; ok {
		delete(set, e.ID)
	}
	if set, ok := a.incoming[e.TargetID]; ok {
		delete(set, e.ID)
	}
}

// RemoveEntity drops every adjacency entry for id, used when an entity is
// hard-deleted (its edges are assumed already removed by the caller).
func (a *Adjacency) RemoveEntity(id storage.EntityID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.outgoing, id)
	delete(a.incoming, id)
}

// Neighbor is one hop reachable from an id.
type Neighbor struct {
	EdgeID storage.EdgeID
	PeerID storage.EntityID
	Verb   string
	Weight float64
}

// Neighbors returns every direct neighbor of id in the given direction.
func (a *Adjacency) Neighbors(id storage.EntityID, dir Direction) []Neighbor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.neighborsLocked(id, dir)
}

func (a *Adjacency) neighborsLocked(id storage.EntityID, dir Direction) []Neighbor {
	var out []Neighbor
	if dir == Out || dir == Both {
		for _, ref := range a.outgoing[id] {
			out = append(out, Neighbor{EdgeID: ref.id, PeerID: ref.peer, Verb: ref.verb, Weight: ref.weight})
		}
	}
	if dir == In || dir == Both {
		for _, ref := range a.incoming[id] {
			out = append(out, Neighbor{EdgeID: ref.id, PeerID: ref.peer, Verb: ref.verb, Weight: ref.weight})
		}
	}
	return out
}

// TraversalHit is one id discovered during a bounded BFS traversal.
type TraversalHit struct {
	ID         storage.EntityID
	Depth      int
	PathWeight float64
}

// Traverse runs a BFS from startIDs out to maxDepth hops, optionally
// restricted to edges whose verb is in verbFilter (nil/empty means no
// filter). A negative maxDepth (DepthOmitted) uses DefaultDepth; an
// explicit 0 returns only the start ids themselves with path weight 1.
// PathWeight is the product of edge weights along the discovering path;
// ties are broken by shallower depth then lower id, which falls out
// naturally from BFS order plus a final stable sort.
func (a *Adjacency) Traverse(startIDs []storage.EntityID, dir Direction, maxDepth int, verbFilter map[string]struct{}) ([]TraversalHit, error) {
	if maxDepth < 0 {
		maxDepth = DefaultDepth
	}
	if maxDepth > MaxDepth {
		return nil, ErrDepthLimit
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	visited := make(map[storage.EntityID]struct{}, len(startIDs))
	var hits []TraversalHit
	queue := list.New()

	for _, id := range startIDs {
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		hits = append(hits, TraversalHit{ID: id, Depth: 0, PathWeight: 1.0})
		queue.PushBack(traversalNode{id: id, depth: 0, pathWeight: 1.0})
	}

	for queue.Len() > 0 {
		front := queue.Remove(queue.Front()).(traversalNode)
		if front.depth >= maxDepth {
			continue
		}
		for _, n := range a.neighborsLocked(front.id, dir) {
			if verbFilter != nil {
				if _, ok := verbFilter[n.Verb]; !ok {
					continue
				}
			}
			if _, ok := visited[n.PeerID]; ok {
				continue
			}
			visited[n.PeerID] = struct{}{}
			hit := TraversalHit{
				ID:         n.PeerID,
				Depth:      front.depth + 1,
				PathWeight: front.pathWeight * n.Weight,
			}
			hits = append(hits, hit)
			queue.PushBack(traversalNode{id: n.PeerID, depth: hit.Depth, pathWeight: hit.PathWeight})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Depth != hits[j].Depth {
			return hits[i].Depth < hits[j].Depth
		}
		return hits[i].ID < hits[j].ID
	})
	return hits, nil
}

type traversalNode struct {
	id         storage.EntityID
	depth      int
	pathWeight float64
}

// ScoreDecay applies the default graph-signal score decay w * 0.8^depth.
// Callers that received an explicit decay factor from the query should
// compute their own curve instead of calling this helper.
func ScoreDecay(weight float64, depth int) float64 {
	score := weight
	for i := 0; i < depth; i++ {
		score *= 0.8
	}
	return score
}
