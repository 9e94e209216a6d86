// Package hnsw implements a Hierarchical Navigable Small World graph: a
// multi-layer proximity structure over vectors supporting approximate
// k-nearest-neighbor search and incremental insertion.
package hnsw

import (
	"container/heap"
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/mnemos/mnemos/pkg/dberr"
	"github.com/mnemos/mnemos/pkg/storage"
	"github.com/mnemos/mnemos/pkg/vecmath"
)

const component = "hnsw"

var (
	ErrDimensionMismatch = dberr.New(component, dberr.DimensionMismatch, "vector dimension does not match index dimension")
)

// Config tunes the graph's fan-out and search effort.
type Config struct {
	M              int // neighbor target per layer (2M at layer 0)
	EfConstruction int // candidate pool size during insertion
	EfSearch       int // candidate pool size during search
	Metric         vecmath.Metric
}

// DefaultConfig returns the standard tuning defaults.
func DefaultConfig() Config {
	return Config{
		M:              16,
		EfConstruction: 200,
		EfSearch:       50,
		Metric:         vecmath.Cosine,
	}
}

func (c Config) levelMultiplier() float64 {
	return 1.0 / math.Log(float64(c.M))
}

type node struct {
	id        storage.EntityID
	vector    []float32
	level     int
	neighbors [][]storage.EntityID
	tombstone bool
	mu        sync.RWMutex
}

// Index is a concurrent HNSW vector index.
type Index struct {
	config     Config
	kernel     vecmath.Kernel
	dimensions int

	mu         sync.RWMutex
	nodes      map[storage.EntityID]*node
	entryPoint storage.EntityID
	maxLevel   int
	liveCount  int
}

// New returns an empty index over vectors of the given dimension.
func New(dimensions int, config Config) *Index {
	if config.M == 0 {
		config = DefaultConfig()
	}
	return &Index{
		config:     config,
		kernel:     vecmath.NewKernel(config.Metric),
		dimensions: dimensions,
		nodes:      make(map[storage.EntityID]*node),
	}
}

// Dimensions reports the vector dimension this index was built for.
func (h *Index) Dimensions() int { return h.dimensions }

func (h *Index) prepare(vec []float32) []float32 {
	if h.config.Metric == vecmath.Cosine {
		return vecmath.Normalize(vec)
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}

func (h *Index) randomLevel() int {
	r := rand.Float64()
	for r == 0 {
		r = rand.Float64()
	}
	return int(-math.Log(r) * h.config.levelMultiplier())
}

// Add inserts id/vec into the graph. Insertion either fully links the node
// bidirectionally at every layer up to its assigned level, or (on dimension
// mismatch) leaves the index untouched.
func (h *Index) Add(id storage.EntityID, vec []float32) error {
	if len(vec) != h.dimensions {
		return ErrDimensionMismatch
	}
	normalized := h.prepare(vec)
	level := h.randomLevel()

	n := &node{
		id:        id,
		vector:    normalized,
		level:     level,
		neighbors: make([][]storage.EntityID, level+1),
	}
	for i := range n.neighbors {
		n.neighbors[i] = make([]storage.EntityID, 0, h.capacityFor(i))
	}

	h.mu.Lock()
	if len(h.nodes) == 0 {
		h.nodes[id] = n
		h.entryPoint = id
		h.maxLevel = level
		h.liveCount++
		h.mu.Unlock()
		return nil
	}
	h.nodes[id] = n
	ep := h.entryPoint
	epLevel := h.nodes[ep].level
	topLevel := h.maxLevel
	h.mu.Unlock()

	// The structural map mutation above is brief; the rest of insertion
	// (graph descent, neighbor selection, linking) proceeds under a read
	// lock so concurrent readers are never blocked by an in-flight insert.
	h.mu.RLock()
	for l := epLevel; l > level; l-- {
		ep = h.searchLayerSingle(normalized, ep, l)
	}

	for l := min(level, epLevel); l >= 0; l-- {
		candidates := h.searchLayer(normalized, ep, h.config.EfConstruction, l)
		neighbors := h.selectNeighborsHeuristic(normalized, candidates, h.capacityFor(l))
		n.mu.Lock()
		n.neighbors[l] = neighbors
		n.mu.Unlock()

		for _, neighborID := range neighbors {
			h.linkBack(neighborID, id, l)
		}

		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}
	h.mu.RUnlock()

	h.mu.Lock()
	h.liveCount++
	if level > topLevel {
		h.entryPoint = id
		h.maxLevel = level
	}
	h.mu.Unlock()

	return nil
}

func (h *Index) capacityFor(layer int) int {
	if layer == 0 {
		return 2 * h.config.M
	}
	return h.config.M
}

// linkBack adds id as a neighbor of neighborID at layer, re-pruning by the
// diversity heuristic if the neighbor is now over capacity.
func (h *Index) linkBack(neighborID, id storage.EntityID, layer int) {
	h.mu.RLock()
	neighbor, ok := h.nodes[neighborID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	neighbor.mu.Lock()
	defer neighbor.mu.Unlock()
	if layer >= len(neighbor.neighbors) {
		return
	}
	cap := h.capacityFor(layer)
	if len(neighbor.neighbors[layer]) < cap {
		neighbor.neighbors[layer] = append(neighbor.neighbors[layer], id)
		return
	}
	all := append(append([]storage.EntityID{}, neighbor.neighbors[layer]...), id)
	neighbor.neighbors[layer] = h.selectNeighborsHeuristic(neighbor.vector, all, cap)
}

// Remove hard-deletes id: every neighbor list referencing it is unlinked,
// and the entry point is re-elected first if id was the entry point, so an
// interleaved search never observes a missing entry point.
func (h *Index) Remove(id storage.EntityID) {
	h.mu.Lock()
	n, exists := h.nodes[id]
	if !exists {
		h.mu.Unlock()
		return
	}
	if h.entryPoint == id {
		h.electNewEntryPoint(id)
	}
	delete(h.nodes, id)
	n.mu.RLock()
	wasLive := !n.tombstone
	n.mu.RUnlock()
	if wasLive {
		h.liveCount--
	}
	remaining := make([]*node, 0, len(h.nodes))
	for _, other := range h.nodes {
		remaining = append(remaining, other)
	}
	h.mu.Unlock()

	for _, other := range remaining {
		other.mu.Lock()
		for l := 0; l < len(other.neighbors) && l <= n.level; l++ {
			other.neighbors[l] = removeID(other.neighbors[l], id)
		}
		other.mu.Unlock()
	}
}

// electNewEntryPoint must be called with h.mu held.
func (h *Index) electNewEntryPoint(excluding storage.EntityID) {
	h.entryPoint = ""
	h.maxLevel = 0
	best := -1
	for nid, n := range h.nodes {
		if nid == excluding {
			continue
		}
		if n.level > best {
			best = n.level
			h.entryPoint = nid
			h.maxLevel = n.level
		}
	}
}

// Tombstone soft-deletes id: it is skipped by search but the graph is not
// restructured, avoiding costly re-linking on delete-heavy workloads.
func (h *Index) Tombstone(id storage.EntityID) {
	h.mu.RLock()
	n, ok := h.nodes[id]
	h.mu.RUnlock()
	if !ok {
		return
	}
	n.mu.Lock()
	already := n.tombstone
	n.tombstone = true
	n.mu.Unlock()
	if already {
		return
	}
	h.mu.Lock()
	h.liveCount--
	h.mu.Unlock()
}

func removeID(ids []storage.EntityID, target storage.EntityID) []storage.EntityID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Result is one hit from Search: id and the metric's distance (ascending =
// closer).
type Result struct {
	ID       storage.EntityID
	Distance float64
}

// Search returns the k closest live (non-tombstoned) nodes to query, ascending
// by distance. ef overrides EfSearch for this call when > 0.
func (h *Index) Search(ctx context.Context, query []float32, k int, ef int) ([]Result, error) {
	if len(query) != h.dimensions {
		return nil, ErrDimensionMismatch
	}
	if k <= 0 {
		return nil, nil
	}
	if ef <= 0 {
		ef = h.config.EfSearch
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 {
		return []Result{}, nil
	}

	normalized := h.prepare(query)
	ep := h.entryPoint
	for l := h.maxLevel; l > 0; l-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ep = h.searchLayerSingle(normalized, ep, l)
	}

	candidates := h.searchLayer(normalized, ep, ef, 0)

	results := make([]Result, 0, k)
	for _, candidateID := range candidates {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		n := h.nodes[candidateID]
		n.mu.RLock()
		tombstoned := n.tombstone
		vec := n.vector
		n.mu.RUnlock()
		if tombstoned {
			continue
		}
		results = append(results, Result{ID: candidateID, Distance: h.kernel.Distance(normalized, vec)})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// AttachVector re-hydrates a node's vector after LoadSnapshot, which
// persists only graph topology (ids, layers, neighbor lists, entry point)
// and not the vectors themselves. Callers restoring from a snapshot must
// call this once per node, sourcing the vector from the entity store,
// before the index is safe to search.
func (h *Index) AttachVector(id storage.EntityID, vec []float32) error {
	if len(vec) != h.dimensions {
		return ErrDimensionMismatch
	}
	h.mu.RLock()
	n, ok := h.nodes[id]
	h.mu.RUnlock()
	if !ok {
		return dberr.New(component, dberr.NotFound, "no such node in snapshot")
	}
	normalized := h.prepare(vec)
	n.mu.Lock()
	n.vector = normalized
	n.mu.Unlock()
	return nil
}

// Size returns the number of live (non-tombstoned) nodes.
func (h *Index) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.liveCount
}

func (h *Index) searchLayerSingle(query []float32, entryID storage.EntityID, level int) storage.EntityID {
	current := entryID
	currentDist := h.kernel.Distance(query, h.nodes[current].vector)

	for {
		changed := false
		n := h.nodes[current]
		n.mu.RLock()
		neighbors := append([]storage.EntityID{}, n.neighbors[level]...)
		n.mu.RUnlock()

		for _, neighborID := range neighbors {
			neighbor := h.nodes[neighborID]
			dist := h.kernel.Distance(query, neighbor.vector)
			if dist < currentDist {
				current = neighborID
				currentDist = dist
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return current
}

func (h *Index) searchLayer(query []float32, entryID storage.EntityID, ef int, level int) []storage.EntityID {
	visited := map[storage.EntityID]bool{entryID: true}

	candidates := &distHeap{}
	heap.Init(candidates)
	results := &distHeap{}
	heap.Init(results)

	entryDist := h.kernel.Distance(query, h.nodes[entryID].vector)
	heap.Push(candidates, distItem{id: entryID, dist: entryDist, isMax: false})
	heap.Push(results, distItem{id: entryID, dist: entryDist, isMax: true})

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(distItem)
		if results.Len() >= ef {
			furthest := (*results)[0]
			if closest.dist > furthest.dist {
				break
			}
		}

		n := h.nodes[closest.id]
		if level >= len(n.neighbors) {
			continue
		}
		n.mu.RLock()
		neighbors := append([]storage.EntityID{}, n.neighbors[level]...)
		n.mu.RUnlock()

		for _, neighborID := range neighbors {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true
			neighbor := h.nodes[neighborID]
			dist := h.kernel.Distance(query, neighbor.vector)

			if results.Len() < ef || dist < (*results)[0].dist {
				heap.Push(candidates, distItem{id: neighborID, dist: dist, isMax: false})
				heap.Push(results, distItem{id: neighborID, dist: dist, isMax: true})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]storage.EntityID, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(distItem).id
	}
	return out
}

// selectNeighborsHeuristic implements the standard HNSW diversity-pruning
// rule: walk candidates nearest-first and keep one only if it is closer to
// query than to every neighbor already kept. This favors spread-out
// directions over a cluster of near-duplicate closest points. If fewer than
// m candidates pass the diversity check, the closest leftover candidates
// pad the result so neighbor lists still reach their target size.
func (h *Index) selectNeighborsHeuristic(query []float32, candidates []storage.EntityID, m int) []storage.EntityID {
	if len(candidates) <= m {
		return candidates
	}

	type scored struct {
		id   storage.EntityID
		dist float64
	}
	ranked := make([]scored, len(candidates))
	for i, cid := range candidates {
		ranked[i] = scored{id: cid, dist: h.kernel.Distance(query, h.nodes[cid].vector)}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].dist < ranked[j].dist })

	selected := make([]storage.EntityID, 0, m)
	selectedVecs := make([][]float32, 0, m)
	var leftover []scored

	for _, c := range ranked {
		if len(selected) >= m {
			break
		}
		diverse := true
		for _, sv := range selectedVecs {
			if h.kernel.Distance(h.nodes[c.id].vector, sv) < c.dist {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, c.id)
			selectedVecs = append(selectedVecs, h.nodes[c.id].vector)
		} else {
			leftover = append(leftover, c)
		}
	}

	for _, c := range leftover {
		if len(selected) >= m {
			break
		}
		selected = append(selected, c.id)
	}
	return selected
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type distItem struct {
	id    storage.EntityID
	dist  float64
	isMax bool
}

type distHeap []distItem

func (dh distHeap) Len() int { return len(dh) }
func (dh distHeap) Less(i, j int) bool {
	if dh[i].isMax {
		return dh[i].dist > dh[j].dist
	}
	return dh[i].dist < dh[j].dist
}
func (dh distHeap) Swap(i, j int) { dh[i], dh[j] = dh[j], dh[i] }
func (dh *distHeap) Push(x interface{}) {
	*dh = append(*dh, x.(distItem))
}
func (dh *distHeap) Pop() interface{} {
	old := *dh
	n := len(old)
	x := old[n-1]
	*dh = old[:n-1]
	return x
}
