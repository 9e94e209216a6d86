// Package registry implements the single write path into the database.
// Every entity and edge mutation passes through here so storage, the
// vector index, the metadata index, and the adjacency graph are kept in
// lock-step with crash-safe ordering.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/mnemos/mnemos/pkg/cache"
	"github.com/mnemos/mnemos/pkg/dberr"
	"github.com/mnemos/mnemos/pkg/graph"
	"github.com/mnemos/mnemos/pkg/hnsw"
	"github.com/mnemos/mnemos/pkg/metaindex"
	"github.com/mnemos/mnemos/pkg/storage"
)

const component = "registry"

// DefaultBulkBatchSize is the number of requests BulkAdd runs concurrently
// per chunk.
const DefaultBulkBatchSize = 100

// TypeField is the reserved metadata-index field name the registry uses to
// make an entity's Type queryable via the metadata index's equality path,
// so the planner can pre-intersect a query's `types` against it without a
// dedicated index structure. It is never written into Entity.Metadata.
const TypeField = "__type"

func withType(metadata map[string]any, entityType string) map[string]any {
	out := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out[TypeField] = entityType
	return out
}

// Embedder turns content into a vector. Callers that already have a
// vector (externally embedded) skip this by passing AddRequest.Vector
// directly.
type Embedder interface {
	Embed(ctx context.Context, content string) ([]float32, error)
}

// AddRequest describes one entity to insert.
type AddRequest struct {
	Type               string
	Content            string // passed to the Embedder when Vector is nil
	Vector             []float32
	Metadata           map[string]any
	ContentFingerprint string        // optional dedup key
	Edges              []EdgeRequest // added atomically with the entity
}

// EdgeRequest describes one edge whose source is the entity being added.
type EdgeRequest struct {
	TargetID storage.EntityID
	Verb     string
	Weight   float64
	Metadata map[string]any
}

// Registry is the entity/edge write path. It is safe for concurrent use;
// per-id ordering is enforced by locking each target id before mutation.
type Registry struct {
	storage   storage.Engine
	vectors   *hnsw.Index
	meta      *metaindex.Index
	adjacency *graph.Adjacency
	embedder  Embedder
	entities  *cache.EntityCache // invalidated on every Update/Delete; nil disables

	locksMu sync.Mutex
	locks   map[storage.EntityID]*sync.Mutex

	fingerprintMu sync.RWMutex
	fingerprints  map[string]storage.EntityID

	bulkBatchSize int
}

// New constructs a Registry wired to the four components it coordinates.
// embedder may be nil if every AddRequest supplies its own Vector.
func New(store storage.Engine, vectors *hnsw.Index, meta *metaindex.Index, adjacency *graph.Adjacency, embedder Embedder) *Registry {
	return &Registry{
		storage:       store,
		vectors:       vectors,
		meta:          meta,
		adjacency:     adjacency,
		embedder:      embedder,
		locks:         make(map[storage.EntityID]*sync.Mutex),
		fingerprints:  make(map[string]storage.EntityID),
		bulkBatchSize: DefaultBulkBatchSize,
	}
}

// SetEntityCache wires a hydration cache that Update and Delete will
// invalidate on write. Open hands the same cache to the engine through
// engine.SetEntityCache; passing nil disables invalidation entirely.
func (r *Registry) SetEntityCache(c *cache.EntityCache) {
	r.entities = c
}

// EntityCache returns the registry's hydration cache, or nil if none was
// configured.
func (r *Registry) EntityCache() *cache.EntityCache {
	return r.entities
}

// Prime reindexes an already-persisted, live entity into C3 without
// touching storage, C4, or C5 — used by the database at startup to rebuild
// the metadata index by replaying every live entity already on disk.
// Tombstoned entities are skipped; they stay unindexed until revived by a
// future Update (which never happens under this lifecycle) or compacted.
func (r *Registry) Prime(e *storage.Entity) {
	if e == nil || e.Deleted {
		return
	}
	r.meta.Index(e.ID, withType(e.Metadata, e.Type))
}

func (r *Registry) lockFor(id storage.EntityID) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	m, ok := r.locks[id]
	if !ok {
		m = &sync.Mutex{}
		r.locks[id] = m
	}
	return m
}

func newEntityID() storage.EntityID {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return storage.EntityID(hex.EncodeToString(b))
}

func newEdgeID() storage.EdgeID {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return storage.EdgeID(hex.EncodeToString(b))
}

// Add allocates an id, embeds content if necessary, and performs the
// write-ordered insertion: C2 put, C5 insert, C3 index, C4 adjacency
// (for any atomic edges), then commit. Failure after the C2 put but
// before commit rolls C5 and C3 back in reverse order, so the entity
// never becomes visible.
func (r *Registry) Add(ctx context.Context, req AddRequest) (storage.EntityID, error) {
	if req.ContentFingerprint != "" {
		r.fingerprintMu.RLock()
		existing, ok := r.fingerprints[req.ContentFingerprint]
		r.fingerprintMu.RUnlock()
		if ok {
			return existing, nil
		}
	}

	vec := req.Vector
	if vec == nil {
		if r.embedder == nil {
			return "", dberr.New(component, dberr.Internal, "no vector supplied and no embedder configured")
		}
		embedded, err := r.embedder.Embed(ctx, req.Content)
		if err != nil {
			return "", dberr.Wrap(component, dberr.Internal, "embedding content", err)
		}
		vec = embedded
	}

	id := newEntityID()
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	entity := &storage.Entity{
		ID:        id,
		Vector:    vec,
		Type:      req.Type,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	batch, err := r.storage.BeginBatch(ctx)
	if err != nil {
		return "", dberr.Wrap(component, dberr.StorageUnavailable, "opening write batch", err)
	}

	if err := batch.PutEntity(entity); err != nil {
		batch.Abort()
		return "", dberr.Wrap(component, dberr.Internal, "persisting entity", err)
	}

	if err := r.vectors.Add(id, vec); err != nil {
		// C5 insertion failed: the batch is aborted and C5 was never
		// mutated on this path, so the entity never becomes visible.
		batch.Abort()
		return "", err
	}

	r.meta.Index(id, withType(req.Metadata, req.Type))

	var addedEdges []*storage.Edge
	for _, er := range req.Edges {
		live, lerr := r.entityLive(ctx, er.TargetID)
		if lerr != nil {
			r.rollbackAdd(id, req.Type, req.Metadata, addedEdges)
			batch.Abort()
			return "", dberr.Wrap(component, dberr.StorageUnavailable, "checking edge target", lerr)
		}
		if !live {
			r.rollbackAdd(id, req.Type, req.Metadata, addedEdges)
			batch.Abort()
			return "", storage.ErrInvalidEdge
		}
		edge := &storage.Edge{
			ID:        newEdgeID(),
			SourceID:  id,
			TargetID:  er.TargetID,
			Verb:      er.Verb,
			Weight:    er.Weight,
			Metadata:  er.Metadata,
			CreatedAt: now,
		}
		if err := batch.PutEdge(edge); err != nil {
			r.rollbackAdd(id, req.Type, req.Metadata, addedEdges)
			batch.Abort()
			return "", dberr.Wrap(component, dberr.Internal, "persisting edge", err)
		}
		r.adjacency.AddEdge(edge)
		addedEdges = append(addedEdges, edge)
	}

	if _, err := batch.Commit(ctx); err != nil {
		r.rollbackAdd(id, req.Type, req.Metadata, addedEdges)
		return "", dberr.Wrap(component, dberr.Internal, "committing write batch", err)
	}

	if req.ContentFingerprint != "" {
		r.fingerprintMu.Lock()
		r.fingerprints[req.ContentFingerprint] = id
		r.fingerprintMu.Unlock()
	}

	return id, nil
}

// rollbackAdd undoes C5 and C3 mutations, in reverse of the order they
// were applied, after a batch commit or edge put fails.
func (r *Registry) rollbackAdd(id storage.EntityID, entityType string, metadata map[string]any, edges []*storage.Edge) {
	for i := len(edges) - 1; i >= 0; i-- {
		r.adjacency.RemoveEdge(edges[i])
	}
	r.meta.Remove(id, withType(metadata, entityType))
	r.vectors.Remove(id)
}

// Update replaces an entity's metadata and, if provided, its vector.
// Both the metadata index and vector index are updated to match.
func (r *Registry) Update(ctx context.Context, id storage.EntityID, metadata map[string]any, vector []float32) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	existing, err := r.storage.GetEntity(ctx, id)
	if err != nil {
		return err
	}

	batch, err := r.storage.BeginBatch(ctx)
	if err != nil {
		return dberr.Wrap(component, dberr.StorageUnavailable, "opening write batch", err)
	}

	oldMetadata := existing.Metadata
	existing.Metadata = metadata
	existing.UpdatedAt = time.Now()
	if vector != nil {
		existing.Vector = vector
	}

	if err := batch.PutEntity(existing); err != nil {
		batch.Abort()
		return dberr.Wrap(component, dberr.Internal, "persisting updated entity", err)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return dberr.Wrap(component, dberr.Internal, "committing update", err)
	}

	r.meta.Remove(id, withType(oldMetadata, existing.Type))
	r.meta.Index(id, withType(metadata, existing.Type))
	if vector != nil {
		r.vectors.Remove(id)
		if err := r.vectors.Add(id, vector); err != nil {
			return err
		}
	}
	r.entities.Invalidate(id)
	return nil
}

// ErrHasIncidentEdges is returned by Delete when the entity has outgoing or
// incoming edges and the caller did not request cascade.
var ErrHasIncidentEdges = dberr.New(component, dberr.Conflict, "entity has incident edges; delete with cascade to remove them first")

// DeleteOptions controls Delete's cascade and hard-removal behavior.
type DeleteOptions struct {
	// Cascade removes every incident edge (both directions) in the same
	// batch as the entity delete before it proceeds. Without it, Delete
	// fails with ErrHasIncidentEdges when any incident edge exists.
	Cascade bool
	// Hard physically removes the entity from storage and restructures
	// the HNSW graph (via vectors.Remove) instead of tombstoning it. The
	// zero value soft-deletes: the entity is marked Deleted and tombstoned
	// in C5, remaining retrievable by explicit id lookup until Hard delete
	// or compaction.
	Hard bool
}

// Delete removes an entity per opts. Edge removal always precedes entity
// removal: when incident edges exist and Cascade is set, they are deleted
// in the same storage batch as the entity mutation, so cascade appears
// atomic from the caller's perspective; without Cascade, a non-empty
// incident set fails the call before any mutation happens.
//
// Soft delete (the default) tombstones the C5 node (no graph
// restructuring), unindexes C3, and marks the C2 record Deleted so future
// reads treat the id as gone except via explicit include_deleted lookup.
// Hard delete physically removes the C2 record and restructures C5.
func (r *Registry) Delete(ctx context.Context, id storage.EntityID, opts DeleteOptions) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	entity, err := r.storage.GetEntity(ctx, id)
	if err != nil {
		return err
	}

	incident := r.adjacency.Neighbors(id, graph.Both)
	if len(incident) > 0 && !opts.Cascade {
		return ErrHasIncidentEdges
	}

	batch, err := r.storage.BeginBatch(ctx)
	if err != nil {
		return dberr.Wrap(component, dberr.StorageUnavailable, "opening write batch", err)
	}

	var cascaded []*storage.Edge
	seen := make(map[storage.EdgeID]struct{}, len(incident))
	for _, n := range incident {
		if _, ok := seen[n.EdgeID]; ok {
			continue
		}
		seen[n.EdgeID] = struct{}{}
		edge, err := r.storage.GetEdge(ctx, n.EdgeID)
		if err != nil {
			batch.Abort()
			return dberr.Wrap(component, dberr.Internal, "loading incident edge for cascade", err)
		}
		if err := batch.DeleteEdge(n.EdgeID); err != nil {
			batch.Abort()
			return dberr.Wrap(component, dberr.Internal, "cascading edge delete", err)
		}
		cascaded = append(cascaded, edge)
	}

	if opts.Hard {
		if err := batch.DeleteEntity(id); err != nil {
			batch.Abort()
			return dberr.Wrap(component, dberr.Internal, "hard-deleting entity", err)
		}
	} else {
		entity.Deleted = true
		entity.UpdatedAt = time.Now()
		if err := batch.PutEntity(entity); err != nil {
			batch.Abort()
			return dberr.Wrap(component, dberr.Internal, "tombstoning entity", err)
		}
	}

	if _, err := batch.Commit(ctx); err != nil {
		return dberr.Wrap(component, dberr.Internal, "committing delete", err)
	}

	for _, e := range cascaded {
		r.adjacency.RemoveEdge(e)
	}
	r.meta.Remove(id, withType(entity.Metadata, entity.Type))
	if opts.Hard {
		r.vectors.Remove(id)
		r.adjacency.RemoveEntity(id)
	} else {
		r.vectors.Tombstone(id)
	}
	r.entities.Invalidate(id)
	return nil
}

// entityLive reports whether id refers to a present, non-tombstoned entity.
func (r *Registry) entityLive(ctx context.Context, id storage.EntityID) (bool, error) {
	e, err := r.storage.GetEntity(ctx, id)
	if err != nil {
		if dberr.Is(err, dberr.NotFound) {
			return false, nil
		}
		return false, err
	}
	return !e.Deleted, nil
}

// AddEdge persists an edge outside of entity creation and updates C4. Both
// endpoints must refer to live entities at the moment of insertion.
func (r *Registry) AddEdge(ctx context.Context, sourceID, targetID storage.EntityID, verb string, weight float64, metadata map[string]any) (storage.EdgeID, error) {
	for _, endpoint := range []storage.EntityID{sourceID, targetID} {
		live, err := r.entityLive(ctx, endpoint)
		if err != nil {
			return "", dberr.Wrap(component, dberr.StorageUnavailable, "checking edge endpoint", err)
		}
		if !live {
			return "", storage.ErrInvalidEdge
		}
	}

	edge := &storage.Edge{
		ID:        newEdgeID(),
		SourceID:  sourceID,
		TargetID:  targetID,
		Verb:      verb,
		Weight:    weight,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}

	batch, err := r.storage.BeginBatch(ctx)
	if err != nil {
		return "", dberr.Wrap(component, dberr.StorageUnavailable, "opening write batch", err)
	}
	if err := batch.PutEdge(edge); err != nil {
		batch.Abort()
		return "", dberr.Wrap(component, dberr.Internal, "persisting edge", err)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return "", dberr.Wrap(component, dberr.Internal, "committing edge", err)
	}
	r.adjacency.AddEdge(edge)
	return edge.ID, nil
}

// DeleteEdge removes an edge from storage and adjacency.
func (r *Registry) DeleteEdge(ctx context.Context, id storage.EdgeID) error {
	edge, err := r.storage.GetEdge(ctx, id)
	if err != nil {
		return err
	}
	batch, err := r.storage.BeginBatch(ctx)
	if err != nil {
		return dberr.Wrap(component, dberr.StorageUnavailable, "opening write batch", err)
	}
	if err := batch.DeleteEdge(id); err != nil {
		batch.Abort()
		return dberr.Wrap(component, dberr.Internal, "deleting edge", err)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return dberr.Wrap(component, dberr.Internal, "committing edge delete", err)
	}
	r.adjacency.RemoveEdge(edge)
	return nil
}

// BulkResult reports the outcome of one item in a BulkAdd call.
type BulkResult struct {
	ID  storage.EntityID
	Err error
}

// BulkAdd splits requests into chunks of bulkBatchSize (default
// DefaultBulkBatchSize) and runs the chunks one after another. The items of
// a chunk are added concurrently, each through Add with its own storage
// commit; a chunk is not committed as one unit. A failure on one item does
// not affect the others in its chunk.
func (r *Registry) BulkAdd(ctx context.Context, reqs []AddRequest) []BulkResult {
	results := make([]BulkResult, len(reqs))
	for start := 0; start < len(reqs); start += r.bulkBatchSize {
		end := start + r.bulkBatchSize
		if end > len(reqs) {
			end = len(reqs)
		}
		r.runBulkBatch(ctx, reqs[start:end], results[start:end])
	}
	return results
}

func (r *Registry) runBulkBatch(ctx context.Context, reqs []AddRequest, out []BulkResult) {
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.Add(ctx, reqs[i])
			out[i] = BulkResult{ID: id, Err: err}
		}(i)
	}
	wg.Wait()
}

// SetBulkBatchSize overrides DefaultBulkBatchSize.
func (r *Registry) SetBulkBatchSize(n int) {
	if n > 0 {
		r.bulkBatchSize = n
	}
}
