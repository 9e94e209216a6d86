// Package mnemos is the embeddable multi-modal knowledge database: it wires
// the distance kernel, storage engine, metadata index, graph adjacency,
// HNSW vector index, entity registry, query planner, fusion combiner, and
// execution engine behind a single Database handle.
//
// Example Usage:
//
//	cfg := config.DefaultConfig()
//	cfg.Database.InMemory = true
//	db, err := mnemos.Open(cfg, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	id, err := db.AddVector(ctx, []float32{1, 0, 0, 0}, "document", map[string]any{"category": "blog"})
package mnemos

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mnemos/mnemos/pkg/cache"
	"github.com/mnemos/mnemos/pkg/config"
	"github.com/mnemos/mnemos/pkg/dberr"
	"github.com/mnemos/mnemos/pkg/engine"
	"github.com/mnemos/mnemos/pkg/fusion"
	"github.com/mnemos/mnemos/pkg/graph"
	"github.com/mnemos/mnemos/pkg/hnsw"
	"github.com/mnemos/mnemos/pkg/metaindex"
	"github.com/mnemos/mnemos/pkg/planner"
	"github.com/mnemos/mnemos/pkg/registry"
	"github.com/mnemos/mnemos/pkg/storage"
	"github.com/mnemos/mnemos/pkg/vecmath"
)

const component = "mnemos"

// hnswSnapshotBlob names the index-blob artifact Close/recover persist the
// HNSW graph topology under.
const hnswSnapshotBlob = "hnsw.snapshot"

// recoverBatchSize bounds how many entity ids ListEntityIDs returns per
// page while Open and Compact scan the whole keyspace.
const recoverBatchSize = 500

// ErrClosed is returned by every Database method once Close has run.
var ErrClosed = dberr.New(component, dberr.Internal, "database is closed")

// Embedder turns content into a vector; embed.Embedder and
// embed.CachedEmbedder both satisfy it. Open accepts nil for callers who
// only ever supply precomputed vectors via AddVector.
type Embedder interface {
	Embed(ctx context.Context, content string) ([]float32, error)
}

// DB is an open database handle. The zero value is not usable; construct
// one with Open.
type DB struct {
	cfg *config.Config

	storage   storage.Engine
	vectors   *hnsw.Index
	meta      *metaindex.Index
	adjacency *graph.Adjacency
	registry  *registry.Registry
	planner   *planner.Planner
	engine    *engine.Engine
	entities  *cache.EntityCache
	embedder  Embedder

	mu             sync.RWMutex
	closed         bool
	degraded       bool
	degradedReason string
	indexBuildTime time.Duration
}

// Open builds or loads a database per cfg. A nil cfg uses
// config.DefaultConfig. Reopening a populated database (cfg.Database.InMemory
// false, same DataDir) loads the last HNSW snapshot and replays every commit
// recorded in storage since, rebuilding C3 and C4 from the entity/edge scan —
// both are derived structures, never snapshotted on their own.
func Open(cfg *config.Config, embedder Embedder) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, dberr.Wrap(component, dberr.Internal, "invalid config", err)
	}

	store, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}

	vectors := hnsw.New(cfg.Database.Dimension, hnsw.Config{
		M:              cfg.HNSW.M,
		EfConstruction: cfg.HNSW.EfConstruction,
		EfSearch:       cfg.HNSW.EfSearch,
		Metric:         vecmath.ParseMetric(cfg.Database.Metric),
	})
	meta := metaindex.New()
	adjacency := graph.New()

	var regEmbedder registry.Embedder
	if embedder != nil {
		regEmbedder = embedder
	}
	reg := registry.New(store, vectors, meta, adjacency, regEmbedder)

	entities, err := cache.NewEntityCache(cfg.Cache.EntityHydrationCacheSize)
	if err != nil {
		_ = store.Close()
		return nil, dberr.Wrap(component, dberr.Internal, "constructing entity cache", err)
	}
	reg.SetEntityCache(entities)

	p := planner.New(meta)
	p.SetCacheCapacity(cfg.Cache.PlanCacheSize)

	eng := engine.New(store, vectors, meta, adjacency, p)
	eng.SetEntityCache(entities)

	db := &DB{
		cfg:       cfg,
		storage:   store,
		vectors:   vectors,
		meta:      meta,
		adjacency: adjacency,
		registry:  reg,
		planner:   p,
		engine:    eng,
		entities:  entities,
		embedder:  embedder,
	}

	buildStart := time.Now()
	if err := db.recover(context.Background()); err != nil {
		_ = store.Close()
		return nil, err
	}
	db.indexBuildTime = time.Since(buildStart)

	return db, nil
}

func openStorage(cfg *config.Config) (storage.Engine, error) {
	if cfg.Database.InMemory {
		return storage.NewMemoryEngine(), nil
	}
	eng, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
		DataDir:    cfg.Database.DataDir,
		SyncWrites: cfg.Database.SyncWrites,
	})
	if err != nil {
		return nil, dberr.Wrap(component, dberr.StorageUnavailable, "opening badger engine", err)
	}
	return eng, nil
}

// recover loads the HNSW snapshot (if any) and replays the live entity/edge
// scan on top of it: C3 and C4 are rebuilt from scratch every Open since
// neither is itself snapshotted, and C5 either resumes from the snapshot
// (attaching vectors that were stripped from it, per the on-disk format) or
// is rebuilt node-by-node when no snapshot exists or it fails its CRC check.
func (db *DB) recover(ctx context.Context) error {
	haveSnapshot := false
	blob, err := db.storage.GetIndexBlob(ctx, hnswSnapshotBlob)
	switch {
	case err == nil:
		if lerr := db.vectors.LoadSnapshot(blob); lerr != nil {
			if !db.cfg.Features.DegradedRebuildOnCorruptSnapshot {
				return dberr.Wrap(component, dberr.CorruptSnapshot, "hnsw snapshot corrupt and degraded rebuild disabled", lerr)
			}
			log.Printf("[%s] hnsw snapshot failed integrity check, rebuilding from entity store: %v", component, lerr)
			db.degraded = true
			db.degradedReason = "hnsw snapshot corrupt; rebuilt from entity store"
		} else {
			haveSnapshot = true
		}
	case dberr.Is(err, dberr.NotFound):
		// First open: nothing to load, vectors rebuild from scratch below.
	default:
		return dberr.Wrap(component, dberr.StorageUnavailable, "loading hnsw snapshot", err)
	}

	cursor := ""
	for {
		ids, next, err := db.storage.ListEntityIDs(ctx, "", cursor, recoverBatchSize)
		if err != nil {
			return dberr.Wrap(component, dberr.StorageUnavailable, "listing entities for recovery", err)
		}
		for _, id := range ids {
			if err := db.recoverOne(ctx, id, haveSnapshot); err != nil {
				return err
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return nil
}

func (db *DB) recoverOne(ctx context.Context, id storage.EntityID, haveSnapshot bool) error {
	e, err := db.storage.GetEntity(ctx, id)
	if err != nil {
		if dberr.Is(err, dberr.NotFound) {
			return nil
		}
		return dberr.Wrap(component, dberr.Internal, "loading entity for recovery", err)
	}

	if e.Deleted {
		// A committed soft-delete leaves no incident edges behind (Delete
		// requires cascade to remove them first), so there is nothing to
		// replay into C4 for a tombstoned entity — only its C5 tombstone
		// bit, when a snapshot-loaded node still carries it.
		if haveSnapshot {
			db.vectors.Tombstone(e.ID)
		}
		return nil
	}

	db.registry.Prime(e)

	if haveSnapshot {
		if aerr := db.vectors.AttachVector(e.ID, e.Vector); aerr != nil {
			if !dberr.Is(aerr, dberr.NotFound) {
				return dberr.Wrap(component, dberr.Internal, "attaching vector to snapshot node", aerr)
			}
			// Added after the snapshot was taken: not in the loaded
			// topology, so insert it fresh instead.
			if err := db.vectors.Add(e.ID, e.Vector); err != nil {
				return dberr.Wrap(component, dberr.Internal, "inserting post-snapshot vector", err)
			}
		}
	} else if err := db.vectors.Add(e.ID, e.Vector); err != nil {
		return dberr.Wrap(component, dberr.Internal, "rebuilding vector index", err)
	}

	edges, err := db.storage.ListEdgesBySource(ctx, e.ID)
	if err != nil {
		return dberr.Wrap(component, dberr.Internal, "loading edges for recovery", err)
	}
	for _, edge := range edges {
		db.adjacency.AddEdge(edge)
	}
	return nil
}

func (db *DB) checkOpen() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return nil
}

// Close flushes the HNSW index to a snapshot blob, releases the storage
// engine and hydration cache, and is idempotent: calling it again is a no-op.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}

	blob, err := db.vectors.Snapshot()
	if err != nil {
		return dberr.Wrap(component, dberr.Internal, "snapshotting hnsw index", err)
	}
	if err := db.storage.PutIndexBlob(context.Background(), hnswSnapshotBlob, blob); err != nil {
		return dberr.Wrap(component, dberr.StorageUnavailable, "persisting hnsw snapshot", err)
	}

	db.entities.Close()
	if err := db.storage.Close(); err != nil {
		return dberr.Wrap(component, dberr.Internal, "closing storage engine", err)
	}
	db.closed = true
	return nil
}

// Add embeds content through the configured Embedder and inserts the result.
func (db *DB) Add(ctx context.Context, content string, entityType string, metadata map[string]any) (storage.EntityID, error) {
	if err := db.checkOpen(); err != nil {
		return "", err
	}
	return db.registry.Add(ctx, registry.AddRequest{Type: entityType, Content: content, Metadata: metadata})
}

// AddVector inserts a precomputed vector, bypassing the embedder entirely.
func (db *DB) AddVector(ctx context.Context, vector []float32, entityType string, metadata map[string]any) (storage.EntityID, error) {
	if err := db.checkOpen(); err != nil {
		return "", err
	}
	return db.registry.Add(ctx, registry.AddRequest{Type: entityType, Vector: vector, Metadata: metadata})
}

// AddItem is one entity to insert via AddMany, optionally with edges added
// atomically alongside it.
type AddItem struct {
	Content            string
	Vector             []float32
	Type               string
	Metadata           map[string]any
	ContentFingerprint string
	Edges              []registry.EdgeRequest
}

// AddFailure reports one AddMany item's index and the error it failed with.
type AddFailure struct {
	Index int
	Err   error
}

// AddManyResult reports AddMany's per-item outcome.
type AddManyResult struct {
	Successful []storage.EntityID
	Failed     []AddFailure
}

// AddMany inserts items, embedding and committing each independently so one
// failure never affects the others. parallel selects whether items embed and
// commit concurrently (via the registry's bulk batching) or strictly in
// order.
func (db *DB) AddMany(ctx context.Context, items []AddItem, parallel bool) (AddManyResult, error) {
	if err := db.checkOpen(); err != nil {
		return AddManyResult{}, err
	}

	reqs := make([]registry.AddRequest, len(items))
	for i, it := range items {
		reqs[i] = registry.AddRequest{
			Type:               it.Type,
			Content:            it.Content,
			Vector:             it.Vector,
			Metadata:           it.Metadata,
			ContentFingerprint: it.ContentFingerprint,
			Edges:              it.Edges,
		}
	}

	var results []registry.BulkResult
	if parallel {
		results = db.registry.BulkAdd(ctx, reqs)
	} else {
		results = make([]registry.BulkResult, len(reqs))
		for i, r := range reqs {
			id, err := db.registry.Add(ctx, r)
			results[i] = registry.BulkResult{ID: id, Err: err}
		}
	}

	var out AddManyResult
	for i, r := range results {
		if r.Err != nil {
			out.Failed = append(out.Failed, AddFailure{Index: i, Err: r.Err})
			continue
		}
		out.Successful = append(out.Successful, r.ID)
	}
	return out, nil
}

// Get retrieves an entity by id. Soft-deleted entities are hidden unless
// includeDeleted is set.
func (db *DB) Get(ctx context.Context, id storage.EntityID, includeDeleted bool) (*storage.Entity, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	e, err := db.storage.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Deleted && !includeDeleted {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

// Update replaces an entity's metadata and, when data is non-nil, re-embeds
// it and replaces the vector too. The registry does not retain raw content
// to diff against, so "re-embed iff data changed" degrades to "re-embed
// whenever data is supplied" — the caller is expected to pass nil when the
// content genuinely did not change.
func (db *DB) Update(ctx context.Context, id storage.EntityID, data *string, metadata map[string]any) error {
	if err := db.checkOpen(); err != nil {
		return err
	}

	var vector []float32
	if data != nil {
		if db.embedder == nil {
			return dberr.New(component, dberr.Internal, "no embedder configured to re-embed data")
		}
		v, err := db.embedder.Embed(ctx, *data)
		if err != nil {
			return dberr.Wrap(component, dberr.Internal, "re-embedding updated content", err)
		}
		vector = v
	}
	return db.registry.Update(ctx, id, metadata, vector)
}

// Delete removes an entity. cascade removes incident edges first instead of
// failing on them; hard physically removes the entity and restructures the
// HNSW graph instead of tombstoning it.
func (db *DB) Delete(ctx context.Context, id storage.EntityID, cascade, hard bool) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.registry.Delete(ctx, id, registry.DeleteOptions{Cascade: cascade, Hard: hard})
}

// AddEdge persists a directed edge. A nil weight uses storage.DefaultEdgeWeight.
func (db *DB) AddEdge(ctx context.Context, sourceID, targetID storage.EntityID, verb string, weight *float64, metadata map[string]any) (storage.EdgeID, error) {
	if err := db.checkOpen(); err != nil {
		return "", err
	}
	w := storage.DefaultEdgeWeight
	if weight != nil {
		w = *weight
	}
	return db.registry.AddEdge(ctx, sourceID, targetID, verb, w, metadata)
}

// DeleteEdge removes an edge.
func (db *DB) DeleteEdge(ctx context.Context, id storage.EdgeID) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.registry.DeleteEdge(ctx, id)
}

// ConnectedQuery narrows FindQuery to entities reachable from From within
// Depth hops in Direction, optionally restricted to Verbs. A negative Depth
// (graph.DepthOmitted) uses graph.DefaultDepth; an explicit 0 restricts the
// graph signal to the start ids themselves.
type ConnectedQuery struct {
	From      []storage.EntityID
	Direction graph.Direction
	Depth     int
	Verbs     map[string]struct{}
}

// FindQuery is the multi-signal query shape Find executes.
type FindQuery struct {
	Similar    []float32
	Where      *metaindex.Predicate
	Connected  *ConnectedQuery
	Types      []string
	Limit      int
	Offset     int
	Boost      fusion.Boosts
	FusionMode fusion.Mode
	MMR        fusion.MMROptions
	// Explain attaches a per-hit breakdown of which signals contributed and
	// with what native scores.
	Explain bool
	// Timeout overrides the database's DefaultTimeBudget for this call.
	Timeout time.Duration
}

// FindHit is one ranked, hydrated Find result. Score is the fused (or, for a
// single-signal query, native) score; the per-signal scores are each signal's
// native contribution and zero when that signal did not surface the entity.
type FindHit struct {
	ID          storage.EntityID
	Score       float64
	VectorScore float64
	FieldScore  float64
	GraphScore  float64
	Entity      *storage.Entity
	// Explanation is populated only when FindQuery.Explain is set.
	Explanation string
}

// FindResult is Find's outcome, possibly Partial if the time budget expired
// before every signal completed.
type FindResult struct {
	Hits    []FindHit
	Partial bool
}

// Find plans and runs a query across whichever of vector similarity, field
// filtering, and graph reachability are present, fusing the results per
// FusionMode (RRF by default). limit=0 returns no hits and performs no
// vector search.
func (db *DB) Find(ctx context.Context, q FindQuery) (*FindResult, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if q.Limit == 0 {
		return &FindResult{}, nil
	}

	pq := planner.Query{
		Vector: q.Similar,
		Where:  q.Where,
		Types:  q.Types,
		Limit:  q.Limit,
		Offset: q.Offset,
	}
	if q.Connected != nil {
		pq.ConnectedTo = q.Connected.From
		pq.ConnectedDir = q.Connected.Direction
		pq.ConnectedDepth = q.Connected.Depth
		pq.ConnectedVerbs = q.Connected.Verbs
	}

	timeout := q.Timeout
	if timeout <= 0 {
		timeout = db.cfg.Query.DefaultTimeBudget
	}
	qctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := db.engine.Query(qctx, pq, engine.Options{Mode: q.FusionMode, Boosts: q.Boost, MMR: q.MMR})
	if err != nil {
		return nil, err
	}

	mode := q.FusionMode
	if mode == "" {
		mode = fusion.ModeRRF
	}
	hits := make([]FindHit, len(result.Hits))
	for i, h := range result.Hits {
		hits[i] = FindHit{
			ID:          h.Entity.ID,
			Score:       h.Score,
			VectorScore: h.VectorScore,
			FieldScore:  h.FieldScore,
			GraphScore:  h.GraphScore,
			Entity:      h.Entity,
		}
		if q.Explain {
			hits[i].Explanation = explainHit(hits[i], mode)
		}
	}
	return &FindResult{Hits: hits, Partial: result.Partial}, nil
}

// explainHit renders a hit's signal breakdown for the Explain flag: each
// signal that surfaced the entity with its native score, then the combined
// score under the fusion mode that produced it.
func explainHit(h FindHit, mode fusion.Mode) string {
	parts := make([]string, 0, 4)
	if h.VectorScore != 0 {
		parts = append(parts, fmt.Sprintf("vector=%.4f", h.VectorScore))
	}
	if h.FieldScore != 0 {
		parts = append(parts, fmt.Sprintf("field=%.4f", h.FieldScore))
	}
	if h.GraphScore != 0 {
		parts = append(parts, fmt.Sprintf("graph=%.4f", h.GraphScore))
	}
	parts = append(parts, fmt.Sprintf("%s=%.6f", mode, h.Score))
	return strings.Join(parts, " ")
}

// SearchHit is one pure-vector KNN result.
type SearchHit struct {
	ID       storage.EntityID
	Distance float64
}

// Search is a pure vector KNN shortcut, bypassing the planner and fusion
// entirely. Results are ascending by distance.
func (db *DB) Search(ctx context.Context, vector []float32, k int) ([]SearchHit, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	results, err := db.vectors.Search(ctx, vector, k, db.cfg.HNSW.EfSearch)
	if err != nil {
		return nil, err
	}
	out := make([]SearchHit, len(results))
	for i, r := range results {
		out[i] = SearchHit{ID: r.ID, Distance: r.Distance}
	}
	return out, nil
}

// NeighborHit is one entity reached during a bounded graph traversal.
type NeighborHit struct {
	ID     storage.EntityID
	Depth  int
	Weight float64
}

// Neighbors runs a bounded BFS from id, excluding id itself, returning every
// reachable entity with its depth and path weight (the product of edge
// weights along the discovering path). A negative depth (graph.DepthOmitted)
// uses Query.DefaultTraversalDepth; an explicit 0 is a literal zero-hop
// traversal, which returns nothing here since the start id is excluded.
func (db *DB) Neighbors(ctx context.Context, id storage.EntityID, dir graph.Direction, depth int) ([]NeighborHit, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if depth < 0 {
		depth = db.cfg.Query.DefaultTraversalDepth
	}
	hits, err := db.adjacency.Traverse([]storage.EntityID{id}, dir, depth, nil)
	if err != nil {
		return nil, err
	}
	out := make([]NeighborHit, 0, len(hits))
	for _, h := range hits {
		if h.ID == id {
			continue
		}
		out = append(out, NeighborHit{ID: h.ID, Depth: h.Depth, Weight: h.PathWeight})
	}
	return out, nil
}

// Stats reports administrative counters, including whether Open rebuilt the
// HNSW index after a corrupt snapshot.
type Stats struct {
	EntityCount int
	EdgeCount   int
	Dimension   int
	// IndexBuildTimeMS is how long Open spent loading the HNSW snapshot and
	// replaying the entity scan into the in-memory indexes.
	IndexBuildTimeMS int64
	Degraded         bool
	DegradedReason   string
}

// Stats returns current administrative counters.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	if err := db.checkOpen(); err != nil {
		return Stats{}, err
	}
	entityCount, err := db.storage.EntityCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	edgeCount, err := db.storage.EdgeCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	db.mu.RLock()
	degraded, reason := db.degraded, db.degradedReason
	db.mu.RUnlock()
	return Stats{
		EntityCount:      entityCount,
		EdgeCount:        edgeCount,
		Dimension:        db.vectors.Dimensions(),
		IndexBuildTimeMS: db.indexBuildTime.Milliseconds(),
		Degraded:         degraded,
		DegradedReason:   reason,
	}, nil
}

// Compact hard-removes every tombstoned entity found by a full scan. Soft
// delete already leaves the HNSW node tombstoned (unindexed in C3, absent
// from search results) — Compact is what actually prunes it from the graph
// and erases the C2 record. Callers are expected to run it without
// concurrent writes in flight; the scan's cursor is not isolated from
// mutation.
func (db *DB) Compact(ctx context.Context) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	cursor := ""
	for {
		ids, next, err := db.storage.ListEntityIDs(ctx, "", cursor, recoverBatchSize)
		if err != nil {
			return dberr.Wrap(component, dberr.StorageUnavailable, "listing entities for compaction", err)
		}
		for _, id := range ids {
			e, err := db.storage.GetEntity(ctx, id)
			if err != nil {
				if dberr.Is(err, dberr.NotFound) {
					continue
				}
				return dberr.Wrap(component, dberr.Internal, "loading entity for compaction", err)
			}
			if !e.Deleted {
				continue
			}
			if err := db.registry.Delete(ctx, id, registry.DeleteOptions{Hard: true}); err != nil {
				return dberr.Wrap(component, dberr.Internal, "hard-deleting tombstoned entity during compaction", err)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return nil
}
