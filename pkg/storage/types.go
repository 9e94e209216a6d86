// Package storage defines the persistence contract for entities, edges, and
// index artifacts, plus the engines that implement it.
//
// Design Principles:
//   - A capability-set interface: the core depends only on the methods
//     enumerated here; no implementation detail leaks upward.
//   - Durable writes after commit, read-your-writes within a process, and a
//     monotonic sequence number per commit usable for crash recovery.
//   - Best-effort atomic batches; backends that cannot provide true
//     atomicity compensate with write-ahead ordering (see Batch).
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	e := &storage.Entity{
//		ID:     storage.EntityID("e1"),
//		Type:   "document",
//		Vector: []float32{1, 0, 0, 0},
//		Metadata: map[string]any{"title": "hello"},
//	}
//	engine.PutEntity(ctx, e)
package storage

import (
	"context"
	"time"

	"github.com/mnemos/mnemos/pkg/dberr"
)

const component = "storage"

// EntityID is a strongly-typed unique identifier for stored entities.
type EntityID string

// EdgeID is a strongly-typed unique identifier for stored edges.
type EdgeID string

// Entity is the primary stored object ("noun"): an id, a fixed-dimension
// vector, a type drawn from a closed enumeration, and free-form metadata.
type Entity struct {
	ID        EntityID
	Vector    []float32
	Type      string
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
	// Deleted marks a tombstoned entity. Soft-deleted entities are excluded
	// from every query but remain retrievable by explicit id lookup with
	// IncludeDeleted until compaction removes them.
	Deleted bool
}

// Clone returns a deep-enough copy so callers and the engine never alias the
// same Vector/Metadata backing arrays.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Vector != nil {
		clone.Vector = make([]float32, len(e.Vector))
		copy(clone.Vector, e.Vector)
	}
	if e.Metadata != nil {
		clone.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// Edge is a directed, typed, weighted relationship between two entities
// (the domain's "verb").
type Edge struct {
	ID        EdgeID
	SourceID  EntityID
	TargetID  EntityID
	Verb      string
	Weight    float64
	Metadata  map[string]any
	CreatedAt time.Time
}

// Clone returns a copy that does not alias Metadata with the original.
func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Metadata != nil {
		clone.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// DefaultEdgeWeight is used when an edge is added without an explicit weight.
const DefaultEdgeWeight = 0.5

// Engine is the storage capability set. Implementations: MemoryEngine
// (in-process, no durability) and BadgerEngine (local persistent KV). A
// remote object-store backend is interface-only per this system's scope.
type Engine interface {
	GetEntity(ctx context.Context, id EntityID) (*Entity, error)
	PutEntity(ctx context.Context, e *Entity) error
	DeleteEntity(ctx context.Context, id EntityID) (bool, error)

	GetEdge(ctx context.Context, id EdgeID) (*Edge, error)
	PutEdge(ctx context.Context, e *Edge) error
	DeleteEdge(ctx context.Context, id EdgeID) (bool, error)

	// ListEntityIDs returns up to limit ids lexicographically at or after
	// cursor (and matching prefix, if non-empty), plus the cursor to resume
	// from, which is empty when the scan is exhausted.
	ListEntityIDs(ctx context.Context, prefix string, cursor string, limit int) ([]EntityID, string, error)

	ListEdgesBySource(ctx context.Context, id EntityID) ([]*Edge, error)
	ListEdgesByTarget(ctx context.Context, id EntityID) ([]*Edge, error)

	// PutIndexBlob/GetIndexBlob persist opaque artifacts such as the HNSW
	// graph snapshot, keyed by name.
	PutIndexBlob(ctx context.Context, name string, data []byte) error
	GetIndexBlob(ctx context.Context, name string) ([]byte, error)

	// BeginBatch opens a grouped write. Implementations that cannot provide
	// true atomicity document it; the registry compensates by ordering its
	// own writes and rolling back in-memory components on commit failure.
	BeginBatch(ctx context.Context) (Batch, error)

	EntityCount(ctx context.Context) (int, error)
	EdgeCount(ctx context.Context) (int, error)

	// Sequence returns the current monotonic commit sequence number. The
	// HNSW snapshot does not record it, and recovery in package mnemos does
	// not replay from it: it reconciles a loaded snapshot against a scan of
	// every stored entity.
	Sequence() uint64

	Close() error
}

// Batch groups writes for best-effort atomic commit.
type Batch interface {
	PutEntity(e *Entity) error
	DeleteEntity(id EntityID) error
	PutEdge(e *Edge) error
	DeleteEdge(id EdgeID) error

	// Commit durably applies the batch and returns the commit's sequence
	// number. On error the batch is left uncommitted; the caller should
	// still call Abort to release any held resources.
	Commit(ctx context.Context) (uint64, error)
	Abort() error
}

// Errors returned by this package, wrapped with dberr.Code so callers can
// use errors.Is against either the sentinel or the stable code.
var (
	ErrNotFound      = dberr.New(component, dberr.NotFound, "not found")
	ErrAlreadyExists = dberr.New(component, dberr.AlreadyExists, "already exists")
	ErrClosed        = dberr.New(component, dberr.StorageUnavailable, "storage closed")
	ErrInvalidEdge   = dberr.New(component, dberr.Conflict, "invalid edge: source or target entity not found")
	ErrNoTransaction = dberr.New(component, dberr.Internal, "no active batch")
)
