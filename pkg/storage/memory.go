package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// MemoryEngine is an in-process, non-durable Engine. It is the default
// backend for tests and small datasets; BadgerEngine is the persistent one.
type MemoryEngine struct {
	mu sync.RWMutex

	entities map[EntityID]*Entity
	edges    map[EdgeID]*Edge
	outgoing map[EntityID]map[EdgeID]struct{}
	incoming map[EntityID]map[EdgeID]struct{}
	blobs    map[string][]byte

	seq    atomic.Uint64
	closed bool
}

// NewMemoryEngine returns an empty MemoryEngine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		entities: make(map[EntityID]*Entity),
		edges:    make(map[EdgeID]*Edge),
		outgoing: make(map[EntityID]map[EdgeID]struct{}),
		incoming: make(map[EntityID]map[EdgeID]struct{}),
		blobs:    make(map[string][]byte),
	}
}

func (m *MemoryEngine) GetEntity(_ context.Context, id EntityID) (*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.entities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryEngine) PutEntity(_ context.Context, e *Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entities[e.ID] = e.Clone()
	m.seq.Add(1)
	return nil
}

func (m *MemoryEngine) DeleteEntity(_ context.Context, id EntityID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.entities[id]; !ok {
		return false, nil
	}
	delete(m.entities, id)
	delete(m.outgoing, id)
	delete(m.incoming, id)
	m.seq.Add(1)
	return true, nil
}

func (m *MemoryEngine) GetEdge(_ context.Context, id EdgeID) (*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.edges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryEngine) PutEdge(_ context.Context, e *Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.entities[e.SourceID]; !ok {
		return ErrInvalidEdge
	}
	if _, ok := m.entities[e.TargetID]; !ok {
		return ErrInvalidEdge
	}
	m.edges[e.ID] = e.Clone()
	if m.outgoing[e.SourceID] == nil {
		m.outgoing[e.SourceID] = make(map[EdgeID]struct{})
	}
	m.outgoing[e.SourceID][e.ID] = struct{}{}
	if m.incoming[e.TargetID] == nil {
		m.incoming[e.TargetID] = make(map[EdgeID]struct{})
	}
	m.incoming[e.TargetID][e.ID] = struct{}{}
	m.seq.Add(1)
	return nil
}

func (m *MemoryEngine) DeleteEdge(_ context.Context, id EdgeID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.edges[id]
	if !ok {
		return false, nil
	}
	delete(m.edges, id)
	if set, ok := m.outgoing[e.SourceID]; ok {
		delete(set, id)
	}
	if set, ok := m.incoming[e.TargetID]; ok {
		delete(set, id)
	}
	m.seq.Add(1)
	return true, nil
}

func (m *MemoryEngine) ListEntityIDs(_ context.Context, prefix string, cursor string, limit int) ([]EntityID, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, "", ErrClosed
	}
	ids := make([]string, 0, len(m.entities))
	for id := range m.entities {
		s := string(id)
		if prefix != "" && !strings.HasPrefix(s, prefix) {
			continue
		}
		if cursor != "" && s < cursor {
			continue
		}
		ids = append(ids, s)
	}
	sort.Strings(ids)
	if limit <= 0 || limit >= len(ids) {
		out := make([]EntityID, len(ids))
		for i, s := range ids {
			out[i] = EntityID(s)
		}
		return out, "", nil
	}
	out := make([]EntityID, limit)
	for i := 0; i < limit; i++ {
		out[i] = EntityID(ids[i])
	}
	next := ""
	if limit < len(ids) {
		next = ids[limit]
	}
	return out, next, nil
}

func (m *MemoryEngine) ListEdgesBySource(_ context.Context, id EntityID) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	set := m.outgoing[id]
	out := make([]*Edge, 0, len(set))
	for eid := range set {
		out = append(out, m.edges[eid].Clone())
	}
	return out, nil
}

func (m *MemoryEngine) ListEdgesByTarget(_ context.Context, id EntityID) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	set := m.incoming[id]
	out := make([]*Edge, 0, len(set))
	for eid := range set {
		out = append(out, m.edges[eid].Clone())
	}
	return out, nil
}

func (m *MemoryEngine) PutIndexBlob(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blobs[name] = cp
	m.seq.Add(1)
	return nil
}

func (m *MemoryEngine) GetIndexBlob(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	data, ok := m.blobs[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *MemoryEngine) EntityCount(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities), nil
}

func (m *MemoryEngine) EdgeCount(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.edges), nil
}

func (m *MemoryEngine) Sequence() uint64 {
	return m.seq.Load()
}

func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// BeginBatch returns a batch that stages writes and applies them to m only
// on Commit. MemoryEngine batches are genuinely atomic since the apply step
// holds the single engine lock for its whole duration.
func (m *MemoryEngine) BeginBatch(_ context.Context) (Batch, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return &memoryBatch{engine: m}, nil
}

type memoryOp struct {
	kind     string // put_entity, delete_entity, put_edge, delete_edge
	entity   *Entity
	edge     *Edge
	entityID EntityID
	edgeID   EdgeID
}

type memoryBatch struct {
	engine *MemoryEngine
	ops    []memoryOp
	done   bool
}

func (b *memoryBatch) PutEntity(e *Entity) error {
	b.ops = append(b.ops, memoryOp{kind: "put_entity", entity: e.Clone()})
	return nil
}

func (b *memoryBatch) DeleteEntity(id EntityID) error {
	b.ops = append(b.ops, memoryOp{kind: "delete_entity", entityID: id})
	return nil
}

func (b *memoryBatch) PutEdge(e *Edge) error {
	b.ops = append(b.ops, memoryOp{kind: "put_edge", edge: e.Clone()})
	return nil
}

func (b *memoryBatch) DeleteEdge(id EdgeID) error {
	b.ops = append(b.ops, memoryOp{kind: "delete_edge", edgeID: id})
	return nil
}

func (b *memoryBatch) Commit(ctx context.Context) (uint64, error) {
	if b.done {
		return 0, ErrNoTransaction
	}
	b.done = true
	b.engine.mu.Lock()
	defer b.engine.mu.Unlock()
	if b.engine.closed {
		return 0, ErrClosed
	}
	for _, op := range b.ops {
		switch op.kind {
		case "put_entity":
			b.engine.entities[op.entity.ID] = op.entity
		case "delete_entity":
			delete(b.engine.entities, op.entityID)
			delete(b.engine.outgoing, op.entityID)
			delete(b.engine.incoming, op.entityID)
		case "put_edge":
			b.engine.edges[op.edge.ID] = op.edge
			if b.engine.outgoing[op.edge.SourceID] == nil {
				b.engine.outgoing[op.edge.SourceID] = make(map[EdgeID]struct{})
			}
			b.engine.outgoing[op.edge.SourceID][op.edge.ID] = struct{}{}
			if b.engine.incoming[op.edge.TargetID] == nil {
				b.engine.incoming[op.edge.TargetID] = make(map[EdgeID]struct{})
			}
			b.engine.incoming[op.edge.TargetID][op.edge.ID] = struct{}{}
		case "delete_edge":
			if e, ok := b.engine.edges[op.edgeID]; ok {
				delete(b.engine.edges, op.edgeID)
				if set, ok := b.engine.outgoing[e.SourceID]; ok {
					delete(set, op.edgeID)
				}
				if set, ok := b.engine.incoming[e.TargetID]; ok {
					delete(set, op.edgeID)
				}
			}
		}
	}
	b.engine.seq.Add(1)
	return b.engine.seq.Load(), nil
}

func (b *memoryBatch) Abort() error {
	b.done = true
	b.ops = nil
	return nil
}

// NewEntityID generates a process-unique stable id.
func NewEntityID() EntityID {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return EntityID(hex.EncodeToString(buf[:]))
}

// NewEdgeID generates a process-unique stable id for an edge.
func NewEdgeID() EdgeID {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return EdgeID(hex.EncodeToString(buf[:]))
}
