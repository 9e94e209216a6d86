// Package storage provides storage engine implementations.
//
// BadgerEngine provides persistent disk-based storage using BadgerDB. It
// implements the Engine interface with durable, read-your-writes commits.
package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization. Single-byte prefixes keep
// key comparison and prefix scans cheap.
const (
	prefixEntity   = byte(0x01) // entity:id -> JSON(Entity)
	prefixEdge     = byte(0x02) // edge:id -> JSON(Edge)
	prefixOutgoing = byte(0x03) // outgoing:sourceID:0x00:edgeID -> {}
	prefixIncoming = byte(0x04) // incoming:targetID:0x00:edgeID -> {}
	prefixBlob     = byte(0x05) // blob:name -> raw bytes
	prefixMeta     = byte(0x06) // meta:key -> raw bytes (sequence counter)
)

var seqKey = []byte{prefixMeta, 's', 'e', 'q'}

// BadgerEngine is the persistent Engine backend.
//
// Key Structure:
//   - Entities: 0x01 + id -> JSON(Entity)
//   - Edges: 0x02 + id -> JSON(Edge)
//   - Outgoing index: 0x03 + sourceID + 0x00 + edgeID -> {}
//   - Incoming index: 0x04 + targetID + 0x00 + edgeID -> {}
//   - Index blobs: 0x05 + name -> raw bytes
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.RWMutex
	seq    atomic.Uint64
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	DataDir    string
	InMemory   bool
	SyncWrites bool
	Logger     badger.Logger
}

// NewBadgerEngine opens (or creates) a persistent engine rooted at dataDir.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineInMemory opens a Badger instance with no disk footprint,
// useful for tests that want BadgerEngine's exact code path without I/O.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerEngineWithOptions opens a BadgerEngine with full control over
// Badger's options.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	badgerOpts = badgerOpts.WithSyncWrites(opts.SyncWrites)
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(opts.Logger)
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %s: %w", opts.DataDir, err)
	}

	e := &BadgerEngine{db: db}
	if err := e.loadSequence(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *BadgerEngine) loadSequence() error {
	return e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seqKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				e.seq.Store(binary.BigEndian.Uint64(val))
			}
			return nil
		})
	})
}

func entityKey(id EntityID) []byte {
	return append([]byte{prefixEntity}, []byte(id)...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, []byte(id)...)
}

func outgoingKey(source EntityID, edge EdgeID) []byte {
	buf := append([]byte{prefixOutgoing}, []byte(source)...)
	buf = append(buf, 0x00)
	return append(buf, []byte(edge)...)
}

func outgoingPrefix(source EntityID) []byte {
	buf := append([]byte{prefixOutgoing}, []byte(source)...)
	return append(buf, 0x00)
}

func incomingKey(target EntityID, edge EdgeID) []byte {
	buf := append([]byte{prefixIncoming}, []byte(target)...)
	buf = append(buf, 0x00)
	return append(buf, []byte(edge)...)
}

func incomingPrefix(target EntityID) []byte {
	buf := append([]byte{prefixIncoming}, []byte(target)...)
	return append(buf, 0x00)
}

func blobKey(name string) []byte {
	return append([]byte{prefixBlob}, []byte(name)...)
}

func (e *BadgerEngine) nextSeq(txn *badger.Txn) (uint64, error) {
	n := e.seq.Add(1)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	if err := txn.Set(seqKey, buf); err != nil {
		return 0, err
	}
	return n, nil
}

func (e *BadgerEngine) GetEntity(_ context.Context, id EntityID) (*Entity, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	var ent Entity
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entityKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ent)
		})
	})
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

func (e *BadgerEngine) PutEntity(_ context.Context, ent *Entity) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	data, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("badger: marshal entity: %w", err)
	}
	return e.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(entityKey(ent.ID), data); err != nil {
			return err
		}
		_, err := e.nextSeq(txn)
		return err
	})
}

func (e *BadgerEngine) DeleteEntity(_ context.Context, id EntityID) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, ErrClosed
	}
	var existed bool
	err := e.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(entityKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		if err := txn.Delete(entityKey(id)); err != nil {
			return err
		}
		if err := deletePrefix(txn, outgoingPrefix(id)); err != nil {
			return err
		}
		if err := deletePrefix(txn, incomingPrefix(id)); err != nil {
			return err
		}
		_, err = e.nextSeq(txn)
		return err
	})
	return existed, err
}

func deletePrefix(txn *badger.Txn, prefix []byte) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := it.Item().KeyCopy(nil)
		keys = append(keys, k)
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (e *BadgerEngine) GetEdge(_ context.Context, id EdgeID) (*Edge, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	var edge Edge
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(edgeKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &edge)
		})
	})
	if err != nil {
		return nil, err
	}
	return &edge, nil
}

func (e *BadgerEngine) PutEdge(_ context.Context, edge *Edge) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.db.Update(func(txn *badger.Txn) error {
		return putEdgeTxn(txn, edge)
	})
}

func putEdgeTxn(txn *badger.Txn, edge *Edge) error {
	if _, err := txn.Get(entityKey(edge.SourceID)); err != nil {
		return ErrInvalidEdge
	}
	if _, err := txn.Get(entityKey(edge.TargetID)); err != nil {
		return ErrInvalidEdge
	}
	data, err := json.Marshal(edge)
	if err != nil {
		return fmt.Errorf("badger: marshal edge: %w", err)
	}
	if err := txn.Set(edgeKey(edge.ID), data); err != nil {
		return err
	}
	if err := txn.Set(outgoingKey(edge.SourceID, edge.ID), []byte{}); err != nil {
		return err
	}
	return txn.Set(incomingKey(edge.TargetID, edge.ID), []byte{})
}

func (e *BadgerEngine) DeleteEdge(_ context.Context, id EdgeID) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, ErrClosed
	}
	var existed bool
	err := e.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(edgeKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		var edge Edge
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &edge) }); err != nil {
			return err
		}
		if err := txn.Delete(edgeKey(id)); err != nil {
			return err
		}
		if err := txn.Delete(outgoingKey(edge.SourceID, id)); err != nil {
			return err
		}
		if err := txn.Delete(incomingKey(edge.TargetID, id)); err != nil {
			return err
		}
		_, err = e.nextSeq(txn)
		return err
	})
	return existed, err
}

func (e *BadgerEngine) ListEntityIDs(_ context.Context, prefix string, cursor string, limit int) ([]EntityID, string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, "", ErrClosed
	}
	var ids []EntityID
	var next string
	err := e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		start := append([]byte{prefixEntity}, []byte(prefix)...)
		if cursor != "" {
			start = entityKey(EntityID(cursor))
		}
		scanPrefix := []byte{prefixEntity}
		count := 0
		for it.Seek(start); it.ValidForPrefix(scanPrefix); it.Next() {
			id := string(it.Item().Key()[1:])
			if prefix != "" && !bytes.HasPrefix([]byte(id), []byte(prefix)) {
				continue
			}
			if limit > 0 && count == limit {
				next = id
				break
			}
			ids = append(ids, EntityID(id))
			count++
		}
		return nil
	})
	return ids, next, err
}

func (e *BadgerEngine) ListEdgesBySource(ctx context.Context, id EntityID) ([]*Edge, error) {
	return e.listEdgesByIndex(ctx, outgoingPrefix(id))
}

func (e *BadgerEngine) ListEdgesByTarget(ctx context.Context, id EntityID) ([]*Edge, error) {
	return e.listEdgesByIndex(ctx, incomingPrefix(id))
}

func (e *BadgerEngine) listEdgesByIndex(_ context.Context, prefix []byte) ([]*Edge, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	var edges []*Edge
	err := e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			edgeID := EdgeID(key[len(prefix):])
			item, err := txn.Get(edgeKey(edgeID))
			if err != nil {
				continue
			}
			var edge Edge
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &edge) }); err != nil {
				return err
			}
			edges = append(edges, &edge)
		}
		return nil
	})
	return edges, err
}

func (e *BadgerEngine) PutIndexBlob(_ context.Context, name string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(blobKey(name), data); err != nil {
			return err
		}
		_, err := e.nextSeq(txn)
		return err
	})
}

func (e *BadgerEngine) GetIndexBlob(_ context.Context, name string) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	var out []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(name))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *BadgerEngine) EntityCount(_ context.Context) (int, error) {
	return e.countPrefix(prefixEntity)
}

func (e *BadgerEngine) EdgeCount(_ context.Context) (int, error) {
	return e.countPrefix(prefixEdge)
}

func (e *BadgerEngine) countPrefix(prefix byte) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return 0, ErrClosed
	}
	count := 0
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte{prefix}
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (e *BadgerEngine) Sequence() uint64 {
	return e.seq.Load()
}

func (e *BadgerEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.db.Close()
}

// Sync flushes pending writes to disk. Badger fsyncs on commit when
// SyncWrites is set; this forces a value-log sync regardless.
func (e *BadgerEngine) Sync() error {
	return e.db.Sync()
}

// RunGC triggers Badger's value-log garbage collection. Safe to call
// periodically from a background loop; a no-op when nothing is reclaimable.
func (e *BadgerEngine) RunGC() error {
	err := e.db.RunValueLogGC(0.5)
	if err == badger.ErrNoRewrite {
		return nil
	}
	return err
}

// BeginBatch opens a Badger transaction-backed batch. Badger transactions
// are genuinely atomic, so this backend needs no compensating write-ahead
// ordering beyond what the registry already does for crash-consistency
// across components other than storage itself.
func (e *BadgerEngine) BeginBatch(_ context.Context) (Batch, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return &badgerBatch{engine: e, txn: e.db.NewTransaction(true)}, nil
}

type badgerBatch struct {
	engine *BadgerEngine
	txn    *badger.Txn
	done   bool
}

func (b *badgerBatch) PutEntity(e *Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.txn.Set(entityKey(e.ID), data)
}

func (b *badgerBatch) DeleteEntity(id EntityID) error {
	if err := b.txn.Delete(entityKey(id)); err != nil {
		return err
	}
	if err := deletePrefix(b.txn, outgoingPrefix(id)); err != nil {
		return err
	}
	return deletePrefix(b.txn, incomingPrefix(id))
}

func (b *badgerBatch) PutEdge(e *Edge) error {
	return putEdgeTxn(b.txn, e)
}

func (b *badgerBatch) DeleteEdge(id EdgeID) error {
	item, err := b.txn.Get(edgeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var edge Edge
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &edge) }); err != nil {
		return err
	}
	if err := b.txn.Delete(edgeKey(id)); err != nil {
		return err
	}
	if err := b.txn.Delete(outgoingKey(edge.SourceID, id)); err != nil {
		return err
	}
	return b.txn.Delete(incomingKey(edge.TargetID, id))
}

func (b *badgerBatch) Commit(_ context.Context) (uint64, error) {
	if b.done {
		return 0, ErrNoTransaction
	}
	b.done = true
	seq, err := b.engine.nextSeq(b.txn)
	if err != nil {
		b.txn.Discard()
		return 0, err
	}
	if err := b.txn.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (b *badgerBatch) Abort() error {
	if b.done {
		return nil
	}
	b.done = true
	b.txn.Discard()
	return nil
}
