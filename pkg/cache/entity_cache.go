// Package cache wraps ristretto to provide a bounded, admission-policy cache
// for fully-hydrated entities, avoiding a storage round trip for entities
// that repeatedly show up in query result pages.
package cache

import (
	"github.com/dgraph-io/ristretto/v2"

	"github.com/mnemos/mnemos/pkg/storage"
)

// EntityCache caches *storage.Entity values by id. It is safe for
// concurrent use.
type EntityCache struct {
	ristretto *ristretto.Cache[string, *storage.Entity]
}

// entityCost is a fixed per-entry cost used for MaxCost accounting. Entities
// vary in size (metadata, vector length) but a fixed cost keeps the
// admission policy simple and avoids reflecting over arbitrary metadata
// values on every Set.
const entityCost = 1

// NewEntityCache builds an EntityCache admitting up to maxEntries entities.
// A maxEntries of zero disables the cache: Get always misses and Set is a
// no-op.
func NewEntityCache(maxEntries int64) (*EntityCache, error) {
	if maxEntries <= 0 {
		return &EntityCache{}, nil
	}
	rc, err := ristretto.NewCache(&ristretto.Config[string, *storage.Entity]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &EntityCache{ristretto: rc}, nil
}

// Get returns the cached entity for id, if present.
func (c *EntityCache) Get(id storage.EntityID) (*storage.Entity, bool) {
	if c == nil || c.ristretto == nil {
		return nil, false
	}
	return c.ristretto.Get(string(id))
}

// Set admits entity into the cache under its own id.
func (c *EntityCache) Set(entity *storage.Entity) {
	if c == nil || c.ristretto == nil || entity == nil {
		return
	}
	c.ristretto.Set(string(entity.ID), entity, entityCost)
}

// Invalidate removes id from the cache. Call this on update or delete so a
// stale hit never outlives the write that produced it.
func (c *EntityCache) Invalidate(id storage.EntityID) {
	if c == nil || c.ristretto == nil {
		return
	}
	c.ristretto.Del(string(id))
}

// Close releases the cache's background goroutines.
func (c *EntityCache) Close() {
	if c == nil || c.ristretto == nil {
		return
	}
	c.ristretto.Close()
}
