package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos/mnemos/pkg/storage"
)

func TestEntityCacheSetAndGet(t *testing.T) {
	c, err := NewEntityCache(100)
	require.NoError(t, err)

	entity := &storage.Entity{ID: "a"}
	c.Set(entity)
	c.ristretto.Wait()

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, entity, got)
}

func TestEntityCacheMissReturnsFalse(t *testing.T) {
	c, err := NewEntityCache(100)
	require.NoError(t, err)

	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestEntityCacheInvalidateRemovesEntry(t *testing.T) {
	c, err := NewEntityCache(100)
	require.NoError(t, err)

	entity := &storage.Entity{ID: "a"}
	c.Set(entity)
	c.ristretto.Wait()

	c.Invalidate("a")
	c.ristretto.Wait()

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestZeroSizeCacheDisablesCaching(t *testing.T) {
	c, err := NewEntityCache(0)
	require.NoError(t, err)

	c.Set(&storage.Entity{ID: "a"})
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestNilCacheIsSafe(t *testing.T) {
	var c *EntityCache
	_, ok := c.Get("a")
	assert.False(t, ok)
	c.Set(&storage.Entity{ID: "a"})
	c.Invalidate("a")
	c.Close()
}
