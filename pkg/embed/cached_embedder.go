package embed

import (
	"context"
	"hash/fnv"
	"strconv"

	"github.com/dgraph-io/ristretto/v2"
)

// DefaultEmbeddingCacheSize is the entry count used when NewCachedEmbedder
// is given maxSize <= 0.
const DefaultEmbeddingCacheSize = 1000

// CachedEmbedder wraps an Embedder with a ristretto-backed cache keyed by
// exact string equality (hashed with FNV-1a, a fast non-cryptographic hash
// appropriate for a cache key rather than a security boundary). It is safe
// for concurrent use.
type CachedEmbedder struct {
	base      Embedder
	ristretto *ristretto.Cache[string, []float32]
	maxSize   int64
}

// NewCachedEmbedder wraps base with a cache admitting up to maxSize entries.
// maxSize <= 0 uses DefaultEmbeddingCacheSize.
func NewCachedEmbedder(base Embedder, maxSize int) (*CachedEmbedder, error) {
	if maxSize <= 0 {
		maxSize = DefaultEmbeddingCacheSize
	}
	rc, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: int64(maxSize) * 10,
		MaxCost:     int64(maxSize),
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{base: base, ristretto: rc, maxSize: int64(maxSize)}, nil
}

func cacheKey(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return strconv.FormatUint(h.Sum64(), 36)
}

// Embed returns the cached vector for text if present, otherwise calls the
// wrapped Embedder and admits the result under text's key.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if v, ok := c.ristretto.Get(key); ok {
		return v, nil
	}
	v, err := c.base.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.ristretto.Set(key, v, 1)
	return v, nil
}

// EmbedBatch resolves each text against the cache individually, sending only
// the misses to the wrapped Embedder's EmbedBatch in one call.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		if v, ok := c.ristretto.Get(cacheKey(text)); ok {
			results[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	embedded, err := c.base.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, v := range embedded {
		i := missIdx[j]
		results[i] = v
		c.ristretto.Set(cacheKey(missTexts[j]), v, 1)
	}
	return results, nil
}

// Dimensions returns the wrapped embedder's vector dimension.
func (c *CachedEmbedder) Dimensions() int { return c.base.Dimensions() }

// Model returns the wrapped embedder's model name.
func (c *CachedEmbedder) Model() string { return c.base.Model() }

// Close releases the cache's background goroutines.
func (c *CachedEmbedder) Close() {
	c.ristretto.Close()
}
