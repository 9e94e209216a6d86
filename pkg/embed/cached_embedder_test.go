package embed

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder records how many texts it was asked to embed, and how
// many items arrived in its largest single EmbedBatch call.
type countingEmbedder struct {
	calls        int64
	lastBatchLen int
}

func (m *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	atomic.AddInt64(&m.calls, 1)
	return []float32{float32(len(text)), 0.5, 0.5}, nil
}

func (m *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt64(&m.calls, int64(len(texts)))
	m.lastBatchLen = len(texts)
	results := make([][]float32, len(texts))
	for i, text := range texts {
		results[i] = []float32{float32(len(text)), 0.5, 0.5}
	}
	return results, nil
}

func (m *countingEmbedder) Model() string   { return "counting" }
func (m *countingEmbedder) Dimensions() int { return 3 }
func (m *countingEmbedder) CallCount() int64 {
	return atomic.LoadInt64(&m.calls)
}

func TestCachedEmbedderHitsBypassTheBaseEmbedder(t *testing.T) {
	base := &countingEmbedder{}
	cached, err := NewCachedEmbedder(base, 100)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cached.Embed(ctx, "hello world")
	require.NoError(t, err)
	cached.ristretto.Wait()
	assert.EqualValues(t, 1, base.CallCount())

	_, err = cached.Embed(ctx, "hello world")
	require.NoError(t, err)
	assert.EqualValues(t, 1, base.CallCount(), "repeated text should hit the cache, not re-embed")

	_, err = cached.Embed(ctx, "different text")
	require.NoError(t, err)
	assert.EqualValues(t, 2, base.CallCount())
}

func TestCachedEmbedderBatchOnlySendsMisses(t *testing.T) {
	base := &countingEmbedder{}
	cached, err := NewCachedEmbedder(base, 100)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cached.Embed(ctx, "cached")
	require.NoError(t, err)
	cached.ristretto.Wait()

	results, err := cached.EmbedBatch(ctx, []string{"cached", "new1", "new2"})
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, 2, base.lastBatchLen, "only the two uncached texts should reach the base embedder")
}

func TestCachedEmbedderZeroSizeUsesDefault(t *testing.T) {
	base := &countingEmbedder{}
	cached, err := NewCachedEmbedder(base, 0)
	require.NoError(t, err)
	assert.EqualValues(t, DefaultEmbeddingCacheSize, cached.maxSize)
}

func TestCachedEmbedderDelegatesDimensionsAndModel(t *testing.T) {
	base := &countingEmbedder{}
	cached, err := NewCachedEmbedder(base, 10)
	require.NoError(t, err)
	assert.Equal(t, base.Dimensions(), cached.Dimensions())
	assert.Equal(t, base.Model(), cached.Model())
}

func TestCachedEmbedderConcurrentAccessIsSafe(t *testing.T) {
	base := &countingEmbedder{}
	cached, err := NewCachedEmbedder(base, 1000)
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := "text"
			if i%2 == 0 {
				text = "other"
			}
			_, err := cached.Embed(ctx, text)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}
