// Package embed defines the embedding contract the database depends on.
//
// Embeddings convert text into a fixed-length vector that captures semantic
// meaning; similar texts map to nearby vectors. mnemos treats embedding
// generation as an external concern — a DB is opened with an Embedder the
// caller constructs, whether that's a client for a model server, a
// CachedEmbedder wrapping one, or a test double. This package deliberately
// ships no model client of its own.
package embed

import "context"

// Embedder generates vector embeddings from text. Implementations must be
// safe for concurrent use and must return vectors of exactly the dimension
// the database was opened with.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Model() string
}
