package anamnesis

import "context"

// EmbeddingProvider lets an embedding consumer swap in a custom vector
// provider without importing internal/service/embedding directly.
// App.New adapts it to that package's Provider interface.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Searcher lets an embedding consumer swap in a custom semantic index
// without importing internal/search directly. App.New adapts it to
// that package's Searcher interface.
type Searcher interface {
	Search(ctx context.Context, threadID string, embedding []float32, filters SearchFilters, limit int) ([]SearchResult, error)
	Healthy(ctx context.Context) error
}
