package models

import (
	"context"
	"fmt"
)

// Embedder generates vector embeddings for text. Implementations must be
// safe for concurrent use; the registry does not serialize inference.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced embeddings.
	Dimensions() int

	// Name returns the backend-qualified engine name.
	Name() string

	// Close releases backend resources.
	Close() error
}

// newEmbedder constructs the backend for a catalog entry.
func newEmbedder(entry CatalogEntry) (Embedder, error) {
	switch entry.Backend {
	case "ollama":
		return newOllamaEmbedder("", entry.ID, entry.Dimension)
	case "mock":
		return NewMockEmbedder(entry.Dimension), nil
	default:
		return nil, fmt.Errorf("unsupported embedding backend %q", entry.Backend)
	}
}

// ZeroVector returns the all-zero embedding of the given dimension, used for
// empty-text chunks.
func ZeroVector(dim int) []float32 {
	return make([]float32, dim)
}
