package models

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// MockEmbedder produces deterministic pseudo-embeddings derived from the
// input text. Identical texts always map to identical vectors, so tests and
// offline development get stable similarity rankings without an inference
// backend.
type MockEmbedder struct {
	dim int
}

// NewMockEmbedder creates a mock embedder of the given dimensionality.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{dim: dim}
}

func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, m.dim)
	// Expand the text digest into as many float components as needed.
	seed := sha256.Sum256([]byte(text))
	buf := seed[:]
	for i := range vec {
		if len(buf) < 8 {
			next := sha256.Sum256(buf)
			buf = next[:]
		}
		bits := binary.LittleEndian.Uint64(buf[:8])
		buf = buf[8:]
		// Map to (-1, 1).
		vec[i] = float32(float64(bits)/float64(math.MaxUint64))*2 - 1
	}
	normalize(vec)
	return vec, nil
}

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (m *MockEmbedder) Dimensions() int { return m.dim }
func (m *MockEmbedder) Name() string    { return "mock" }
func (m *MockEmbedder) Close() error    { return nil }

func normalize(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}
