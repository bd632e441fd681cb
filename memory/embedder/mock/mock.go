// Package mock provides a deterministic embedder for testing without a
// remote embedding service.
package mock

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder generates deterministic embeddings from a text hash. Identical
// texts embed identically; there is no real semantic similarity.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder with the given vector size.
func New(dimensions int) *Embedder {
	return &Embedder{dimensions: dimensions}
}

// Embed creates a deterministic embedding from text.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))

	embedding := make([]float32, m.dimensions)

	// Hash seeds a simple LCG so every dimension is reproducible.
	seed := h.Sum64()
	for i := 0; i < m.dimensions; i++ {
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

// normalize converts an embedding to a unit vector.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
