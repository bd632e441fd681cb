package memory

import (
	"context"
	"errors"

	"github.com/mizunashi/bakabot/core"
)

// Item is a durably embedded representation of a message evicted from the
// context window. Items are append-only; there is no in-place mutation or
// deletion in normal operation.
type Item struct {
	ID        string    `json:"id"`
	Role      core.Role `json:"role"`
	Content   string    `json:"content"`
	ToolName  string    `json:"toolName,omitempty"`
	Timestamp int64     `json:"timestamp"`

	// Embedding is kept out of the metadata file; the vector lives in the
	// chromem index keyed by ID.
	Embedding []float32 `json:"-"`
}

// Message reconstructs the conversational message this item was derived from.
func (it *Item) Message() core.Message {
	return core.Message{
		Role:      it.Role,
		Content:   it.Content,
		ToolName:  it.ToolName,
		Timestamp: it.Timestamp,
	}
}

// Embedder converts text to vector embeddings.
// Implementations: siliconflow.Client (remote API), mock.Embedder (tests).
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Reranker scores a query against candidate documents. Scores are aligned
// index-for-index with the input documents.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// ErrEmbeddingUnavailable reports that the embedding service failed or
// returned no vector. Callers must not silently swallow it.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")
