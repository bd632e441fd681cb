// Package siliconflow implements the memory Embedder and Reranker
// interfaces against a SiliconFlow-compatible API (/embeddings, /rerank).
package siliconflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/mizunashi/bakabot/memory"
)

// Config configures the SiliconFlow client.
type Config struct {
	// APIKey authorizes requests. Required.
	APIKey string

	// BaseURL is the API root. Default: https://api.siliconflow.cn/v1
	BaseURL string

	// EmbeddingModel is the embedding model id. Default: BAAI/bge-m3
	EmbeddingModel string

	// RerankModel is the rerank model id. Default: BAAI/bge-reranker-v2-m3
	RerankModel string

	// Dimensions is the embedding vector size. Default: 1024 (bge-m3).
	Dimensions int
}

// Client calls the embeddings and rerank endpoints. Embeddings for
// identical texts are served from an in-process cache because the same
// message text is embedded again whenever it recurs as a query.
type Client struct {
	cfg    Config
	client *http.Client
	cache  *ristretto.Cache
}

// New creates a SiliconFlow client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("siliconflow: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.siliconflow.cn/v1"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "BAAI/bge-m3"
	}
	if cfg.RerankModel == "" {
		cfg.RerankModel = "BAAI/bge-reranker-v2-m3"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1024
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 26, // ~64MB of cached vectors
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("siliconflow: create cache: %w", err)
	}

	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		cache:  cache,
	}, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed converts text to an embedding vector.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := c.cache.Get(text); ok {
		return cached.([]float32), nil
	}

	body, err := c.post(ctx, "/embeddings", embeddingRequest{
		Model: c.cfg.EmbeddingModel,
		Input: text,
	})
	if err != nil {
		return nil, err
	}

	var resp embeddingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("siliconflow: decode embedding response: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("siliconflow: no embedding returned")
	}

	embedding := resp.Data[0].Embedding
	c.cache.Set(text, embedding, int64(len(embedding)*4))
	return embedding, nil
}

// Dimensions returns the embedding vector size.
func (c *Client) Dimensions() int {
	return c.cfg.Dimensions
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank scores query against documents. The returned scores are aligned
// index-for-index with documents. A response whose result count or indices
// do not match the input is reported as memory.ErrMalformedRerank.
func (c *Client) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	body, err := c.post(ctx, "/rerank", rerankRequest{
		Model:     c.cfg.RerankModel,
		Query:     query,
		Documents: documents,
	})
	if err != nil {
		return nil, err
	}

	var resp rerankResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrMalformedRerank, err)
	}
	if len(resp.Results) != len(documents) {
		return nil, fmt.Errorf("%w: got %d results for %d documents",
			memory.ErrMalformedRerank, len(resp.Results), len(documents))
	}

	scores := make([]float64, len(documents))
	for _, res := range resp.Results {
		if res.Index < 0 || res.Index >= len(documents) {
			return nil, fmt.Errorf("%w: result index %d out of range", memory.ErrMalformedRerank, res.Index)
		}
		scores[res.Index] = res.RelevanceScore
	}
	return scores, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("siliconflow: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("siliconflow: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("siliconflow: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("siliconflow: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("siliconflow: API error (status %d): %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
