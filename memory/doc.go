// Package memory provides durable, recall-augmented long-term memory for
// one conversation session.
//
// Messages evicted from a session's active context window are embedded and
// stored as Memory Items, keyed by a sortable timestamp-derived id so the
// persisted sequence stays in chronological order. Retrieval is two-stage:
// a coarse nearest-neighbor recall over the vector index, then a rerank of
// the recalled candidates against the query. Surviving candidates are
// expanded with their chronological neighbors to preserve local
// conversational context.
//
// Architecture:
//   - Store: per-session vector store (chromem-go index + ordered metadata)
//   - Embedder: text-to-vector conversion (remote API, or mock for tests)
//   - Reranker: query/document relevance scoring (remote API)
//
// The store is owned exclusively by its session; it is never queried
// cross-session.
package memory
