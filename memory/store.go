package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/google/uuid"

	"github.com/mizunashi/bakabot/core"
)

// ErrMalformedRerank reports a rerank response whose score count does not
// match the submitted documents. Unlike a transport failure this is a hard
// error; callers must not fail open on it.
var ErrMalformedRerank = errors.New("malformed rerank response")

// Store is the durable vector memory for one session. It keeps an ordered
// in-memory index of Memory Items (sorted by timestamp) mirrored to disk as
// a metadata file, and the embedding vectors in a persistent chromem
// collection keyed by item id.
//
// Add is the only mutator besides Init. Search never mutates state.
type Store struct {
	sessionID string
	dir       string
	itemsPath string
	embedder  Embedder
	reranker  Reranker

	mu          sync.RWMutex
	db          *chromem.DB
	col         *chromem.Collection
	items       []*Item
	initialized bool
}

// NewStore creates a vector memory store rooted at dir. The storage path
// is owned exclusively by this session; no two sessions may open the same
// path concurrently.
func NewStore(sessionID, dir string, embedder Embedder, reranker Reranker) *Store {
	return &Store{
		sessionID: sessionID,
		dir:       dir,
		itemsPath: filepath.Join(dir, "items.json"),
		embedder:  embedder,
		reranker:  reranker,
	}
}

// Init loads the persisted index and metadata from disk, creating them if
// absent. Init is lazy and idempotent: repeat calls are no-ops once the
// store is initialized. Add and Search call it implicitly.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initLocked()
}

func (s *Store) initLocked() error {
	if s.initialized {
		return nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}

	db, err := chromem.NewPersistentDB(filepath.Join(s.dir, "index"), false)
	if err != nil {
		return fmt.Errorf("open vector index: %w", err)
	}

	// Embeddings are always supplied by the caller, so no embedding func.
	col, err := db.GetOrCreateCollection("session_"+s.sessionID, nil, nil)
	if err != nil {
		return fmt.Errorf("open collection: %w", err)
	}

	items, err := loadItems(s.itemsPath)
	if err != nil {
		return fmt.Errorf("load memory metadata: %w", err)
	}
	// Ensure items are sorted after load. Ids are timestamp-prefixed, so
	// lexical id order is chronological order.
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	s.db = db
	s.col = col
	s.items = items
	s.initialized = true

	log.Printf("[MEMORY] Loaded %d items for session %s", len(items), s.sessionID)
	return nil
}

func loadItems(path string) ([]*Item, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var items []*Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Len returns the number of stored items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Items returns a snapshot of the stored items in chronological order.
func (s *Store) Items() []*Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Item, len(s.items))
	copy(out, s.items)
	return out
}

// Add embeds a message and appends it to the store. Messages whose
// stringified representation is blank are skipped silently. The in-memory
// index stays sorted by timestamp regardless of call order, and both the
// vector index and the metadata file are persisted before Add returns.
//
// A failed or empty embedding is reported as ErrEmbeddingUnavailable.
func (s *Store) Add(ctx context.Context, msg core.Message) error {
	text := msg.Stringify()
	if strings.TrimSpace(text) == "" {
		return nil
	}

	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	if len(embedding) == 0 {
		return fmt.Errorf("%w: empty vector", ErrEmbeddingUnavailable)
	}

	ts := msg.Timestamp
	if ts == 0 {
		ts = core.NowMillis()
	}

	item := &Item{
		ID:        newItemID(ts),
		Role:      msg.Role,
		Content:   msg.Content,
		ToolName:  msg.ToolName,
		Timestamp: ts,
		Embedding: embedding,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.initLocked(); err != nil {
		return err
	}

	if err := s.col.AddDocument(ctx, chromem.Document{
		ID:        item.ID,
		Content:   text,
		Embedding: embedding,
	}); err != nil {
		return fmt.Errorf("index item: %w", err)
	}

	// Binary-search insertion keeps the sequence sorted by timestamp; the
	// id tie-breaks equal timestamps so id order always matches slice order.
	pos := sort.Search(len(s.items), func(i int) bool { return s.items[i].ID >= item.ID })
	s.items = append(s.items, nil)
	copy(s.items[pos+1:], s.items[pos:])
	s.items[pos] = item

	return s.saveItemsLocked()
}

// newItemID builds a sortable id from a timestamp plus a random suffix.
// Zero-padding keeps lexical order equal to chronological order.
func newItemID(ts int64) string {
	return fmt.Sprintf("%013d-%s", ts, uuid.NewString()[:8])
}

func (s *Store) saveItemsLocked() error {
	data, err := json.Marshal(s.items)
	if err != nil {
		return fmt.Errorf("marshal memory metadata: %w", err)
	}
	tmp := s.itemsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write memory metadata: %w", err)
	}
	return os.Rename(tmp, s.itemsPath)
}

// Search runs two-stage retrieval: nearest-neighbor recall over the vector
// index limited to recallLimit candidates, then a rerank of the candidates
// against query. Candidates scoring at least threshold survive and are
// expanded with contextWindow neighboring items on each side. The merged
// positions are returned as items in chronological order, deduplicated.
//
// A rerank transport failure fails open: every candidate is treated as
// maximally relevant. A malformed rerank response (mismatched score count)
// is a hard failure.
func (s *Store) Search(ctx context.Context, query string, threshold float64, recallLimit, contextWindow int) ([]*Item, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.items) == 0 {
		return nil, nil
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	limit := recallLimit
	if limit > len(s.items) {
		limit = len(s.items)
	}
	if limit < 1 {
		limit = 1
	}

	results, err := s.queryIndexLocked(ctx, embedding, limit)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	// Resolve recalled ids to positions in the sorted sequence.
	positions := make([]int, 0, len(results))
	docs := make([]string, 0, len(results))
	for _, res := range results {
		pos, ok := s.findLocked(res.ID)
		if !ok {
			log.Printf("[MEMORY] Index entry %s has no metadata, skipping", res.ID)
			continue
		}
		positions = append(positions, pos)
		docs = append(docs, s.items[pos].Message().Stringify())
	}
	if len(positions) == 0 {
		return nil, nil
	}

	scores, err := s.reranker.Rerank(ctx, query, docs)
	if err != nil {
		if errors.Is(err, ErrMalformedRerank) {
			return nil, err
		}
		// Degraded mode: keep every candidate rather than dropping them.
		log.Printf("[MEMORY] Rerank failed, treating all %d candidates as relevant: %v", len(docs), err)
		scores = make([]float64, len(docs))
		for i := range scores {
			scores[i] = 1.0
		}
	}
	if len(scores) != len(docs) {
		return nil, fmt.Errorf("%w: got %d scores for %d documents", ErrMalformedRerank, len(scores), len(docs))
	}

	// Filter by threshold and expand each survivor with its chronological
	// neighborhood.
	included := make(map[int]bool)
	for i, pos := range positions {
		if scores[i] < threshold {
			continue
		}
		start := pos - contextWindow
		if start < 0 {
			start = 0
		}
		end := pos + contextWindow
		if end > len(s.items)-1 {
			end = len(s.items) - 1
		}
		for j := start; j <= end; j++ {
			included[j] = true
		}
	}
	if len(included) == 0 {
		return nil, nil
	}

	merged := make([]int, 0, len(included))
	for pos := range included {
		merged = append(merged, pos)
	}
	sort.Ints(merged)

	out := make([]*Item, 0, len(merged))
	for _, pos := range merged {
		out = append(out, s.items[pos])
	}
	return out, nil
}

// queryIndexLocked queries chromem, shrinking the result limit when the
// collection holds fewer documents than requested.
func (s *Store) queryIndexLocked(ctx context.Context, embedding []float32, limit int) ([]chromem.Result, error) {
	for currentLimit := limit; currentLimit >= 1; currentLimit-- {
		results, err := s.col.QueryEmbedding(ctx, embedding, currentLimit, nil, nil)
		if err == nil {
			return results, nil
		}
		if isInsufficientDocsError(err) {
			if currentLimit == 1 {
				return nil, nil
			}
			continue
		}
		return nil, fmt.Errorf("query index: %w", err)
	}
	return nil, nil
}

// findLocked locates an item by id via binary search over the sorted
// sequence.
func (s *Store) findLocked(id string) (int, bool) {
	pos := sort.Search(len(s.items), func(i int) bool { return s.items[i].ID >= id })
	if pos < len(s.items) && s.items[pos].ID == id {
		return pos, true
	}
	return 0, false
}

func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
