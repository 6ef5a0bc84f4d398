package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/timmy/emosense/internal/domain"
)

type memoryEntry struct {
	embedding domain.Embedding
	meta      domain.VectorMetadata
	seq       uint64
}

// MemoryIndex is an in-process vector index with exact cosine search.
// It backs single-node deployments and tests.
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	seq       uint64
	entries   map[string]memoryEntry
}

// NewMemoryIndex creates an empty index for embeddings of length dimension.
func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{
		dimension: dimension,
		entries:   make(map[string]memoryEntry),
	}
}

// Dimension returns the configured embedding length.
func (m *MemoryIndex) Dimension() int {
	return m.dimension
}

func (m *MemoryIndex) checkDimension(embedding domain.Embedding) error {
	if len(embedding) != m.dimension {
		return fmt.Errorf("%w: index expects %d dimensions, got %d",
			domain.ErrDimensionMismatch, m.dimension, len(embedding))
	}
	return nil
}

// Upsert inserts or replaces the entry of a session.
func (m *MemoryIndex) Upsert(ctx context.Context, sessionID string, embedding domain.Embedding, meta domain.VectorMetadata) error {
	if err := m.checkDimension(embedding); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	meta.SessionID = sessionID
	m.entries[sessionID] = memoryEntry{embedding: embedding.Clone(), meta: meta, seq: m.seq}
	return nil
}

// Query returns the entries with cosine similarity >= minSimilarity, most
// similar first, equal scores most recently upserted first.
func (m *MemoryIndex) Query(ctx context.Context, embedding domain.Embedding, topK int, minSimilarity float32) ([]domain.IndexMatch, error) {
	if err := m.checkDimension(embedding); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	type hit struct {
		match domain.IndexMatch
		seq   uint64
	}

	m.mu.RLock()
	hits := make([]hit, 0, len(m.entries))
	for id, e := range m.entries {
		sim := domain.CosineSimilarity(embedding, e.embedding)
		if sim < minSimilarity {
			continue
		}
		hits = append(hits, hit{
			match: domain.IndexMatch{SessionID: id, Similarity: sim, Metadata: e.meta},
			seq:   e.seq,
		})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].match.Similarity != hits[j].match.Similarity {
			return hits[i].match.Similarity > hits[j].match.Similarity
		}
		return hits[i].seq > hits[j].seq
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}

	matches := make([]domain.IndexMatch, len(hits))
	for i, h := range hits {
		matches[i] = h.match
	}
	return matches, nil
}

// Delete removes the entry of a session. Unknown sessions are a no-op.
func (m *MemoryIndex) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.entries, sessionID)
	m.mu.Unlock()
	return nil
}

// Len returns the number of indexed sessions.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
