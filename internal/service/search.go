package service

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/emosense/internal/domain"
	"github.com/timmy/emosense/internal/logger"
)

const maxTopK = 100

// SearchConfig holds configuration for search service.
type SearchConfig struct {
	DefaultTopK      int
	DefaultThreshold float32
}

// SearchRequest is a similarity query.
type SearchRequest struct {
	Embedding domain.Embedding
	// TopK <= 0 uses the configured default.
	TopK int
	// MinSimilarity nil uses the configured default.
	MinSimilarity *float32
	// ExcludeSessionID drops one session from the results.
	ExcludeSessionID string
}

// SearchService answers face similarity queries against the vector index.
type SearchService struct {
	index            VectorIndex
	metrics          *Metrics
	defaultTopK      int
	defaultThreshold float32
}

// NewSearchService creates a new search service.
// Parameters:
//   - index: vector index to query.
//   - metrics: shared counters; nil allocates private ones.
//   - cfg: search defaults.
//
// Returns:
//   - *SearchService: initialized search service.
func NewSearchService(index VectorIndex, metrics *Metrics, cfg *SearchConfig) *SearchService {
	if metrics == nil {
		metrics = NewMetrics()
	}
	s := &SearchService{
		index:            index,
		metrics:          metrics,
		defaultTopK:      10,
		defaultThreshold: 0.5,
	}
	if cfg != nil {
		if cfg.DefaultTopK > 0 {
			s.defaultTopK = cfg.DefaultTopK
		}
		s.defaultThreshold = cfg.DefaultThreshold
	}
	return s
}

// Search returns the stored sessions most similar to req.Embedding.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: query embedding and limits.
//
// Returns:
//   - []domain.Match: matches ordered by descending similarity.
//   - error: domain.ErrEmbeddingRequired for an empty or all-zero
//     embedding, index errors otherwise.
func (s *SearchService) Search(ctx context.Context, req SearchRequest) ([]domain.Match, error) {
	if req.Embedding.IsZero() {
		return nil, domain.ErrEmbeddingRequired
	}

	topK := req.TopK
	if topK <= 0 {
		topK = s.defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}
	threshold := s.defaultThreshold
	if req.MinSimilarity != nil {
		threshold = *req.MinSimilarity
	}

	limit := topK
	if req.ExcludeSessionID != "" {
		limit++
	}

	start := time.Now()
	hits, err := s.index.Query(ctx, req.Embedding, limit, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to query vector index: %w", err)
	}
	s.metrics.searches.Add(1)

	matches := make([]domain.Match, 0, len(hits))
	for _, hit := range hits {
		if hit.SessionID == req.ExcludeSessionID {
			continue
		}
		if len(matches) == topK {
			break
		}
		matches = append(matches, toMatch(hit))
	}

	logger.With(logger.Fields{"top_k": topK, "threshold": threshold}).
		WithCount(len(matches)).
		WithDuration(start).
		Debug(ctx, "Similarity search completed")

	return matches, nil
}

func toMatch(hit domain.IndexMatch) domain.Match {
	sim := hit.Similarity
	if sim < 0 {
		sim = 0
	} else if sim > 1 {
		sim = 1
	}
	sessionID := hit.Metadata.SessionID
	if sessionID == "" {
		sessionID = hit.SessionID
	}
	return domain.Match{
		SessionID:  sessionID,
		Similarity: sim,
		UserName:   hit.Metadata.UserName,
		Timestamp:  hit.Metadata.CreatedAt,
	}
}
