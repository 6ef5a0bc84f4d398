package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/emosense/internal/domain"
)

func TestSearch_RequiresEmbedding(t *testing.T) {
	svc := NewSearchService(newFakeIndex(3), nil, nil)
	for _, emb := range []domain.Embedding{nil, {}, {0, 0, 0}} {
		_, err := svc.Search(context.Background(), SearchRequest{Embedding: emb})
		assert.ErrorIs(t, err, domain.ErrEmbeddingRequired)
	}
}

func TestSearch_DimensionMismatch(t *testing.T) {
	svc := NewSearchService(newFakeIndex(3), nil, nil)
	_, err := svc.Search(context.Background(), SearchRequest{Embedding: domain.Embedding{1, 2}})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestSearch_DefaultsAndThreshold(t *testing.T) {
	ctx := context.Background()
	index := newFakeIndex(2)
	for i := 0; i < 15; i++ {
		require.NoError(t, index.Upsert(ctx, fmt.Sprintf("s%02d", i), domain.Embedding{1, float32(i) * 0.01}, domain.VectorMetadata{UserName: "u"}))
	}
	require.NoError(t, index.Upsert(ctx, "far", domain.Embedding{-1, 0}, domain.VectorMetadata{}))

	metrics := NewMetrics()
	svc := NewSearchService(index, metrics, &SearchConfig{DefaultTopK: 10, DefaultThreshold: 0.5})

	matches, err := svc.Search(ctx, SearchRequest{Embedding: domain.Embedding{1, 0}})
	require.NoError(t, err)
	assert.Len(t, matches, 10)
	for i, m := range matches {
		assert.GreaterOrEqual(t, m.Similarity, float32(0.5))
		assert.LessOrEqual(t, m.Similarity, float32(1))
		assert.NotEqual(t, "far", m.SessionID)
		if i > 0 {
			assert.GreaterOrEqual(t, matches[i-1].Similarity, m.Similarity)
		}
	}
	assert.Equal(t, "s00", matches[0].SessionID)

	floor := float32(-1)
	matches, err = svc.Search(ctx, SearchRequest{Embedding: domain.Embedding{1, 0}, TopK: 1000, MinSimilarity: &floor})
	require.NoError(t, err)
	assert.Len(t, matches, 16)
	assert.Zero(t, matches[len(matches)-1].Similarity)

	assert.EqualValues(t, 2, metrics.Snapshot().Searches)
}

func TestSearch_ExcludeSession(t *testing.T) {
	ctx := context.Background()
	index := newFakeIndex(2)
	require.NoError(t, index.Upsert(ctx, "a", domain.Embedding{1, 0}, domain.VectorMetadata{}))
	require.NoError(t, index.Upsert(ctx, "b", domain.Embedding{1, 0.1}, domain.VectorMetadata{}))

	svc := NewSearchService(index, nil, nil)
	matches, err := svc.Search(ctx, SearchRequest{Embedding: domain.Embedding{1, 0}, TopK: 1, ExcludeSessionID: "a"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "b", matches[0].SessionID)
}
