package service

import (
	"context"
	"time"

	"github.com/timmy/emosense/internal/domain"
	"github.com/timmy/emosense/internal/storage"
)

// VectorIndex stores one embedding per session and answers cosine
// similarity queries.
type VectorIndex interface {
	Upsert(ctx context.Context, sessionID string, embedding domain.Embedding, meta domain.VectorMetadata) error
	Query(ctx context.Context, embedding domain.Embedding, topK int, minSimilarity float32) ([]domain.IndexMatch, error)
	// Delete of an unknown session is a no-op.
	Delete(ctx context.Context, sessionID string) error
}

// ArtifactStore holds the binary artifacts of sessions.
type ArtifactStore interface {
	PutSessionImage(ctx context.Context, sessionID string, data []byte, contentType string) (string, error)
	PutFaceCrop(ctx context.Context, sessionID string, index int, data []byte) (string, error)
	List(ctx context.Context, sessionID string) ([]storage.ObjectInfo, error)
	URL(key string) string
	// DeleteSession of a session without artifacts succeeds.
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessionsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
}

// SessionLog is the append-only record of session results.
type SessionLog interface {
	Append(ctx context.Context, rec *domain.SessionRecord) error
	Get(ctx context.Context, sessionID string) (*domain.SessionRecord, error)
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
	// Delete of an unknown session succeeds.
	Delete(ctx context.Context, sessionID string) error
}
