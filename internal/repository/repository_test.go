package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/emosense/internal/config"
	"github.com/timmy/emosense/internal/domain"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestMemoryIndex_QueryOrderingAndThreshold(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)

	require.NoError(t, idx.Upsert(ctx, "a", domain.Embedding{1, 0}, domain.VectorMetadata{UserName: "alice"}))
	require.NoError(t, idx.Upsert(ctx, "b", domain.Embedding{1, 1}, domain.VectorMetadata{UserName: "bob"}))
	require.NoError(t, idx.Upsert(ctx, "c", domain.Embedding{0, 1}, domain.VectorMetadata{UserName: "carol"}))
	require.NoError(t, idx.Upsert(ctx, "d", domain.Embedding{2, 0}, domain.VectorMetadata{UserName: "dave"}))

	matches, err := idx.Query(ctx, domain.Embedding{1, 0}, 10, 0.5)
	require.NoError(t, err)
	require.Len(t, matches, 3)

	// a and d tie at 1.0; d was inserted later.
	assert.Equal(t, "d", matches[0].SessionID)
	assert.Equal(t, "a", matches[1].SessionID)
	assert.Equal(t, "b", matches[2].SessionID)
	assert.Equal(t, "alice", matches[1].Metadata.UserName)
	for i, m := range matches {
		assert.GreaterOrEqual(t, m.Similarity, float32(0.5))
		if i > 0 {
			assert.GreaterOrEqual(t, matches[i-1].Similarity, m.Similarity)
		}
	}

	matches, err = idx.Query(ctx, domain.Embedding{1, 0}, 1, 0.5)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	matches, err = idx.Query(ctx, domain.Embedding{1, 0}, 0, 0.5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMemoryIndex_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)
	require.NoError(t, idx.Upsert(ctx, "a", domain.Embedding{1, 0}, domain.VectorMetadata{}))
	require.NoError(t, idx.Upsert(ctx, "a", domain.Embedding{0, 1}, domain.VectorMetadata{}))
	assert.Equal(t, 1, idx.Len())

	matches, err := idx.Query(ctx, domain.Embedding{0, 1}, 5, 0.99)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].SessionID)
}

func TestMemoryIndex_DeleteThenQuery(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(3)
	emb := domain.Embedding{0.2, 0.3, 0.4}
	require.NoError(t, idx.Upsert(ctx, "s1", emb, domain.VectorMetadata{}))
	require.NoError(t, idx.Delete(ctx, "s1"))
	require.NoError(t, idx.Delete(ctx, "never-there"))

	matches, err := idx.Query(ctx, emb, 5, -1)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMemoryIndex_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(3)
	err := idx.Upsert(ctx, "s1", domain.Embedding{1, 2}, domain.VectorMetadata{})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)

	_, err = idx.Query(ctx, domain.Embedding{1}, 5, 0)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestIndexErr_MapsTransientCodes(t *testing.T) {
	for _, code := range []codes.Code{codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted} {
		err := indexErr("search points", status.Error(code, "boom"))
		assert.ErrorIs(t, err, domain.ErrIndexUnavailable, code.String())
	}
	err := indexErr("search points", status.Error(codes.InvalidArgument, "bad"))
	assert.False(t, errors.Is(err, domain.ErrIndexUnavailable))
	assert.ErrorIs(t, indexErr("upsert point", context.DeadlineExceeded), domain.ErrIndexUnavailable)
}

func TestPointID(t *testing.T) {
	id := "0b0f4c36-3a3f-4a4e-9c55-19a4a7a8b1f2"
	assert.Equal(t, id, pointID(id).GetUuid())

	derived := pointID("not-a-uuid").GetUuid()
	assert.NotEmpty(t, derived)
	assert.Equal(t, derived, pointID("not-a-uuid").GetUuid())
}

func TestParsePayload(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	meta, indexedAt := parsePayload(map[string]*pb.Value{
		payloadSessionID: stringValue("s1"),
		payloadUserName:  stringValue("alice"),
		payloadCreatedAt: integerValue(created.UnixMilli()),
		payloadIndexedAt: integerValue(42),
	})
	assert.Equal(t, "s1", meta.SessionID)
	assert.Equal(t, "alice", meta.UserName)
	assert.True(t, created.Equal(meta.CreatedAt))
	assert.EqualValues(t, 42, indexedAt)

	meta, indexedAt = parsePayload(nil)
	assert.Empty(t, meta.SessionID)
	assert.Zero(t, indexedAt)
}

func newTestSessionRepo(t *testing.T) *SessionRepository {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "sessions.db"),
		MaxIdleConns: 1,
		MaxOpenConns: 1,
		AutoMigrate:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewSessionRepository(db)
}

func testRecord(id string, createdAt time.Time) *domain.SessionRecord {
	faces := []domain.FaceDetection{
		{Index: 0, Box: domain.BoundingBox{X: 1, Y: 2, Width: 30, Height: 40}, Distribution: domain.Distribution{domain.EmotionHappy: 0.9, domain.EmotionNeutral: 0.1}},
		{Index: 1, Distribution: domain.Distribution{domain.EmotionSad: 0.7, domain.EmotionNeutral: 0.3}},
	}
	agg := domain.AggregateResult{
		DominantEmotion: domain.EmotionHappy,
		Confidence:      0.45,
		Distribution:    domain.Distribution{domain.EmotionHappy: 0.45, domain.EmotionSad: 0.35, domain.EmotionNeutral: 0.2},
		Statement:       "happy",
	}
	return domain.NewSessionRecord(domain.Session{
		ID:            id,
		UserName:      "alice",
		PrivacyAgreed: true,
		CreatedAt:     createdAt,
	}, faces, map[int]string{0: "sessions/" + id + "/faces/face_0.jpg"}, agg)
}

func TestSessionRepository_AppendGet(t *testing.T) {
	ctx := context.Background()
	repo := newTestSessionRepo(t)

	require.NoError(t, repo.Append(ctx, testRecord("s1", time.Now())))

	rec, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Session.UserName)
	assert.Equal(t, 2, rec.Session.FaceCount)
	require.Len(t, rec.Faces, 2)
	assert.Equal(t, 0, rec.Faces[0].FaceIndex)
	assert.Equal(t, domain.EmotionHappy, rec.Faces[0].EmotionLabel)
	assert.InDelta(t, 0.9, rec.Faces[0].Confidence, 1e-9)
	assert.Equal(t, "sessions/s1/faces/face_0.jpg", rec.Faces[0].CropKey)
	assert.Equal(t, domain.EmotionSad, rec.Faces[1].EmotionLabel)
	assert.Equal(t, domain.EmotionHappy, rec.Aggregate.DominantEmotion)
	assert.InDelta(t, 0.35, rec.Aggregate.Distribution[domain.EmotionSad], 1e-9)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	// duplicate ids are rejected
	assert.Error(t, repo.Append(ctx, testRecord("s1", time.Now())))
}

func TestSessionRepository_DeleteIsIdempotentAndTombstones(t *testing.T) {
	ctx := context.Background()
	repo := newTestSessionRepo(t)

	require.NoError(t, repo.Append(ctx, testRecord("s1", time.Now())))
	require.NoError(t, repo.Delete(ctx, "s1"))
	require.NoError(t, repo.Delete(ctx, "s1"))
	require.NoError(t, repo.Delete(ctx, "never-ingested"))

	_, err := repo.Get(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	err = repo.Append(ctx, testRecord("s1", time.Now()))
	assert.ErrorIs(t, err, domain.ErrSessionDeleted)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSessionRepository_ListOlderThan(t *testing.T) {
	ctx := context.Background()
	repo := newTestSessionRepo(t)
	now := time.Now()

	require.NoError(t, repo.Append(ctx, testRecord("old", now.Add(-48*time.Hour))))
	require.NoError(t, repo.Append(ctx, testRecord("mid", now.Add(-30*time.Hour))))
	require.NoError(t, repo.Append(ctx, testRecord("new", now.Add(-time.Hour))))

	ids, err := repo.ListOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "mid"}, ids)

	ids, err = repo.ListOlderThan(ctx, now)
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	ids, err = repo.ListOlderThan(ctx, now.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)
}
