package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/emosense/internal/config"
	"github.com/timmy/emosense/internal/domain"
	"github.com/timmy/emosense/internal/repository"
	"github.com/timmy/emosense/internal/service"
	"github.com/timmy/emosense/internal/storage"
)

const testDim = 4

type stubDetector struct {
	mu    sync.Mutex
	faces []domain.FaceDetection
	err   error
	calls int
}

func (d *stubDetector) set(faces ...domain.FaceDetection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faces = faces
}

func (d *stubDetector) Detect(ctx context.Context, img []byte, contentType string) ([]domain.FaceDetection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	out := make([]domain.FaceDetection, len(d.faces))
	copy(out, d.faces)
	return out, nil
}

type testServer struct {
	engine   *gin.Engine
	detector *stubDetector
	sessions *service.SessionService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(dir, "sessions.db"),
		MaxIdleConns: 1,
		MaxOpenConns: 1,
		AutoMigrate:  true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	local, err := storage.NewLocalStorage(filepath.Join(dir, "objects"), "http://cdn.test")
	require.NoError(t, err)

	index := repository.NewMemoryIndex(testDim)
	metrics := service.NewMetrics()
	search := service.NewSearchService(index, metrics, &service.SearchConfig{DefaultTopK: 10, DefaultThreshold: 0.5})
	sessions := service.NewSessionService(index, storage.NewSessionArtifacts(local), repository.NewSessionRepository(db),
		search, nil, metrics, nil, service.SessionConfig{
			Dimension:      testDim,
			MatchTopK:      5,
			MatchThreshold: 0.6,
		})

	det := &stubDetector{}
	sh := NewSessionHandler(sessions, det, 1<<20)
	srch := NewSearchHandler(search, det, metrics, 1<<20)
	admin := NewAdminHandler(sessions, 24*time.Hour)

	r := gin.New()
	r.POST("/api/v1/analyze-face", sh.AnalyzeFace)
	r.GET("/api/v1/sessions/:id", sh.GetSession)
	r.DELETE("/api/v1/sessions/:id", sh.DeleteSession)
	r.POST("/api/v1/search", srch.Search)
	r.GET("/api/v1/stats", srch.GetStats)
	r.POST("/api/v1/admin/sweep", admin.TriggerSweep)
	r.GET("/api/v1/admin/sweep", admin.GetSweepStatus)

	return &testServer{engine: r, detector: det, sessions: sessions}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, path string, fields map[string]string, img []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if img != nil {
		fw, err := mw.CreateFormFile("image", "capture.png")
		require.NoError(t, err)
		_, err = fw.Write(img)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(t *testing.T, method, path string, v any) *http.Request {
	t.Helper()
	var body bytes.Buffer
	if v != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(v))
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func happyFace(emb domain.Embedding) domain.FaceDetection {
	return domain.FaceDetection{
		Index:        0,
		Box:          domain.BoundingBox{X: 1, Y: 1, Width: 4, Height: 4},
		Embedding:    emb,
		Distribution: domain.Distribution{domain.EmotionHappy: 0.8, domain.EmotionNeutral: 0.2},
		Crop:         []byte("crop-bytes"),
	}
}

func TestAnalyzeFace_PersistsAndMatches(t *testing.T) {
	s := newTestServer(t)
	img := pngBytes(t)

	s.detector.set(happyFace(domain.Embedding{1, 0, 0, 0}))
	w := s.do(multipartRequest(t, "/api/v1/analyze-face", map[string]string{
		"user_name":      "alice",
		"privacy_agreed": "true",
	}, img))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	first := decode[AnalyzeResponse](t, w)
	assert.True(t, first.Success)
	assert.True(t, first.Persisted)
	assert.Equal(t, "alice", first.UserName)
	assert.Equal(t, 1, first.FacesDetected)
	assert.Equal(t, domain.EmotionHappy, first.DominantEmotion)
	assert.InDelta(t, 0.8, first.EmotionConfidence, 1e-9)
	assert.Empty(t, first.SimilarFaces)
	require.Len(t, first.Faces, 1)
	assert.Equal(t, "http://cdn.test/"+storage.FaceCropKey(first.SessionID, 0), first.Faces[0].CropURL)

	s.detector.set(happyFace(domain.Embedding{0.9, 0.1, 0, 0}))
	w = s.do(multipartRequest(t, "/api/v1/analyze-face", map[string]string{
		"user_name":      "bob",
		"privacy_agreed": "true",
	}, img))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	second := decode[AnalyzeResponse](t, w)
	require.Len(t, second.SimilarFaces, 1)
	assert.Equal(t, first.SessionID, second.SimilarFaces[0].SessionID)
	assert.Equal(t, "alice", second.SimilarFaces[0].UserName)
	assert.Greater(t, second.SimilarFaces[0].Similarity, float32(0.9))
}

func TestAnalyzeFace_WithoutPrivacyAgreementStoresNothing(t *testing.T) {
	s := newTestServer(t)
	s.detector.set(happyFace(domain.Embedding{1, 0, 0, 0}))

	w := s.do(multipartRequest(t, "/api/v1/analyze-face", map[string]string{
		"user_name": "alice",
	}, pngBytes(t)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[AnalyzeResponse](t, w)
	assert.False(t, resp.Persisted)
	assert.Empty(t, resp.Faces[0].CropURL)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+resp.SessionID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAnalyzeFace_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		image  bool
		faces  []domain.FaceDetection
		detErr error
		status int
	}{
		{
			name:   "missing user name",
			fields: map[string]string{"privacy_agreed": "true"},
			image:  true,
			status: http.StatusBadRequest,
		},
		{
			name:   "bad privacy flag",
			fields: map[string]string{"user_name": "alice", "privacy_agreed": "maybe"},
			image:  true,
			status: http.StatusBadRequest,
		},
		{
			name:   "missing image",
			fields: map[string]string{"user_name": "alice"},
			status: http.StatusBadRequest,
		},
		{
			name:   "no face",
			fields: map[string]string{"user_name": "alice", "privacy_agreed": "true"},
			image:  true,
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "wrong embedding size",
			fields: map[string]string{"user_name": "alice", "privacy_agreed": "true"},
			image:  true,
			faces:  []domain.FaceDetection{happyFace(domain.Embedding{1, 0})},
			status: http.StatusBadRequest,
		},
		{
			name:   "detector down",
			fields: map[string]string{"user_name": "alice", "privacy_agreed": "true"},
			image:  true,
			detErr: errors.New("connection refused"),
			status: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.detector.set(tt.faces...)
			s.detector.err = tt.detErr

			var img []byte
			if tt.image {
				img = pngBytes(t)
			}
			w := s.do(multipartRequest(t, "/api/v1/analyze-face", tt.fields, img))
			assert.Equal(t, tt.status, w.Code, w.Body.String())

			body := decode[map[string]any](t, w)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestAnalyzeFace_RejectsNonImageUpload(t *testing.T) {
	s := newTestServer(t)
	s.detector.set(happyFace(domain.Embedding{1, 0, 0, 0}))

	w := s.do(multipartRequest(t, "/api/v1/analyze-face", map[string]string{"user_name": "alice"}, []byte("plain text, not an image")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, s.detector.calls)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t)
	s.detector.set(happyFace(domain.Embedding{0, 1, 0, 0}))

	w := s.do(multipartRequest(t, "/api/v1/analyze-face", map[string]string{
		"user_name":      "carol",
		"privacy_agreed": "1",
	}, pngBytes(t)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	id := decode[AnalyzeResponse](t, w).SessionID

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[SessionResponse](t, w)
	assert.Equal(t, id, got.SessionID)
	assert.Equal(t, "carol", got.UserName)
	assert.Equal(t, 1, got.FacesDetected)
	assert.Equal(t, domain.EmotionHappy, got.DominantEmotion)
	require.Len(t, got.Faces, 1)
	assert.Equal(t, domain.BoundingBox{X: 1, Y: 1, Width: 4, Height: 4}, got.Faces[0].Box)

	keys := make([]string, 0, len(got.Artifacts))
	for _, a := range got.Artifacts {
		keys = append(keys, a.Key)
		assert.True(t, strings.HasPrefix(a.URL, "http://cdn.test/"))
	}
	assert.ElementsMatch(t, []string{storage.ImageKey(id, "image/png"), storage.FaceCropKey(id, 0)}, keys)

	w = s.do(httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+id, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Deleting again is a no-op
	w = s.do(httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/"+id, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// The deleted session no longer matches
	w = s.do(jsonRequest(t, http.MethodPost, "/api/v1/search", map[string]any{"embedding": []float32{0, 1, 0, 0}}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, decode[SearchResponse](t, w).SimilarFaces)
}

func TestSearch_Embedding(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	for i, emb := range []domain.Embedding{{1, 0, 0, 0}, {0.8, 0.6, 0, 0}, {0, 0, 1, 0}} {
		res, err := s.sessions.Ingest(ctx, service.IngestRequest{
			UserName:      fmt.Sprintf("user-%d", i),
			PrivacyAgreed: true,
			Detections:    []domain.FaceDetection{happyFace(emb)},
		})
		require.NoError(t, err)
		require.True(t, res.Persisted)
	}

	w := s.do(jsonRequest(t, http.MethodPost, "/api/v1/search", map[string]any{
		"embedding": []float32{1, 0, 0, 0},
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[SearchResponse](t, w)
	require.Len(t, resp.SimilarFaces, 2)
	assert.Equal(t, "user-0", resp.SimilarFaces[0].UserName)
	assert.Equal(t, "user-1", resp.SimilarFaces[1].UserName)
	assert.Equal(t, 2, resp.Total)

	w = s.do(jsonRequest(t, http.MethodPost, "/api/v1/search", map[string]any{
		"embedding": []float32{1, 0, 0, 0},
		"top_k":     1,
		"threshold": 0,
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[SearchResponse](t, w).SimilarFaces, 1)
}

func TestSearch_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{name: "missing embedding", body: map[string]any{}, status: http.StatusBadRequest},
		{name: "zero embedding", body: map[string]any{"embedding": []float32{0, 0, 0, 0}}, status: http.StatusBadRequest},
		{name: "wrong dimension", body: map[string]any{"embedding": []float32{1, 0}}, status: http.StatusBadRequest},
		{name: "top_k too large", body: map[string]any{"embedding": []float32{1, 0, 0, 0}, "top_k": 1000}, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(jsonRequest(t, http.MethodPost, "/api/v1/search", tt.body))
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestSearch_Image(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.sessions.Ingest(ctx, service.IngestRequest{
		UserName:      "alice",
		PrivacyAgreed: true,
		Detections:    []domain.FaceDetection{happyFace(domain.Embedding{1, 0, 0, 0})},
	})
	require.NoError(t, err)

	s.detector.set(domain.FaceDetection{
		Index:        0,
		Embedding:    domain.Embedding{1, 0, 0, 0},
		Distribution: domain.Distribution{domain.EmotionSad: 0.7, domain.EmotionNeutral: 0.3},
	})
	w := s.do(multipartRequest(t, "/api/v1/search", map[string]string{"user_name": "bob"}, pngBytes(t)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[SearchResponse](t, w)
	assert.Equal(t, "bob", resp.UserName)
	assert.Equal(t, domain.EmotionSad, resp.DominantEmotion)
	require.Len(t, resp.SimilarFaces, 1)
	assert.Equal(t, "alice", resp.SimilarFaces[0].UserName)

	s.detector.set()
	w = s.do(multipartRequest(t, "/api/v1/search", nil, pngBytes(t)))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestAdminSweep(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.sessions.Ingest(ctx, service.IngestRequest{
			Image:         pngBytes(t),
			ContentType:   "image/png",
			UserName:      "alice",
			PrivacyAgreed: true,
			Detections:    []domain.FaceDetection{happyFace(domain.Embedding{1, float32(i), 0, 0})},
		})
		require.NoError(t, err)
	}

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/admin/sweep", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[SweepStatusResponse](t, w).LastRunTime)

	// Default retention keeps fresh sessions
	w = s.do(httptest.NewRequest(http.MethodPost, "/api/v1/admin/sweep", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[SweepResponse](t, w)
	require.NotNil(t, resp.Result)
	assert.Zero(t, resp.Result.Deleted)

	w = s.do(jsonRequest(t, http.MethodPost, "/api/v1/admin/sweep", map[string]any{"max_age_hours": 0}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decode[SweepResponse](t, w)
	assert.Equal(t, 3, resp.Result.Deleted)
	assert.Zero(t, resp.Result.Failed)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/admin/sweep", nil))
	status := decode[SweepStatusResponse](t, w)
	assert.False(t, status.IsRunning)
	assert.Equal(t, "success", status.LastRunStatus)
	require.NotNil(t, status.LastResult)
	assert.Equal(t, 3, status.LastResult.Deleted)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	stats := decode[map[string]any](t, w)
	assert.EqualValues(t, 3, stats["sessions_ingested"])
	assert.EqualValues(t, 3, stats["sweep_deleted"])
}

func TestAdminSweep_HugeMaxAgeDeletesNothing(t *testing.T) {
	s := newTestServer(t)
	_, err := s.sessions.Ingest(context.Background(), service.IngestRequest{
		UserName:      "alice",
		PrivacyAgreed: true,
		Detections:    []domain.FaceDetection{happyFace(domain.Embedding{1, 0, 0, 0})},
	})
	require.NoError(t, err)

	w := s.do(jsonRequest(t, http.MethodPost, "/api/v1/admin/sweep", map[string]any{"max_age_hours": 1e10}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[SweepResponse](t, w)
	require.NotNil(t, resp.Result)
	assert.Zero(t, resp.Result.Deleted)
	assert.Equal(t, time.Duration(math.MaxInt64).String(), resp.MaxAge)

	w = s.do(jsonRequest(t, http.MethodPost, "/api/v1/admin/sweep", map[string]any{"max_age_hours": -1}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	stats := decode[map[string]any](t, w)
	assert.EqualValues(t, 0, stats["sweep_deleted"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&domain.PartialDeleteFailure{SessionID: "s", Failures: map[domain.Store]error{domain.StoreArtifacts: errors.New("x")}}, http.StatusBadGateway},
		{fmt.Errorf("face 0: %w", domain.ErrInvalidEmbedding), http.StatusBadRequest},
		{domain.ErrDimensionMismatch, http.StatusBadRequest},
		{domain.ErrEmbeddingRequired, http.StatusBadRequest},
		{domain.ErrNoFaceDetected, http.StatusUnprocessableEntity},
		{domain.ErrSessionNotFound, http.StatusNotFound},
		{domain.ErrSessionDeleted, http.StatusGone},
		{fmt.Errorf("query: %w", domain.ErrIndexUnavailable), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), tt.err.Error())
	}
}

func TestRespondError_PartialDeleteListsStores(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/s1", nil)

	respondError(c, &domain.PartialDeleteFailure{
		SessionID: "s1",
		Failures: map[domain.Store]error{
			domain.StoreSessionLog:  errors.New("db down"),
			domain.StoreVectorIndex: errors.New("qdrant down"),
		},
	}, gin.H{"session_id": "s1"})

	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "s1", body["session_id"])
	assert.Equal(t, []any{"vector_index", "session_log"}, body["failed_stores"])
}
