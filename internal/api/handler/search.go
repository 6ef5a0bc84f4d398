package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/emosense/internal/domain"
	"github.com/timmy/emosense/internal/emotion"
	"github.com/timmy/emosense/internal/logger"
	"github.com/timmy/emosense/internal/service"
)

// SearchHandler handles similarity search and stats endpoints.
type SearchHandler struct {
	searchService  *service.SearchService
	detector       FaceDetector
	metrics        *service.Metrics
	maxUploadBytes int64
}

// NewSearchHandler creates a new search handler.
// Parameters:
//   - searchService: search service instance.
//   - detector: face detector for image queries.
//   - metrics: counters reported by GetStats.
//   - maxUploadBytes: upload size limit; 0 disables it.
// Returns:
//   - *SearchHandler: initialized handler.
func NewSearchHandler(searchService *service.SearchService, detector FaceDetector, metrics *service.Metrics, maxUploadBytes int64) *SearchHandler {
	return &SearchHandler{
		searchService:  searchService,
		detector:       detector,
		metrics:        metrics,
		maxUploadBytes: maxUploadBytes,
	}
}

// EmbeddingSearchRequest is the JSON form of POST /api/v1/search.
type EmbeddingSearchRequest struct {
	Embedding        []float32 `json:"embedding" binding:"required"`
	TopK             int       `json:"top_k" binding:"omitempty,min=1,max=100"`
	Threshold        *float32  `json:"threshold" binding:"omitempty,min=0,max=1"`
	ExcludeSessionID string    `json:"exclude_session_id"`
}

// SearchResponse is the response of POST /api/v1/search.
type SearchResponse struct {
	Success           bool                `json:"success"`
	UserName          string              `json:"user_name,omitempty"`
	DominantEmotion   domain.Emotion      `json:"dominant_emotion,omitempty"`
	EmotionConfidence float64             `json:"emotion_confidence,omitempty"`
	AllEmotions       domain.Distribution `json:"all_emotions,omitempty"`
	Statement         string              `json:"statement,omitempty"`
	SimilarFaces      []domain.Match      `json:"similar_faces"`
	Total             int                 `json:"total"`
	SearchedAt        time.Time           `json:"searched_at"`
}

// Search handles POST /api/v1/search. A multipart body with an image is
// run through the face detector and searched with its first face; a JSON
// body searches with the given embedding.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *SearchHandler) Search(c *gin.Context) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		h.searchByImage(c)
		return
	}

	var req EmbeddingSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request: " + err.Error(),
		})
		return
	}

	matches, err := h.searchService.Search(c.Request.Context(), service.SearchRequest{
		Embedding:        domain.Embedding(req.Embedding),
		TopK:             req.TopK,
		MinSimilarity:    req.Threshold,
		ExcludeSessionID: req.ExcludeSessionID,
	})
	if err != nil {
		respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, SearchResponse{
		Success:      true,
		SimilarFaces: matches,
		Total:        len(matches),
		SearchedAt:   time.Now().UTC(),
	})
}

func (h *SearchHandler) searchByImage(c *gin.Context) {
	ctx := c.Request.Context()

	img, err := readImage(c, h.maxUploadBytes)
	if err != nil {
		c.JSON(uploadStatus(err), gin.H{"success": false, "error": err.Error()})
		return
	}

	faces, err := h.detector.Detect(ctx, img.data, img.contentType)
	if err != nil {
		logger.CtxError(ctx, "Face detection failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": "face detection failed"})
		return
	}
	if len(faces) == 0 {
		respondError(c, domain.ErrNoFaceDetected, nil)
		return
	}

	matches, err := h.searchService.Search(ctx, service.SearchRequest{
		Embedding: faces[0].Embedding,
	})
	if err != nil {
		respondError(c, err, nil)
		return
	}

	agg := emotion.Aggregate(faces)
	c.JSON(http.StatusOK, SearchResponse{
		Success:           true,
		UserName:          strings.TrimSpace(c.PostForm("user_name")),
		DominantEmotion:   agg.DominantEmotion,
		EmotionConfidence: agg.Confidence,
		AllEmotions:       agg.Distribution,
		Statement:         agg.Statement,
		SimilarFaces:      matches,
		Total:             len(matches),
		SearchedAt:        time.Now().UTC(),
	})
}

// GetStats handles GET /api/v1/stats.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *SearchHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}
