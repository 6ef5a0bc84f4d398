package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/emosense/internal/domain"
	"github.com/timmy/emosense/internal/logger"
	"github.com/timmy/emosense/internal/service"
	"github.com/timmy/emosense/internal/storage"
)

// SessionHandler handles face analysis and session endpoints.
type SessionHandler struct {
	sessions       *service.SessionService
	detector       FaceDetector
	maxUploadBytes int64
}

// NewSessionHandler creates a new session handler.
// Parameters:
//   - sessions: session service instance.
//   - detector: face detector used on uploaded images.
//   - maxUploadBytes: upload size limit; 0 disables it.
// Returns:
//   - *SessionHandler: initialized handler.
func NewSessionHandler(sessions *service.SessionService, detector FaceDetector, maxUploadBytes int64) *SessionHandler {
	return &SessionHandler{
		sessions:       sessions,
		detector:       detector,
		maxUploadBytes: maxUploadBytes,
	}
}

// FaceResponse is one detected face.
type FaceResponse struct {
	FaceIndex    int                 `json:"face_index"`
	Box          domain.BoundingBox  `json:"box"`
	EmotionLabel domain.Emotion      `json:"emotion_label"`
	Confidence   float64             `json:"confidence"`
	Distribution domain.Distribution `json:"emotion_distribution"`
	CropURL      string              `json:"crop_url,omitempty"`
}

// AnalyzeResponse is the response of POST /api/v1/analyze-face.
type AnalyzeResponse struct {
	Success            bool                `json:"success"`
	SessionID          string              `json:"session_id"`
	UserName           string              `json:"user_name"`
	FacesDetected      int                 `json:"faces_detected"`
	DominantEmotion    domain.Emotion      `json:"dominant_emotion"`
	EmotionConfidence  float64             `json:"emotion_confidence"`
	AllEmotions        domain.Distribution `json:"all_emotions"`
	Statement          string              `json:"statement"`
	Faces              []FaceResponse      `json:"faces"`
	SimilarFaces       []domain.Match      `json:"similar_faces"`
	MatchesUnavailable bool                `json:"matches_unavailable,omitempty"`
	Persisted          bool                `json:"persisted"`
	CapturedAt         time.Time           `json:"captured_at"`
}

// AnalyzeFace handles POST /api/v1/analyze-face.
// Parameters:
//   - c: Gin request context with multipart fields image, user_name and privacy_agreed.
// Returns: none (writes JSON response).
func (h *SessionHandler) AnalyzeFace(c *gin.Context) {
	ctx := c.Request.Context()

	userName := strings.TrimSpace(c.PostForm("user_name"))
	if userName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "user_name is required"})
		return
	}
	privacyAgreed, err := strconv.ParseBool(c.DefaultPostForm("privacy_agreed", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "privacy_agreed must be a boolean"})
		return
	}

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

	res, err := h.sessions.Ingest(ctx, service.IngestRequest{
		Image:         img.data,
		ContentType:   img.contentType,
		UserName:      userName,
		PrivacyAgreed: privacyAgreed,
		Detections:    faces,
	})
	if err != nil {
		respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, h.analyzeResponse(userName, res))
}

func (h *SessionHandler) analyzeResponse(userName string, res *service.IngestResult) AnalyzeResponse {
	faces := make([]FaceResponse, 0, len(res.Faces))
	for _, f := range res.Faces {
		label, confidence := f.Dominant()
		fr := FaceResponse{
			FaceIndex:    f.Index,
			Box:          f.Box,
			EmotionLabel: label,
			Confidence:   confidence,
			Distribution: f.Distribution,
		}
		if res.Persisted && len(f.Crop) > 0 {
			fr.CropURL = h.sessions.ArtifactURL(storage.FaceCropKey(res.SessionID, f.Index))
		}
		faces = append(faces, fr)
	}
	return AnalyzeResponse{
		Success:            true,
		SessionID:          res.SessionID,
		UserName:           userName,
		FacesDetected:      len(res.Faces),
		DominantEmotion:    res.Aggregate.DominantEmotion,
		EmotionConfidence:  res.Aggregate.Confidence,
		AllEmotions:        res.Aggregate.Distribution,
		Statement:          res.Aggregate.Statement,
		Faces:              faces,
		SimilarFaces:       res.Matches,
		MatchesUnavailable: res.MatchesUnavailable,
		Persisted:          res.Persisted,
		CapturedAt:         res.CreatedAt,
	}
}

// ArtifactResponse is one stored artifact of a session.
type ArtifactResponse struct {
	Key          string    `json:"key"`
	URL          string    `json:"url"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// SessionResponse is the response of GET /api/v1/sessions/:id.
type SessionResponse struct {
	SessionID       string              `json:"session_id"`
	UserName        string              `json:"user_name"`
	CreatedAt       time.Time           `json:"created_at"`
	FacesDetected   int                 `json:"faces_detected"`
	DominantEmotion domain.Emotion      `json:"dominant_emotion"`
	Confidence      float64             `json:"emotion_confidence"`
	AllEmotions     domain.Distribution `json:"all_emotions"`
	Statement       string              `json:"statement"`
	Faces           []FaceResponse      `json:"faces"`
	Artifacts       []ArtifactResponse  `json:"artifacts"`
}

// GetSession handles GET /api/v1/sessions/:id.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *SessionHandler) GetSession(c *gin.Context) {
	id := c.Param("id")
	view, err := h.sessions.GetSession(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, gin.H{"session_id": id})
		return
	}

	rec := view.Record
	resp := SessionResponse{
		SessionID:       rec.Session.ID,
		UserName:        rec.Session.UserName,
		CreatedAt:       rec.Session.CreatedAt,
		FacesDetected:   rec.Session.FaceCount,
		DominantEmotion: rec.Aggregate.DominantEmotion,
		Confidence:      rec.Aggregate.Confidence,
		AllEmotions:     rec.Aggregate.Distribution,
		Statement:       rec.Aggregate.Statement,
		Faces:           make([]FaceResponse, 0, len(rec.Faces)),
		Artifacts:       make([]ArtifactResponse, 0, len(view.Artifacts)),
	}
	for _, f := range rec.Faces {
		fr := FaceResponse{
			FaceIndex:    f.FaceIndex,
			Box:          domain.BoundingBox{X: f.BoxX, Y: f.BoxY, Width: f.BoxWidth, Height: f.BoxHeight},
			EmotionLabel: f.EmotionLabel,
			Confidence:   f.Confidence,
			Distribution: f.Distribution,
		}
		if f.CropKey != "" {
			fr.CropURL = h.sessions.ArtifactURL(f.CropKey)
		}
		resp.Faces = append(resp.Faces, fr)
	}
	for _, obj := range view.Artifacts {
		resp.Artifacts = append(resp.Artifacts, ArtifactResponse{
			Key:          obj.Key,
			URL:          h.sessions.ArtifactURL(obj.Key),
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// DeleteSession handles DELETE /api/v1/sessions/:id.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessions.DeleteSession(c.Request.Context(), id); err != nil {
		respondError(c, err, gin.H{"session_id": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session_id": id})
}
