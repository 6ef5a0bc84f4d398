package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/emosense/internal/logger"
	"github.com/timmy/emosense/internal/service"
)

// AdminHandler handles admin operations.
type AdminHandler struct {
	sessions      *service.SessionService
	defaultMaxAge time.Duration

	// Sweep job state
	mu            sync.RWMutex
	isRunning     bool
	lastResult    *service.SweepResult
	lastRunTime   time.Time
	lastRunStatus string
}

// NewAdminHandler creates a new admin handler.
// Parameters:
//   - sessions: session service instance.
//   - defaultMaxAge: retention used when a sweep request names none.
// Returns:
//   - *AdminHandler: initialized handler.
func NewAdminHandler(sessions *service.SessionService, defaultMaxAge time.Duration) *AdminHandler {
	return &AdminHandler{
		sessions:      sessions,
		defaultMaxAge: defaultMaxAge,
	}
}

// SweepRequest represents the sweep API request.
type SweepRequest struct {
	MaxAgeHours *float64 `json:"max_age_hours" binding:"omitempty,min=0"`
}

// SweepResponse represents the sweep API response.
type SweepResponse struct {
	Message string               `json:"message"`
	MaxAge  string               `json:"max_age"`
	Result  *service.SweepResult `json:"result,omitempty"`
}

// SweepStatusResponse represents the sweep status.
type SweepStatusResponse struct {
	IsRunning     bool                 `json:"is_running"`
	LastRunTime   string               `json:"last_run_time,omitempty"`
	LastRunStatus string               `json:"last_run_status,omitempty"`
	LastResult    *service.SweepResult `json:"last_result,omitempty"`
}

// TriggerSweep runs one expiry sweep and waits for it to finish.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) TriggerSweep(c *gin.Context) {
	ctx := c.Request.Context()

	var req SweepRequest
	// An empty body sweeps with the default retention
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		logger.CtxWarn(ctx, "Invalid sweep request: client_ip=%s, error=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	maxAge := h.defaultMaxAge
	if req.MaxAgeHours != nil {
		var err error
		if maxAge, err = service.MaxAgeFromHours(*req.MaxAgeHours); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
	}

	h.mu.Lock()
	if h.isRunning {
		h.mu.Unlock()
		logger.CtxWarn(ctx, "Sweep request rejected: already running, client_ip=%s", c.ClientIP())
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "Sweep is already running"})
		return
	}
	h.isRunning = true
	h.mu.Unlock()

	logger.CtxInfo(ctx, "Starting expiry sweep: max_age=%s, client_ip=%s", maxAge, c.ClientIP())

	// Detach from the request so a client disconnect does not stop the sweep
	result, err := h.sessions.SweepExpired(context.WithoutCancel(ctx), maxAge)

	h.mu.Lock()
	h.isRunning = false
	h.lastRunTime = time.Now()
	if err != nil {
		h.lastRunStatus = "failed: " + err.Error()
		h.lastResult = nil
	} else {
		h.lastRunStatus = "success"
		h.lastResult = &result
	}
	h.mu.Unlock()

	if err != nil {
		respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, SweepResponse{
		Message: "Sweep completed",
		MaxAge:  maxAge.String(),
		Result:  &result,
	})
}

// GetSweepStatus returns the state of the last admin-triggered sweep.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) GetSweepStatus(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	logger.CtxDebug(c.Request.Context(), "Sweep status requested: client_ip=%s, is_running=%v", c.ClientIP(), h.isRunning)

	resp := SweepStatusResponse{
		IsRunning:     h.isRunning,
		LastRunStatus: h.lastRunStatus,
		LastResult:    h.lastResult,
	}
	if !h.lastRunTime.IsZero() {
		resp.LastRunTime = h.lastRunTime.Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, resp)
}
