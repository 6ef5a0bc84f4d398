package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/emosense/internal/api/handler"
	"github.com/timmy/emosense/internal/api/middleware"
	"github.com/timmy/emosense/internal/logger"
	"github.com/timmy/emosense/internal/service"
)

// ServiceName is reported by the health endpoints.
const ServiceName = "face-emotion-analyzer"

// RouterConfig holds the HTTP layer settings.
type RouterConfig struct {
	Mode           string
	CORS           middleware.CORSConfig
	MaxUploadBytes int64
	// SweepMaxAge is the retention used by admin sweeps without an override.
	SweepMaxAge time.Duration
}

// Services bundles the dependencies of the HTTP handlers.
type Services struct {
	Sessions *service.SessionService
	Search   *service.SearchService
	Detector handler.FaceDetector
	Logger   *logger.Logger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(svc Services, cfg RouterConfig) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	log := svc.Logger
	if log == nil {
		log = logger.GetDefault()
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cfg.CORS))

	// Create handlers
	healthHandler := handler.NewHealthHandler(ServiceName)
	sessionHandler := handler.NewSessionHandler(svc.Sessions, svc.Detector, cfg.MaxUploadBytes)
	searchHandler := handler.NewSearchHandler(svc.Search, svc.Detector, svc.Sessions.Metrics(), cfg.MaxUploadBytes)
	adminHandler := handler.NewAdminHandler(svc.Sessions, cfg.SweepMaxAge)

	// Health check
	r.GET("/health", healthHandler.Health)
	r.GET("/api/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Analysis and search
		v1.POST("/analyze-face", sessionHandler.AnalyzeFace)
		v1.POST("/search", searchHandler.Search)

		// Sessions
		v1.GET("/sessions/:id", sessionHandler.GetSession)
		v1.DELETE("/sessions/:id", sessionHandler.DeleteSession)

		// Stats
		v1.GET("/stats", searchHandler.GetStats)

		// Admin
		admin := v1.Group("/admin")
		admin.POST("/sweep", adminHandler.TriggerSweep)
		admin.GET("/sweep", adminHandler.GetSweepStatus)
	}

	return r
}
