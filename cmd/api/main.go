package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/emosense/internal/api"
	"github.com/timmy/emosense/internal/api/middleware"
	"github.com/timmy/emosense/internal/app"
	"github.com/timmy/emosense/internal/config"
	"github.com/timmy/emosense/internal/logger"
)

func main() {
	// Initialize logger from LOG_* environment variables
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize services")
	}
	defer services.Close()

	// Expiry sweeper runs in-process unless a separate sweep job is scheduled
	if cfg.Session.SweepInProcess {
		go services.Sessions.RunSweeper(
			logger.SetComponent(appLogger.WithContext(ctx), "sweeper"),
			cfg.Session.CleanupInterval,
			cfg.Session.Expiry(),
		)
	}

	router := api.SetupRouter(api.Services{
		Sessions: services.Sessions,
		Search:   services.Search,
		Detector: services.Detector,
		Logger:   appLogger,
	}, api.RouterConfig{
		Mode: cfg.Server.Mode,
		CORS: middleware.CORSConfig{
			AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
			AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
		},
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
		SweepMaxAge:    cfg.Session.Expiry(),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
