package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/emosense/internal/app"
	"github.com/timmy/emosense/internal/config"
	"github.com/timmy/emosense/internal/logger"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "emosense-sweep",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	maxAge := flag.Duration("max-age", -1, "Delete sessions older than this; 0 deletes all, negative uses session.expiry_hours")
	dryRun := flag.Bool("dry-run", false, "Connect to every store and exit without deleting")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	*maxAge = resolveMaxAge(*maxAge, cfg.Session.Expiry())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.SetComponent(appLogger.WithContext(ctx), "sweep")

	services, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize services")
	}
	defer services.Close()

	appLogger.WithFields(logger.Fields{
		"max_age": maxAge.String(),
		"dry_run": *dryRun,
	}).Info("Starting expiry sweep")
	if *dryRun {
		return
	}

	start := time.Now()
	result, err := services.Sessions.SweepExpired(ctx, *maxAge)
	if err != nil {
		appLogger.WithError(err).Error("Expiry sweep failed")
		services.Close()
		os.Exit(1)
	}

	appLogger.WithFields(logger.Fields{
		"deleted":              result.Deleted,
		"failed":               result.Failed,
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info("Expiry sweep completed")
	if result.Failed > 0 {
		services.Close()
		os.Exit(2)
	}
}

// resolveMaxAge returns the configured expiry when no -max-age was given.
func resolveMaxAge(flagValue, expiry time.Duration) time.Duration {
	if flagValue < 0 {
		return expiry
	}
	return flagValue
}
