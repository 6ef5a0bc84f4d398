// Package app wires configuration into the stores and services shared by
// the API server and the sweep command.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/timmy/emosense/internal/config"
	"github.com/timmy/emosense/internal/lock"
	"github.com/timmy/emosense/internal/logger"
	"github.com/timmy/emosense/internal/repository"
	"github.com/timmy/emosense/internal/service"
	"github.com/timmy/emosense/internal/storage"
)

// App holds the constructed services and the resources to release on exit.
type App struct {
	Sessions *service.SessionService
	Search   *service.SearchService
	Detector *service.FaceDetector
	Metrics  *service.Metrics

	closers []io.Closer
}

type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

// New connects every backing store named in cfg and builds the services.
// Parameters:
//   - ctx: context for connection setup.
//   - cfg: loaded configuration.
//   - log: application logger.
// Returns:
//   - *App: wired services; call Close when done.
//   - error: non-nil if any store cannot be reached.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	a.closers = append(a.closers, sqlDB)
	sessionRepo := repository.NewSessionRepository(db)

	index, err := newIndex(ctx, cfg, a)
	if err != nil {
		return nil, err
	}

	objectStorage, err := storage.NewStorage(&storage.S3Config{
		Type:      storage.StorageType(cfg.Storage.Type),
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		PublicURL: cfg.Storage.PublicURL,
		LocalPath: cfg.Storage.LocalPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if ensurer, isBucket := objectStorage.(bucketEnsurer); isBucket {
		if err := ensurer.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure storage bucket: %w", err)
		}
	}
	artifacts := storage.NewSessionArtifacts(objectStorage)

	locker, err := newLocker(ctx, cfg, a)
	if err != nil {
		return nil, err
	}

	a.Metrics = service.NewMetrics()
	a.Search = service.NewSearchService(index, a.Metrics, &service.SearchConfig{
		DefaultTopK:      cfg.Session.SearchTopK,
		DefaultThreshold: cfg.Session.SearchThreshold,
	})
	a.Sessions = service.NewSessionService(index, artifacts, sessionRepo, a.Search, locker, a.Metrics, log,
		service.SessionConfig{
			Dimension:        cfg.Vector.Dimensions,
			MatchTopK:        cfg.Session.MatchTopK,
			MatchThreshold:   cfg.Session.MatchThreshold,
			SweepConcurrency: cfg.Session.SweepConcurrency,
		})
	a.Detector = service.NewFaceDetector(&service.DetectorConfig{
		BaseURL: cfg.Detector.BaseURL,
		APIKey:  cfg.Detector.APIKey,
		Timeout: cfg.Detector.Timeout,
	})

	log.WithFields(logger.Fields{
		"vector_backend": cfg.Vector.Backend,
		"dimensions":     cfg.Vector.Dimensions,
		"storage_type":   cfg.Storage.Type,
		"db_driver":      cfg.Database.Driver,
		"lock_backend":   cfg.Lock.Backend,
	}).Info("Services initialized")

	ok = true
	return a, nil
}

func newIndex(ctx context.Context, cfg *config.Config, a *App) (service.VectorIndex, error) {
	if cfg.Vector.Backend == "memory" {
		return repository.NewMemoryIndex(cfg.Vector.Dimensions), nil
	}

	qdrantIndex, err := repository.NewQdrantIndex(&repository.QdrantConnectionConfig{
		Host:            cfg.Qdrant.Host,
		Port:            cfg.Qdrant.Port,
		Collection:      cfg.Qdrant.Collection,
		APIKey:          cfg.Qdrant.APIKey,
		UseTLS:          cfg.Qdrant.UseTLS,
		VectorDimension: cfg.Vector.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Qdrant index: %w", err)
	}
	a.closers = append(a.closers, qdrantIndex)

	if err := qdrantIndex.EnsureCollection(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure Qdrant collection: %w", err)
	}
	return qdrantIndex, nil
}

func newLocker(ctx context.Context, cfg *config.Config, a *App) (lock.Locker, error) {
	if cfg.Lock.Backend != "redis" {
		return lock.NewKeyedMutex(), nil
	}
	redisLocker, err := lock.NewRedisLocker(ctx, lock.RedisConfig{
		Addr:     cfg.Lock.RedisAddr,
		Password: cfg.Lock.RedisPassword,
		DB:       cfg.Lock.RedisDB,
		TTL:      cfg.Lock.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize redis lock: %w", err)
	}
	a.closers = append(a.closers, redisLocker)
	return redisLocker, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
