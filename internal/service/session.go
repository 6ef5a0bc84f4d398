package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/emosense/internal/domain"
	"github.com/timmy/emosense/internal/emotion"
	"github.com/timmy/emosense/internal/lock"
	"github.com/timmy/emosense/internal/logger"
	"github.com/timmy/emosense/internal/storage"
	"golang.org/x/sync/errgroup"
)

// SessionConfig holds configuration for the session service.
type SessionConfig struct {
	// Dimension is the embedding length every detection must have.
	Dimension        int
	MatchTopK        int
	MatchThreshold   float32
	SweepConcurrency int
}

// SessionService owns the lifecycle of sessions across the artifact store,
// the session log and the vector index.
type SessionService struct {
	index     VectorIndex
	artifacts ArtifactStore
	sessions  SessionLog
	search    *SearchService
	locker    lock.Locker
	metrics   *Metrics
	logger    *logger.Logger
	cfg       SessionConfig

	now   func() time.Time
	newID func() string
}

// NewSessionService creates a new session service.
// Parameters:
//   - index: vector index holding one embedding per persisted session.
//   - artifacts: store for captured images and face crops.
//   - sessions: session log.
//   - search: similarity search used for post-ingest matches.
//   - locker: per-session exclusion; nil uses an in-process KeyedMutex.
//   - metrics: shared counters; nil allocates private ones.
//   - log: logger instance.
//   - cfg: session settings.
//
// Returns:
//   - *SessionService: initialized service.
func NewSessionService(
	index VectorIndex,
	artifacts ArtifactStore,
	sessions SessionLog,
	search *SearchService,
	locker lock.Locker,
	metrics *Metrics,
	log *logger.Logger,
	cfg SessionConfig,
) *SessionService {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if log == nil {
		log = logger.GetDefault()
	}
	if search == nil {
		search = NewSearchService(index, metrics, nil)
	}
	if cfg.MatchTopK <= 0 {
		cfg.MatchTopK = 5
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = 4
	}
	return &SessionService{
		index:     index,
		artifacts: artifacts,
		sessions:  sessions,
		search:    search,
		locker:    locker,
		metrics:   metrics,
		logger:    log,
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Metrics returns the service counters.
func (s *SessionService) Metrics() *Metrics {
	return s.metrics
}

// log returns a logger from context if available, otherwise returns the default logger
func (s *SessionService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// IngestRequest is one analyzed image and its detections.
type IngestRequest struct {
	Image         []byte
	ContentType   string
	UserName      string
	PrivacyAgreed bool
	Detections    []domain.FaceDetection
}

// IngestResult is what an ingest returns to the caller.
type IngestResult struct {
	SessionID string
	CreatedAt time.Time
	Aggregate domain.AggregateResult
	Faces     []domain.FaceDetection
	Matches   []domain.Match
	// Persisted is false when the user did not agree to retention.
	Persisted bool
	// MatchesUnavailable is set when the session was stored but the
	// follow-up similarity query failed.
	MatchesUnavailable bool
}

// Ingest validates the detections, computes the session aggregate, writes
// the session to every store and returns similar earlier sessions.
//
// Without privacy agreement nothing is written; the aggregate and matches
// are computed in memory only. A failed write rolls back the stores that
// already succeeded and returns a *domain.IngestError.
func (s *SessionService) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if len(req.Detections) == 0 {
		return nil, domain.ErrNoFaceDetected
	}
	for _, d := range req.Detections {
		if err := d.Embedding.Validate(s.cfg.Dimension); err != nil {
			return nil, fmt.Errorf("face %d: %w", d.Index, err)
		}
	}

	sessionID := s.newID()
	createdAt := s.now().UTC()
	ctx = logger.SetSessionID(ctx, sessionID)

	result := &IngestResult{
		SessionID: sessionID,
		CreatedAt: createdAt,
		Aggregate: emotion.Aggregate(req.Detections),
		Faces:     req.Detections,
	}
	primary := req.Detections[0].Embedding

	if !req.PrivacyAgreed {
		s.metrics.sessionsAnalyzed.Add(1)
		result.Matches, result.MatchesUnavailable = s.matches(ctx, primary, "")
		s.log(ctx).WithFields(logger.Fields{
			"faces":            len(req.Detections),
			"dominant_emotion": result.Aggregate.DominantEmotion,
		}).Info("Session analyzed without retention")
		return result, nil
	}

	// Once writes start the ingest runs to completion or rollback.
	ctx = context.WithoutCancel(ctx)
	if err := s.persist(ctx, sessionID, createdAt, req, result.Aggregate); err != nil {
		s.metrics.ingestFailures.Add(1)
		return nil, err
	}
	result.Persisted = true
	s.metrics.sessionsIngested.Add(1)

	result.Matches, result.MatchesUnavailable = s.matches(ctx, primary, sessionID)

	s.log(ctx).WithFields(logger.Fields{
		"faces":            len(req.Detections),
		"dominant_emotion": result.Aggregate.DominantEmotion,
		"matches":          len(result.Matches),
	}).Info("Session ingested")
	return result, nil
}

// persist writes artifacts, then the log, then the vector entry, under the
// session lock.
func (s *SessionService) persist(ctx context.Context, sessionID string, createdAt time.Time, req IngestRequest, agg domain.AggregateResult) error {
	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return &domain.IngestError{SessionID: sessionID, Cause: fmt.Errorf("acquire session lock: %w", err)}
	}
	defer unlock()

	var (
		wroteArtifacts bool
		wroteLog       bool
		wroteIndex     bool
	)
	fail := func(cause error) error {
		ierr := &domain.IngestError{SessionID: sessionID, Cause: cause}
		// A failed upsert may still have been applied by the index.
		if wroteIndex {
			if err := s.index.Delete(ctx, sessionID); err != nil {
				ierr.RollbackErrors = append(ierr.RollbackErrors, fmt.Errorf("%s: %w", domain.StoreVectorIndex, err))
			}
		}
		if wroteLog {
			if err := s.sessions.Delete(ctx, sessionID); err != nil {
				ierr.RollbackErrors = append(ierr.RollbackErrors, fmt.Errorf("%s: %w", domain.StoreSessionLog, err))
			}
		}
		if wroteArtifacts {
			if err := s.artifacts.DeleteSession(ctx, sessionID); err != nil {
				ierr.RollbackErrors = append(ierr.RollbackErrors, fmt.Errorf("%s: %w", domain.StoreArtifacts, err))
			}
		}
		if ierr.HasOrphans() {
			s.metrics.rollbackFailures.Add(1)
			s.log(ctx).WithError(errors.Join(ierr.RollbackErrors...)).Error("Ingest rollback incomplete, session may have orphaned state")
		}
		s.log(ctx).WithError(cause).Error("Ingest failed")
		return ierr
	}

	imageKey := ""
	if len(req.Image) > 0 {
		wroteArtifacts = true
		imageKey, err = s.artifacts.PutSessionImage(ctx, sessionID, req.Image, req.ContentType)
		if err != nil {
			return fail(fmt.Errorf("store session image: %w", err))
		}
	}
	cropKeys := make(map[int]string)
	for _, d := range req.Detections {
		if len(d.Crop) == 0 {
			continue
		}
		wroteArtifacts = true
		key, err := s.artifacts.PutFaceCrop(ctx, sessionID, d.Index, d.Crop)
		if err != nil {
			return fail(fmt.Errorf("store face crop %d: %w", d.Index, err))
		}
		cropKeys[d.Index] = key
	}

	rec := domain.NewSessionRecord(domain.Session{
		ID:            sessionID,
		UserName:      req.UserName,
		PrivacyAgreed: true,
		ImageKey:      imageKey,
		CreatedAt:     createdAt,
	}, req.Detections, cropKeys, agg)
	wroteLog = true
	if err := s.sessions.Append(ctx, rec); err != nil {
		return fail(fmt.Errorf("append session log: %w", err))
	}

	wroteIndex = true
	if err := s.index.Upsert(ctx, sessionID, req.Detections[0].Embedding, domain.VectorMetadata{
		SessionID: sessionID,
		UserName:  req.UserName,
		CreatedAt: createdAt,
	}); err != nil {
		return fail(fmt.Errorf("upsert embedding: %w", err))
	}
	return nil
}

// matches runs the post-ingest similarity query. A failure is logged and
// reported through the second return value.
func (s *SessionService) matches(ctx context.Context, embedding domain.Embedding, exclude string) ([]domain.Match, bool) {
	if embedding.IsZero() {
		return []domain.Match{}, false
	}
	threshold := s.cfg.MatchThreshold
	found, err := s.search.Search(ctx, SearchRequest{
		Embedding:        embedding,
		TopK:             s.cfg.MatchTopK,
		MinSimilarity:    &threshold,
		ExcludeSessionID: exclude,
	})
	if err != nil {
		s.metrics.matchQueryErrors.Add(1)
		s.log(ctx).WithError(err).Warn("Similarity query failed")
		return []domain.Match{}, true
	}
	return found, false
}

// SessionView is a stored session with its artifacts.
type SessionView struct {
	Record    *domain.SessionRecord
	Artifacts []storage.ObjectInfo
}

// GetSession returns the stored session and its artifact listing.
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*SessionView, error) {
	rec, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	objects, err := s.artifacts.List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return &SessionView{Record: rec, Artifacts: objects}, nil
}

// ArtifactURL returns the access URL of an artifact key.
func (s *SessionService) ArtifactURL(key string) string {
	return s.artifacts.URL(key)
}

// DeleteSession removes a session from the vector index, the artifact
// store and the session log. Each store is tried independently; an unknown
// session succeeds. Failures are returned as *domain.PartialDeleteFailure.
func (s *SessionService) DeleteSession(ctx context.Context, sessionID string) error {
	ctx = context.WithoutCancel(logger.SetSessionID(ctx, sessionID))

	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("acquire session lock: %w", err)
	}
	defer unlock()

	var (
		mu       sync.Mutex
		failures = make(map[domain.Store]error)
	)
	steps := map[domain.Store]func(context.Context, string) error{
		domain.StoreVectorIndex: s.index.Delete,
		domain.StoreArtifacts:   s.artifacts.DeleteSession,
		domain.StoreSessionLog:  s.sessions.Delete,
	}

	var g errgroup.Group
	for store, del := range steps {
		g.Go(func() error {
			if err := del(ctx, sessionID); err != nil {
				mu.Lock()
				failures[store] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		s.metrics.deleteFailures.Add(1)
		pdf := &domain.PartialDeleteFailure{SessionID: sessionID, Failures: failures}
		s.log(ctx).WithError(pdf).WithField("failed_stores", pdf.FailedStores()).Warn("Session delete incomplete")
		return pdf
	}

	s.metrics.sessionsDeleted.Add(1)
	s.log(ctx).Info("Session deleted")
	return nil
}

// SweepResult counts the outcome of one expiry sweep.
type SweepResult struct {
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

// MaxAgeFromHours converts a retention in hours to a duration, saturating at
// the largest representable duration. NaN, infinite and negative hours are
// rejected.
func MaxAgeFromHours(hours float64) (time.Duration, error) {
	if math.IsNaN(hours) || math.IsInf(hours, 0) || hours < 0 {
		return 0, fmt.Errorf("max age must be a finite non-negative number of hours, got %v", hours)
	}
	if ns := hours * float64(time.Hour); ns < math.MaxInt64 {
		return time.Duration(ns), nil
	}
	return time.Duration(math.MaxInt64), nil
}

// SweepExpired deletes every session created at or before now-maxAge.
// A session that fails to delete is logged and counted, never returned as
// an error. An error is returned only if no store could be enumerated.
func (s *SessionService) SweepExpired(ctx context.Context, maxAge time.Duration) (SweepResult, error) {
	if maxAge < 0 {
		maxAge = 0
	}
	start := time.Now()
	cutoff := s.now().Add(-maxAge)
	ctx = logger.WithField(ctx, logger.FieldOperation, "sweep")

	ids, err := s.expiredSessions(ctx, cutoff)
	if err != nil {
		return SweepResult{}, err
	}

	var deleted, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SweepConcurrency)
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := s.DeleteSession(gctx, id); err != nil {
				failed.Add(1)
				s.log(ctx).WithField(logger.FieldSessionID, id).WithError(err).Warn("Failed to delete expired session")
				return nil
			}
			deleted.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	result := SweepResult{Deleted: int(deleted.Load()), Failed: int(failed.Load())}
	s.metrics.recordSweep(result.Deleted, result.Failed)
	logger.With(logger.Fields{logger.FieldFailed: result.Failed}).
		WithCount(result.Deleted).
		WithDuration(start).
		Info(ctx, "Expiry sweep completed")
	return result, nil
}

// expiredSessions unions the expired ids of the session log and the
// artifact store so sessions orphaned in either store are swept too.
func (s *SessionService) expiredSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	logIDs, logErr := s.sessions.ListOlderThan(ctx, cutoff)
	if logErr != nil {
		s.log(ctx).WithError(logErr).Warn("Failed to list expired sessions from session log")
	}
	artifactIDs, artErr := s.artifacts.ListSessionsOlderThan(ctx, cutoff)
	if artErr != nil {
		s.log(ctx).WithError(artErr).Warn("Failed to list expired sessions from artifact store")
	}
	if logErr != nil && artErr != nil {
		return nil, fmt.Errorf("enumerate expired sessions: %w", errors.Join(logErr, artErr))
	}

	seen := make(map[string]struct{}, len(logIDs)+len(artifactIDs))
	var ids []string
	for _, id := range append(logIDs, artifactIDs...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (s *SessionService) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log(ctx).WithFields(logger.Fields{
		"interval": interval.String(),
		"max_age":  maxAge.String(),
	}).Info("Expiry sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.log(ctx).Info("Expiry sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx, maxAge); err != nil {
				s.log(ctx).WithError(err).Error("Expiry sweep failed")
			}
		}
	}
}
