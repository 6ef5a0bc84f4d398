package service

import (
	"sync/atomic"
	"time"
)

// Metrics counts service operations since process start.
type Metrics struct {
	sessionsIngested  atomic.Int64
	sessionsAnalyzed  atomic.Int64
	ingestFailures    atomic.Int64
	rollbackFailures  atomic.Int64
	sessionsDeleted   atomic.Int64
	deleteFailures    atomic.Int64
	sweepRuns         atomic.Int64
	sweepDeleted      atomic.Int64
	sweepFailed       atomic.Int64
	searches          atomic.Int64
	matchQueryErrors  atomic.Int64
	lastSweepUnixSecs atomic.Int64
}

// NewMetrics creates zeroed counters.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	SessionsIngested int64      `json:"sessions_ingested"`
	SessionsAnalyzed int64      `json:"sessions_analyzed"`
	IngestFailures   int64      `json:"ingest_failures"`
	RollbackFailures int64      `json:"rollback_failures"`
	SessionsDeleted  int64      `json:"sessions_deleted"`
	DeleteFailures   int64      `json:"delete_failures"`
	SweepRuns        int64      `json:"sweep_runs"`
	SweepDeleted     int64      `json:"sweep_deleted"`
	SweepFailed      int64      `json:"sweep_failed"`
	Searches         int64      `json:"searches"`
	MatchQueryErrors int64      `json:"match_query_errors"`
	LastSweepAt      *time.Time `json:"last_sweep_at,omitempty"`
}

// Snapshot reads every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		SessionsIngested: m.sessionsIngested.Load(),
		SessionsAnalyzed: m.sessionsAnalyzed.Load(),
		IngestFailures:   m.ingestFailures.Load(),
		RollbackFailures: m.rollbackFailures.Load(),
		SessionsDeleted:  m.sessionsDeleted.Load(),
		DeleteFailures:   m.deleteFailures.Load(),
		SweepRuns:        m.sweepRuns.Load(),
		SweepDeleted:     m.sweepDeleted.Load(),
		SweepFailed:      m.sweepFailed.Load(),
		Searches:         m.searches.Load(),
		MatchQueryErrors: m.matchQueryErrors.Load(),
	}
	if secs := m.lastSweepUnixSecs.Load(); secs > 0 {
		t := time.Unix(secs, 0).UTC()
		s.LastSweepAt = &t
	}
	return s
}

func (m *Metrics) recordSweep(deleted, failed int) {
	m.sweepRuns.Add(1)
	m.sweepDeleted.Add(int64(deleted))
	m.sweepFailed.Add(int64(failed))
	m.lastSweepUnixSecs.Store(time.Now().Unix())
}
