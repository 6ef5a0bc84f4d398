package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidEmbedding is returned by ingest when a detection's embedding
	// has the wrong shape. Nothing has been written when it is returned.
	ErrInvalidEmbedding = errors.New("invalid embedding")

	// ErrDimensionMismatch is the vector index variant of ErrInvalidEmbedding.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrIndexUnavailable marks a transient vector index failure. Callers retry.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrStoreUnavailable marks a transient artifact or log store failure.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrEmbeddingRequired is returned for empty or all-zero query vectors.
	ErrEmbeddingRequired = errors.New("non-zero embedding required")

	// ErrNoFaceDetected is returned when the detector found no face.
	ErrNoFaceDetected = errors.New("no face detected")

	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionDeleted is returned when writing to a session id that has
	// already been deleted. Session ids are never reused.
	ErrSessionDeleted = errors.New("session already deleted")
)

// Store names a backing store of a session.
type Store string

const (
	StoreVectorIndex Store = "vector_index"
	StoreArtifacts   Store = "artifact_store"
	StoreSessionLog  Store = "session_log"
)

// PartialDeleteFailure reports which stores failed while deleting a session.
// The caller retries only the named stores.
type PartialDeleteFailure struct {
	SessionID string
	Failures  map[Store]error
}

// FailedStores returns the failed store names in a stable order.
func (e *PartialDeleteFailure) FailedStores() []Store {
	var out []Store
	for _, s := range []Store{StoreVectorIndex, StoreArtifacts, StoreSessionLog} {
		if _, ok := e.Failures[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (e *PartialDeleteFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, s := range e.FailedStores() {
		parts = append(parts, fmt.Sprintf("%s: %v", s, e.Failures[s]))
	}
	return fmt.Sprintf("partial delete of session %s failed (%s)", e.SessionID, strings.Join(parts, "; "))
}

// Unwrap exposes the per-store causes to errors.Is and errors.As.
func (e *PartialDeleteFailure) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, s := range e.FailedStores() {
		out = append(out, e.Failures[s])
	}
	return out
}

// IngestError is a failed ingest. Cause is the primary failure; RollbackErrors
// lists compensation steps that also failed and may have left orphans.
type IngestError struct {
	SessionID      string
	Cause          error
	RollbackErrors []error
}

func (e *IngestError) Error() string {
	msg := fmt.Sprintf("ingest of session %s failed: %v", e.SessionID, e.Cause)
	if len(e.RollbackErrors) > 0 {
		msg += fmt.Sprintf(" (rollback incomplete: %v)", errors.Join(e.RollbackErrors...))
	}
	return msg
}

func (e *IngestError) Unwrap() error {
	return e.Cause
}

// HasOrphans reports whether rollback left state behind.
func (e *IngestError) HasOrphans() bool {
	return len(e.RollbackErrors) > 0
}
