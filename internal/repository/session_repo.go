package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/emosense/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionRepository is the session log: sessions, per-face emotion rows and
// the session aggregate, plus tombstones of deleted session ids.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a new SessionRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *SessionRepository: repository instance bound to db.
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func storeErr(action string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", domain.ErrStoreUnavailable, action, err)
}

// Append writes a session with its face rows and aggregate in one transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - rec: session record to persist.
// Returns:
//   - error: domain.ErrSessionDeleted if the id was deleted before,
//     domain.ErrStoreUnavailable wrapping the database error otherwise.
func (r *SessionRepository) Append(ctx context.Context, rec *domain.SessionRecord) error {
	rec.Session.CreatedAt = rec.Session.CreatedAt.UTC()
	rec.Aggregate.CreatedAt = rec.Aggregate.CreatedAt.UTC()
	for i := range rec.Faces {
		rec.Faces[i].CreatedAt = rec.Faces[i].CreatedAt.UTC()
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tombstones int64
		if err := tx.Model(&domain.SessionTombstone{}).
			Where("session_id = ?", rec.Session.ID).
			Count(&tombstones).Error; err != nil {
			return storeErr("check tombstone", err)
		}
		if tombstones > 0 {
			return fmt.Errorf("%w: %s", domain.ErrSessionDeleted, rec.Session.ID)
		}

		if err := tx.Create(&rec.Session).Error; err != nil {
			return storeErr("insert session", err)
		}
		if len(rec.Faces) > 0 {
			if err := tx.Create(&rec.Faces).Error; err != nil {
				return storeErr("insert emotion logs", err)
			}
		}
		if err := tx.Create(&rec.Aggregate).Error; err != nil {
			return storeErr("insert aggregate", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrSessionDeleted) || errors.Is(err, domain.ErrStoreUnavailable) {
			return err
		}
		return storeErr("commit session", err)
	}
	return nil
}

// Get retrieves a session with its face rows ordered by face index.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - sessionID: session identifier.
// Returns:
//   - *domain.SessionRecord: the stored session.
//   - error: domain.ErrSessionNotFound if no such session exists.
func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	db := r.db.WithContext(ctx)

	var rec domain.SessionRecord
	if err := db.First(&rec.Session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
		}
		return nil, storeErr("get session", err)
	}
	if err := db.Where("session_id = ?", sessionID).Order("face_index ASC").Find(&rec.Faces).Error; err != nil {
		return nil, storeErr("get emotion logs", err)
	}
	if err := db.Where("session_id = ?", sessionID).Limit(1).Find(&rec.Aggregate).Error; err != nil {
		return nil, storeErr("get aggregate", err)
	}
	return &rec, nil
}

// ListOlderThan returns ids of sessions created at or before cutoff, oldest first.
func (r *SessionRepository) ListOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("created_at <= ?", cutoff.UTC()).
		Order("created_at ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, storeErr("list expired sessions", err)
	}
	return ids, nil
}

// Count returns the number of stored sessions.
func (r *SessionRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Session{}).Count(&count).Error; err != nil {
		return 0, storeErr("count sessions", err)
	}
	return count, nil
}

// Delete removes every row of a session and records a tombstone for its id.
// Deleting an unknown id succeeds and still records the tombstone.
func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&domain.EmotionLog{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&domain.AggregatedEmotion{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", sessionID).Delete(&domain.Session{}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&domain.SessionTombstone{
			SessionID: sessionID,
			DeletedAt: time.Now().UTC(),
		}).Error
	})
	if err != nil {
		return storeErr("delete session", err)
	}
	return nil
}
