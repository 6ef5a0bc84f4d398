package domain

import (
	"time"
)

// Session is one user-submitted image analysis, persisted only when the
// user agreed to the privacy policy.
type Session struct {
	ID            string    `gorm:"type:text;primaryKey" json:"session_id"`
	UserName      string    `gorm:"type:text;not null" json:"user_name"`
	PrivacyAgreed bool      `gorm:"not null" json:"privacy_agreed"`
	FaceCount     int       `gorm:"not null;default:0" json:"faces_detected"`
	ImageKey      string    `gorm:"type:text" json:"image_key,omitempty"`
	CreatedAt     time.Time `gorm:"not null;index:idx_sessions_created_at" json:"created_at"`
}

// TableName returns the database table name for Session.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Session) TableName() string {
	return "sessions"
}

// EmotionLog is the per-face emotion result of a session.
type EmotionLog struct {
	ID           uint         `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID    string       `gorm:"type:text;not null;uniqueIndex:idx_emotion_logs_face" json:"session_id"`
	FaceIndex    int          `gorm:"not null;uniqueIndex:idx_emotion_logs_face" json:"face_index"`
	EmotionLabel Emotion      `gorm:"type:text;not null" json:"emotion_label"`
	Confidence   float64      `gorm:"not null" json:"confidence"`
	Distribution Distribution `gorm:"type:text" json:"emotion_distribution"`
	BoxX         int          `json:"box_x"`
	BoxY         int          `json:"box_y"`
	BoxWidth     int          `json:"box_width"`
	BoxHeight    int          `json:"box_height"`
	CropKey      string       `gorm:"type:text" json:"crop_key,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// TableName returns the database table name for EmotionLog.
func (EmotionLog) TableName() string {
	return "emotion_logs"
}

// AggregatedEmotion is the stored session verdict. At most one per session.
type AggregatedEmotion struct {
	SessionID       string       `gorm:"type:text;primaryKey" json:"session_id"`
	DominantEmotion Emotion      `gorm:"type:text;not null" json:"dominant_emotion"`
	Confidence      float64      `gorm:"not null" json:"confidence"`
	Distribution    Distribution `gorm:"type:text" json:"emotion_distribution"`
	Statement       string       `gorm:"type:text" json:"statement"`
	CreatedAt       time.Time    `json:"created_at"`
}

// TableName returns the database table name for AggregatedEmotion.
func (AggregatedEmotion) TableName() string {
	return "aggregated_emotions"
}

// Result converts the stored row back into an AggregateResult.
func (a AggregatedEmotion) Result() AggregateResult {
	return AggregateResult{
		DominantEmotion: a.DominantEmotion,
		Confidence:      a.Confidence,
		Distribution:    a.Distribution,
		Statement:       a.Statement,
	}
}

// SessionTombstone records a deleted session id so it cannot be written again.
type SessionTombstone struct {
	SessionID string    `gorm:"type:text;primaryKey"`
	DeletedAt time.Time `gorm:"not null"`
}

// TableName returns the database table name for SessionTombstone.
func (SessionTombstone) TableName() string {
	return "session_tombstones"
}

// SessionRecord is everything the session log holds for one session.
type SessionRecord struct {
	Session   Session
	Faces     []EmotionLog
	Aggregate AggregatedEmotion
}

// NewSessionRecord builds the log rows for a freshly analyzed session.
func NewSessionRecord(session Session, faces []FaceDetection, cropKeys map[int]string, agg AggregateResult) *SessionRecord {
	rec := &SessionRecord{
		Session: session,
		Faces:   make([]EmotionLog, 0, len(faces)),
		Aggregate: AggregatedEmotion{
			SessionID:       session.ID,
			DominantEmotion: agg.DominantEmotion,
			Confidence:      agg.Confidence,
			Distribution:    agg.Distribution,
			Statement:       agg.Statement,
			CreatedAt:       session.CreatedAt,
		},
	}
	rec.Session.FaceCount = len(faces)
	for _, f := range faces {
		label, confidence := f.Dominant()
		rec.Faces = append(rec.Faces, EmotionLog{
			SessionID:    session.ID,
			FaceIndex:    f.Index,
			EmotionLabel: label,
			Confidence:   confidence,
			Distribution: f.Distribution,
			BoxX:         f.Box.X,
			BoxY:         f.Box.Y,
			BoxWidth:     f.Box.Width,
			BoxHeight:    f.Box.Height,
			CropKey:      cropKeys[f.Index],
			CreatedAt:    session.CreatedAt,
		})
	}
	return rec
}
