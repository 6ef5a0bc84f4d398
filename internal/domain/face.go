package domain

import (
	"fmt"
	"math"
	"time"
)

// Embedding is a face identity vector produced by the external model.
type Embedding []float32

// IsZero reports whether the vector is empty or has no non-zero component.
func (e Embedding) IsZero() bool {
	for _, v := range e {
		if v != 0 {
			return false
		}
	}
	return true
}

// Validate checks that the embedding has the expected dimensionality and
// carries only finite values.
func (e Embedding) Validate(dim int) error {
	if len(e) != dim {
		return fmt.Errorf("%w: expected %d dimensions, got %d", ErrInvalidEmbedding, dim, len(e))
	}
	for i, v := range e {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite value at index %d", ErrInvalidEmbedding, i)
		}
	}
	return nil
}

// Clone returns a copy of e.
func (e Embedding) Clone() Embedding {
	out := make(Embedding, len(e))
	copy(out, e)
	return out
}

// CosineSimilarity returns the cosine of the angle between a and b.
// Vectors of different length or with zero norm yield 0.
func CosineSimilarity(a, b Embedding) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// BoundingBox is the face region reported by the detector. The core never
// interprets it; it is carried for the crop step and for responses.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FaceDetection is one face found in a session image.
type FaceDetection struct {
	Index        int          `json:"face_index"`
	Box          BoundingBox  `json:"box"`
	Embedding    Embedding    `json:"-"`
	Distribution Distribution `json:"emotion_distribution"`
	Crop         []byte       `json:"-"`
}

// Dominant returns the arg-max label of the detection's distribution and
// its probability, which is the detection's confidence.
func (f FaceDetection) Dominant() (Emotion, float64) {
	return f.Distribution.Dominant()
}

// AggregateResult is the session-level emotion verdict.
type AggregateResult struct {
	DominantEmotion Emotion      `json:"dominant_emotion"`
	Confidence      float64      `json:"confidence"`
	Distribution    Distribution `json:"emotion_distribution"`
	Statement       string       `json:"statement"`
}

// IsSentinel reports whether the result is the "nothing to analyze" value
// rather than a measured reading.
func (r AggregateResult) IsSentinel() bool {
	return r.DominantEmotion == EmotionNeutral && r.Confidence == 0 && len(r.Distribution) == 0
}

// VectorMetadata is denormalized onto each vector index entry.
type VectorMetadata struct {
	SessionID string
	UserName  string
	CreatedAt time.Time
}

// IndexMatch is a raw vector index hit.
type IndexMatch struct {
	SessionID  string
	Similarity float32
	Metadata   VectorMetadata
}

// Match is a similarity match as returned to callers.
type Match struct {
	SessionID  string    `json:"session_id"`
	Similarity float32   `json:"similarity"`
	UserName   string    `json:"user_name"`
	Timestamp  time.Time `json:"timestamp"`
}
