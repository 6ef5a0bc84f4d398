package emotion

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/timmy/emosense/internal/domain"
)

func face(dist domain.Distribution) domain.FaceDetection {
	return domain.FaceDetection{Distribution: dist}
}

func TestAggregate_Empty(t *testing.T) {
	got := Aggregate(nil)
	assert.Equal(t, domain.EmotionNeutral, got.DominantEmotion)
	assert.Zero(t, got.Confidence)
	assert.Empty(t, got.Distribution)
	assert.Equal(t, UnableToAnalyze, got.Statement)
	assert.True(t, got.IsSentinel())

	assert.Equal(t, got, Aggregate([]domain.FaceDetection{}))
}

func TestAggregate_SingleFacePassesThrough(t *testing.T) {
	dist := domain.Distribution{domain.EmotionHappy: 0.9, domain.EmotionNeutral: 0.1}
	got := Aggregate([]domain.FaceDetection{face(dist)})

	assert.Equal(t, domain.EmotionHappy, got.DominantEmotion)
	assert.Equal(t, 0.9, got.Confidence)
	assert.Equal(t, dist, got.Distribution)
	assert.Equal(t, "😊 You look happy and cheerful! (Confidence: 90%)", got.Statement)
	assert.False(t, got.IsSentinel())
}

func TestAggregate_TwoFacesTieBreaksByLabelOrder(t *testing.T) {
	got := Aggregate([]domain.FaceDetection{
		face(domain.Distribution{domain.EmotionHappy: 0.8, domain.EmotionSad: 0.2}),
		face(domain.Distribution{domain.EmotionHappy: 0.2, domain.EmotionSad: 0.8}),
	})

	assert.InDelta(t, 0.5, got.Distribution[domain.EmotionHappy], 1e-9)
	assert.InDelta(t, 0.5, got.Distribution[domain.EmotionSad], 1e-9)
	assert.Equal(t, domain.EmotionHappy, got.DominantEmotion)
	assert.InDelta(t, 0.5, got.Confidence, 1e-9)
}

func TestAggregate_MissingLabelCountsAsZero(t *testing.T) {
	got := Aggregate([]domain.FaceDetection{
		face(domain.Distribution{domain.EmotionAngry: 0.9}),
		face(domain.Distribution{domain.EmotionSad: 0.6}),
		face(domain.Distribution{domain.EmotionSad: 0.6}),
	})

	assert.InDelta(t, 0.3, got.Distribution[domain.EmotionAngry], 1e-9)
	assert.InDelta(t, 0.4, got.Distribution[domain.EmotionSad], 1e-9)
	assert.Equal(t, domain.EmotionSad, got.DominantEmotion)
	assert.InDelta(t, 0.4, got.Confidence, 1e-9)
}

func TestAggregate_DominantIsArgMaxOfMean(t *testing.T) {
	inputs := [][]domain.FaceDetection{
		{
			face(domain.Distribution{domain.EmotionHappy: 0.6, domain.EmotionSurprise: 0.4}),
			face(domain.Distribution{domain.EmotionSurprise: 0.9, domain.EmotionHappy: 0.1}),
		},
		{
			face(domain.Distribution{domain.EmotionFear: 0.3, domain.EmotionNeutral: 0.7}),
			face(domain.Distribution{domain.EmotionFear: 0.5, domain.EmotionNeutral: 0.5}),
			face(domain.Distribution{domain.EmotionDisgust: 1}),
		},
	}
	for _, detections := range inputs {
		got := Aggregate(detections)
		for label, p := range got.Distribution {
			assert.LessOrEqual(t, p, got.Confidence, "label %s beats dominant", label)
		}
		assert.Equal(t, got.Distribution[got.DominantEmotion], got.Confidence)
	}
}

func TestAggregate_OrderIndependent(t *testing.T) {
	a := face(domain.Distribution{domain.EmotionHappy: 0.1, domain.EmotionSad: 0.7, domain.EmotionAngry: 0.2})
	b := face(domain.Distribution{domain.EmotionHappy: 0.3, domain.EmotionSad: 0.3, domain.EmotionFear: 0.4})
	c := face(domain.Distribution{domain.EmotionHappy: 0.7, domain.EmotionNeutral: 0.3})

	want := Aggregate([]domain.FaceDetection{a, b, c})
	perms := [][]domain.FaceDetection{
		{a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a},
	}
	for _, p := range perms {
		assert.Equal(t, want, Aggregate(p))
	}
}

func TestStatement(t *testing.T) {
	assert.Equal(t, "😐 Your expression is neutral. (Confidence: 55%)", Statement(domain.EmotionNeutral, 0.55))
	assert.Equal(t, "Your emotional state is unclear. (Confidence: 10%)", Statement(domain.Emotion("contempt"), 0.1))
}
