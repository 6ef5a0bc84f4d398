// Package emotion turns per-face emotion readings into a session verdict.
package emotion

import (
	"fmt"
	"sort"

	"github.com/timmy/emosense/internal/domain"
)

// UnableToAnalyze is the statement of the empty-input sentinel.
const UnableToAnalyze = "Unable to analyze emotion"

const fallbackTemplate = "Your emotional state is unclear."

var templates = map[domain.Emotion]string{
	domain.EmotionHappy:    "😊 You look happy and cheerful!",
	domain.EmotionSad:      "😔 You seem to be feeling sad.",
	domain.EmotionAngry:    "😠 You appear to be feeling angry.",
	domain.EmotionFear:     "😟 You seem fearful or anxious.",
	domain.EmotionSurprise: "😮 You look surprised!",
	domain.EmotionDisgust:  "😕 You seem disgusted.",
	domain.EmotionNeutral:  "😐 Your expression is neutral.",
}

// Statement renders the human-readable verdict for a label and confidence.
func Statement(label domain.Emotion, confidence float64) string {
	base, ok := templates[label]
	if !ok {
		base = fallbackTemplate
	}
	return fmt.Sprintf("%s (Confidence: %d%%)", base, int(confidence*100))
}

// Sentinel is the result for an empty detection list. It is a failure
// marker, not a measured neutral reading.
func Sentinel() domain.AggregateResult {
	return domain.AggregateResult{
		DominantEmotion: domain.EmotionNeutral,
		Confidence:      0,
		Distribution:    domain.Distribution{},
		Statement:       UnableToAnalyze,
	}
}

// Aggregate combines per-face readings into one result.
//
// A single detection passes through unchanged. For several detections each
// label's probability is averaged over all detections, a missing label
// counting as 0, and the arg-max of the mean wins with ties going to the
// label listed first in domain.Emotions. The result does not depend on the
// order of detections.
func Aggregate(detections []domain.FaceDetection) domain.AggregateResult {
	switch len(detections) {
	case 0:
		return Sentinel()
	case 1:
		dist := detections[0].Distribution.Clone()
		label, confidence := dist.Dominant()
		return domain.AggregateResult{
			DominantEmotion: label,
			Confidence:      confidence,
			Distribution:    dist,
			Statement:       Statement(label, confidence),
		}
	}

	samples := make(map[domain.Emotion][]float64)
	for _, d := range detections {
		for label, p := range d.Distribution {
			samples[label] = append(samples[label], p)
		}
	}

	n := float64(len(detections))
	mean := make(domain.Distribution, len(samples))
	for label, values := range samples {
		// Sum in sorted order so permutations of the input agree bit for bit.
		sort.Float64s(values)
		var sum float64
		for _, v := range values {
			sum += v
		}
		mean[label] = sum / n
	}

	label, confidence := mean.Dominant()
	return domain.AggregateResult{
		DominantEmotion: label,
		Confidence:      confidence,
		Distribution:    mean,
		Statement:       Statement(label, confidence),
	}
}
