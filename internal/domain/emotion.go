package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strings"
)

// Emotion is one label of the fixed emotion set produced by the classifier.
type Emotion string

const (
	EmotionAngry    Emotion = "angry"
	EmotionDisgust  Emotion = "disgust"
	EmotionFear     Emotion = "fear"
	EmotionHappy    Emotion = "happy"
	EmotionSad      Emotion = "sad"
	EmotionSurprise Emotion = "surprise"
	EmotionNeutral  Emotion = "neutral"
)

// Emotions lists every label in its canonical order. Aggregation tie-breaks
// resolve to the label that appears first here.
var Emotions = []Emotion{
	EmotionAngry,
	EmotionDisgust,
	EmotionFear,
	EmotionHappy,
	EmotionSad,
	EmotionSurprise,
	EmotionNeutral,
}

// emotionAliases maps the alternative spellings some classifiers emit.
var emotionAliases = map[string]Emotion{
	"anger":     EmotionAngry,
	"disgusted": EmotionDisgust,
	"fearful":   EmotionFear,
	"happiness": EmotionHappy,
	"sadness":   EmotionSad,
	"surprised": EmotionSurprise,
}

// ParseEmotion resolves a classifier label to the canonical Emotion.
// Returns:
//   - Emotion: canonical label.
//   - bool: false when the label is not part of the set.
func ParseEmotion(label string) (Emotion, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	for _, e := range Emotions {
		if string(e) == label {
			return e, true
		}
	}
	if e, ok := emotionAliases[label]; ok {
		return e, true
	}
	return "", false
}

// Rank returns the position of e in the canonical order, or -1.
func (e Emotion) Rank() int {
	for i, candidate := range Emotions {
		if candidate == e {
			return i
		}
	}
	return -1
}

// Distribution maps emotion labels to probabilities.
type Distribution map[Emotion]float64

// ParseDistribution converts raw classifier output into a Distribution.
// Unknown labels are returned separately so the caller can log them.
func ParseDistribution(raw map[string]float64) (Distribution, []string) {
	dist := make(Distribution, len(raw))
	var unknown []string
	for label, p := range raw {
		e, ok := ParseEmotion(label)
		if !ok {
			unknown = append(unknown, label)
			continue
		}
		dist[e] += p
	}
	sort.Strings(unknown)
	return dist, unknown
}

// Normalized clamps every probability into [0,1] and rescales the result so
// it sums to 1. A distribution with no positive mass comes back empty.
func (d Distribution) Normalized() Distribution {
	out := make(Distribution, len(d))
	var sum float64
	for e, p := range d {
		if math.IsNaN(p) || p <= 0 {
			continue
		}
		if p > 1 {
			p = 1
		}
		out[e] = p
		sum += p
	}
	if sum == 0 {
		return Distribution{}
	}
	for e, p := range out {
		out[e] = p / sum
	}
	return out
}

// Dominant returns the arg-max label, breaking ties by canonical order.
// An empty distribution yields EmotionNeutral with probability 0.
func (d Distribution) Dominant() (Emotion, float64) {
	best := EmotionNeutral
	bestP := -1.0
	for _, e := range Emotions {
		p, ok := d[e]
		if !ok {
			continue
		}
		if p > bestP {
			best, bestP = e, p
		}
	}
	if bestP < 0 {
		return EmotionNeutral, 0
	}
	return best, bestP
}

// Clone returns a copy of d.
func (d Distribution) Clone() Distribution {
	out := make(Distribution, len(d))
	for e, p := range d {
		out[e] = p
	}
	return out
}

// Value implements the driver.Valuer interface for database serialization.
func (d Distribution) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (d *Distribution) Scan(value interface{}) error {
	if value == nil {
		*d = Distribution{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan Distribution")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, d)
}
