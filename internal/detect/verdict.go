package detect

import "time"

// Label is the human-readable bucketing of a classifier probability.
type Label string

const (
	LabelLikelyReal   Label = "LikelyReal"
	LabelPossiblyReal Label = "PossiblyReal"
	LabelUncertain    Label = "Uncertain"
	LabelPossiblyFake Label = "PossiblyFake"
	LabelLikelyFake   Label = "LikelyFake"
)

// BucketLabel maps a probability to its label. Thresholds are monotonic and
// non-overlapping with inclusive lower bounds.
func BucketLabel(p float64) Label {
	switch {
	case p < 0.25:
		return LabelLikelyReal
	case p < 0.45:
		return LabelPossiblyReal
	case p < 0.55:
		return LabelUncertain
	case p < 0.75:
		return LabelPossiblyFake
	default:
		return LabelLikelyFake
	}
}

// Segment is one fixed-duration slice of an audio stream handed to the
// classifier. Samples are normalized to [-1, 1]. Segments are not retained
// after classification — only their verdicts are.
type Segment struct {
	SessionID     string
	Seq           uint64
	StartOffsetMs int64
	DurationMs    int64
	SampleRate    int
	Samples       []float32
}

// Verdict is the classifier's output for one segment. Append-only: never
// mutated after creation.
type Verdict struct {
	SessionID   string    `json:"session_id"`
	Seq         uint64    `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	Probability float64   `json:"probability"`
	Label       Label     `json:"label"`
}
