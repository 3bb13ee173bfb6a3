package verification

import "github.com/example/face-verify/internal/imagestats"

// Default thresholds.
const (
	DefaultLivenessConfidenceThreshold = 0.8
	// DefaultMatchDistanceThreshold is the cosine-distance cut-off of ArcFace embeddings.
	DefaultMatchDistanceThreshold = 0.68
)

// Method identifies which liveness backend produced a verdict.
type Method string

const (
	MethodPrimary   Method = "primary"
	MethodHeuristic Method = "heuristic"
)

// Classification is the terminal state of a full verification.
type Classification string

const (
	ClassificationPass          Classification = "pass"
	ClassificationFail          Classification = "fail"
	ClassificationSpoofDetected Classification = "spoof_detected"
)

// Thresholds are fixed when the stages are constructed.
type Thresholds struct {
	LivenessConfidence float64
	MatchDistance      float64
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LivenessConfidence: DefaultLivenessConfidenceThreshold,
		MatchDistance:      DefaultMatchDistanceThreshold,
	}
}

// LivenessDetail is the structured evidence behind a liveness verdict. Which fields are
// populated depends on the method that produced it.
type LivenessDetail struct {
	Label      *int                   `json:"label,omitempty"`
	Prediction []float64              `json:"prediction,omitempty"`
	SubModels  []string               `json:"sub_models,omitempty"`
	Statistics *imagestats.Statistics `json:"statistics,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// LivenessVerdict is the result of checking one selfie.
type LivenessVerdict struct {
	IsLive     bool            `json:"is_live"`
	Confidence float64         `json:"confidence"`
	Reason     string          `json:"reason"`
	Method     Method          `json:"method"`
	Detail     *LivenessDetail `json:"detail,omitempty"`
}

// MatchVerdict is the result of comparing a reference and a query face.
type MatchVerdict struct {
	Matched    bool    `json:"matched"`
	Confidence float64 `json:"confidence"`
	Distance   float64 `json:"distance"`
}

// neutralMatch stands in for the match block when matching never ran.
var neutralMatch = MatchVerdict{Matched: false, Confidence: 0.0, Distance: 1.0}

// Outcome is the result of a full verification. Match is nil exactly when the
// classification is spoof_detected.
type Outcome struct {
	Liveness       LivenessVerdict `json:"liveness"`
	Match          *MatchVerdict   `json:"match,omitempty"`
	Classification Classification  `json:"classification"`
	Message        string          `json:"message"`
}

// MatchOrNeutral returns the match verdict, or the neutral failure values
// (confidence 0, distance 1) when matching was skipped.
func (o *Outcome) MatchOrNeutral() MatchVerdict {
	if o.Match == nil {
		return neutralMatch
	}
	return *o.Match
}
