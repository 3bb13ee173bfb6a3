package verification

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/imageprocessor"
	"github.com/example/face-verify/internal/imagestats"
)

// Heuristic scoring constants.
const (
	heuristicBaseline      = 0.70
	heuristicLiveThreshold = 0.70
	heuristicMinScore      = 0.40
	heuristicMaxScore      = 0.85
	blurrySharpness        = 50.0
	blurryPenalty          = 0.15
	oversharpSharpness     = 800.0
	oversharpPenalty       = 0.10
	flatColorVariance      = 300.0
	flatColorPenalty       = 0.10
)

// StatisticsProvider measures the low-level statistics of a sample.
type StatisticsProvider interface {
	Measure(sample *imageprocessor.Sample) imagestats.Statistics
}

// HeuristicLivenessEngine estimates liveness from image statistics alone. It is the
// degraded mode used when no trained model could be loaded, and every verdict it
// produces says so.
type HeuristicLivenessEngine struct {
	stats  StatisticsProvider
	logger *zap.Logger
}

// NewHeuristicLivenessEngine builds the engine. A nil provider uses imagestats.
func NewHeuristicLivenessEngine(stats StatisticsProvider, logger *zap.Logger) *HeuristicLivenessEngine {
	if stats == nil {
		stats = imagestats.NewCalculator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeuristicLivenessEngine{stats: stats, logger: logger.Named("heuristic_liveness")}
}

// Method reports MethodHeuristic.
func (e *HeuristicLivenessEngine) Method() Method { return MethodHeuristic }

// Estimate scores the selfie. The threshold is ignored: the heuristic applies its own
// fixed cut-off.
func (e *HeuristicLivenessEngine) Estimate(ctx context.Context, selfie *imageprocessor.Sample, _ float64) (LivenessVerdict, error) {
	if err := ctx.Err(); err != nil {
		return LivenessVerdict{}, err
	}
	return e.Evaluate(selfie), nil
}

// Evaluate scores the selfie.
func (e *HeuristicLivenessEngine) Evaluate(selfie *imageprocessor.Sample) LivenessVerdict {
	stats := e.stats.Measure(selfie)
	score := HeuristicScore(stats)
	isLive := score >= heuristicLiveThreshold

	e.logger.Warn("liveness decided by heuristic fallback; result is unreliable",
		zap.Float64("sharpness", stats.Sharpness),
		zap.Float64("color_variance", stats.ColorVariance),
		zap.Float64("edge_density", stats.EdgeDensity),
		zap.Float64("score", score),
		zap.Bool("is_live", isLive),
	)

	return LivenessVerdict{
		IsLive:     isLive,
		Confidence: score,
		Reason: fmt.Sprintf(
			"Basic detection (UNRELIABLE - no trained liveness model available). Analysis: sharpness=%.1f, color_variance=%.1f",
			stats.Sharpness, stats.ColorVariance,
		),
		Method: MethodHeuristic,
		Detail: &LivenessDetail{Statistics: &stats},
	}
}

// HeuristicScore turns statistics into a score in [0.40, 0.85]. Edge density is
// recorded but not weighted.
func HeuristicScore(stats imagestats.Statistics) float64 {
	score := heuristicBaseline
	if stats.Sharpness < blurrySharpness {
		score -= blurryPenalty
	} else if stats.Sharpness > oversharpSharpness {
		score -= oversharpPenalty
	}
	if stats.ColorVariance < flatColorVariance {
		score -= flatColorPenalty
	}
	return clamp(score, heuristicMinScore, heuristicMaxScore)
}
