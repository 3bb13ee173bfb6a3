package verification

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/imageprocessor"
)

// MatchStage compares a reference face with a query face.
type MatchStage struct {
	capability FaceEmbeddingCapability
	threshold  float64
	logger     *zap.Logger
}

// NewMatchStage builds the stage. A non-positive threshold uses the default.
func NewMatchStage(capability FaceEmbeddingCapability, threshold float64, logger *zap.Logger) *MatchStage {
	if threshold <= 0 {
		threshold = DefaultMatchDistanceThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MatchStage{capability: capability, threshold: threshold, logger: logger.Named("match_stage")}
}

// Threshold returns the distance threshold.
func (s *MatchStage) Threshold() float64 { return s.threshold }

// Evaluate makes a single attempt: the distance is deterministic for fixed weights and
// inputs. Missing faces propagate as face-not-detected errors; any other capability
// failure, or a distance that is not a finite non-negative number, becomes a match
// engine error.
func (s *MatchStage) Evaluate(ctx context.Context, reference, query *imageprocessor.Sample) (MatchVerdict, error) {
	result, err := s.capability.Verify(ctx, reference, query)
	if err != nil {
		switch {
		case errors.Is(err, ErrFaceNotDetected):
			return MatchVerdict{}, err
		case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return MatchVerdict{}, err
		default:
			return MatchVerdict{}, NewMatchEngineError(err)
		}
	}

	if d := result.Distance; math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
		return MatchVerdict{}, NewMatchEngineError(fmt.Errorf("invalid distance %v", d))
	}

	verdict := MatchVerdict{
		Matched:    result.Distance < s.threshold,
		Confidence: ScoreMatch(result.Distance, s.threshold),
		Distance:   result.Distance,
	}
	s.logger.Debug("face match",
		zap.Float64("distance", result.Distance),
		zap.Float64("threshold", s.threshold),
		zap.Float64("capability_threshold", result.Threshold),
		zap.Bool("matched", verdict.Matched),
		zap.Float64("confidence", verdict.Confidence),
	)
	return verdict, nil
}
