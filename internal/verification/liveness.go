package verification

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/imageprocessor"
)

// failOpenConfidence is reported when a detection error is converted into a live verdict.
const failOpenConfidence = 0.5

// FailurePolicy decides what the liveness stage does when its estimator fails.
type FailurePolicy string

const (
	// FailOpen treats the selfie as live with neutral confidence and records the error.
	// It is the default and is a security-relevant setting.
	FailOpen FailurePolicy = "open"
	// FailClosed propagates the error so the request cannot complete.
	FailClosed FailurePolicy = "closed"
)

// ParseFailurePolicy accepts "open" and "closed". Empty means open.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	default:
		return "", fmt.Errorf("unknown liveness failure policy %q", s)
	}
}

// LivenessEstimator is one way of deciding liveness. Implementations hold no per-call state.
type LivenessEstimator interface {
	Method() Method
	Estimate(ctx context.Context, selfie *imageprocessor.Sample, threshold float64) (LivenessVerdict, error)
}

var (
	_ LivenessEstimator = (*PrimaryEstimator)(nil)
	_ LivenessEstimator = (*HeuristicLivenessEngine)(nil)
)

// PrimaryBuilder constructs the primary liveness capability.
type PrimaryBuilder func() (PrimaryLivenessCapability, error)

// ResolveEstimator picks the liveness backend once for the life of the process. build
// is called at most once; if it is nil or fails, the heuristic engine is used from then on.
func ResolveEstimator(build PrimaryBuilder, heuristic *HeuristicLivenessEngine, logger *zap.Logger) LivenessEstimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if heuristic == nil {
		heuristic = NewHeuristicLivenessEngine(nil, logger)
	}
	if build == nil {
		logger.Warn("no primary liveness capability configured; using heuristic fallback")
		return heuristic
	}

	capability, err := build()
	if err == nil && capability == nil {
		err = errors.New("builder returned no capability")
	}
	if err != nil {
		initErr := NewCapabilityInitError("primary liveness capability", err)
		logger.Error("primary liveness capability unavailable; using heuristic fallback", zap.Error(initErr))
		return heuristic
	}

	names := make([]string, 0, len(capability.SubModels()))
	for _, m := range capability.SubModels() {
		names = append(names, m.Name)
	}
	logger.Info("primary liveness capability ready", zap.Strings("sub_models", names))
	return NewPrimaryEstimator(capability, logger)
}

// LivenessStage applies the configured threshold and failure policy around the resolved
// estimator.
type LivenessStage struct {
	estimator LivenessEstimator
	threshold float64
	policy    FailurePolicy
	logger    *zap.Logger
}

// NewLivenessStage builds the stage. A non-positive threshold uses the default.
func NewLivenessStage(estimator LivenessEstimator, threshold float64, policy FailurePolicy, logger *zap.Logger) *LivenessStage {
	if threshold <= 0 {
		threshold = DefaultLivenessConfidenceThreshold
	}
	if policy == "" {
		policy = FailOpen
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LivenessStage{
		estimator: estimator,
		threshold: threshold,
		policy:    policy,
		logger:    logger.Named("liveness_stage"),
	}
}

// Method reports which backend is active.
func (s *LivenessStage) Method() Method { return s.estimator.Method() }

// Threshold returns the confidence threshold applied by the primary backend.
func (s *LivenessStage) Threshold() float64 { return s.threshold }

// Policy returns the failure policy.
func (s *LivenessStage) Policy() FailurePolicy { return s.policy }

// Evaluate decides whether the selfie shows a live person.
func (s *LivenessStage) Evaluate(ctx context.Context, selfie *imageprocessor.Sample) (LivenessVerdict, error) {
	verdict, err := s.estimator.Estimate(ctx, selfie, s.threshold)
	if err == nil {
		return verdict, nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return LivenessVerdict{}, err
	}
	if KindOf(err) == KindPipeline {
		err = NewLivenessDetectionError("liveness estimation failed", err)
	}

	if s.policy == FailClosed {
		s.logger.Error("liveness detection failed", zap.String("policy", string(s.policy)), zap.Error(err))
		return LivenessVerdict{}, err
	}

	s.logger.Error("liveness detection failed; failing open",
		zap.String("policy", string(s.policy)),
		zap.Float64("confidence", failOpenConfidence),
		zap.Error(err),
	)
	return LivenessVerdict{
		IsLive:     true,
		Confidence: failOpenConfidence,
		Reason:     "Detection error: " + err.Error(),
		Method:     s.estimator.Method(),
		Detail:     &LivenessDetail{Error: err.Error()},
	}, nil
}
