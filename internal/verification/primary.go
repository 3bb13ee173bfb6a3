package verification

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/imageprocessor"
	"github.com/example/face-verify/internal/logging"
)

// PrimaryEstimator runs a trained anti-spoofing capability. With several sub-models the
// per-class probabilities are averaged before the decision.
type PrimaryEstimator struct {
	capability PrimaryLivenessCapability
	logger     *zap.Logger
}

// NewPrimaryEstimator wraps a constructed capability.
func NewPrimaryEstimator(capability PrimaryLivenessCapability, logger *zap.Logger) *PrimaryEstimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrimaryEstimator{capability: capability, logger: logger.Named("primary_liveness")}
}

// Method reports MethodPrimary.
func (e *PrimaryEstimator) Method() Method { return MethodPrimary }

// Estimate detects the face once, runs every sub-model on its own crop of that face,
// and decides on the averaged prediction.
func (e *PrimaryEstimator) Estimate(ctx context.Context, selfie *imageprocessor.Sample, threshold float64) (LivenessVerdict, error) {
	models := e.capability.SubModels()
	if len(models) == 0 {
		return LivenessVerdict{}, NewLivenessDetectionError("no liveness sub-model available", nil)
	}

	box, err := e.capability.DetectFaceRegion(ctx, selfie)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return LivenessVerdict{}, ctxErr
		}
		return LivenessVerdict{}, NewLivenessDetectionError("face region detection failed", err)
	}

	fused, err := foldPredictions(models, func(m SubModel) (ClassProbabilities, error) {
		crop, err := m.Crop(selfie, box)
		if err != nil {
			return ClassProbabilities{}, NewLivenessDetectionError("crop for "+m.Name, err)
		}
		probs, err := e.capability.Predict(ctx, crop, m)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ClassProbabilities{}, ctxErr
			}
			return ClassProbabilities{}, NewLivenessDetectionError("prediction by "+m.Name, err)
		}
		return probs, nil
	})
	if err != nil {
		return LivenessVerdict{}, err
	}

	label, confidence := argmax(fused)
	isLive := label == RealClassIndex && confidence >= threshold

	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.Name
	}

	e.logger.Debug("liveness prediction",
		zap.Int("label", label),
		zap.Float64("confidence", confidence),
		zap.Float64s("prediction", fused[:]),
		zap.Strings("sub_models", names),
		zap.Int("face_x", box.X),
		zap.Int("face_y", box.Y),
		zap.Int("face_w", box.Width),
		zap.Int("face_h", box.Height),
	)

	return LivenessVerdict{
		IsLive:     isLive,
		Confidence: confidence,
		Reason:     primaryReason(label, confidence, threshold),
		Method:     MethodPrimary,
		Detail: &LivenessDetail{
			Label:      &label,
			Prediction: append([]float64(nil), fused[:]...),
			SubModels:  names,
		},
	}, nil
}

func primaryReason(label int, confidence, threshold float64) string {
	switch {
	case label == RealClassIndex && confidence < threshold:
		return fmt.Sprintf("Uncertain result: label indicates real face but confidence (%s) below threshold (%s)",
			logging.Percent(confidence), logging.Percent(threshold))
	case label != RealClassIndex:
		return fmt.Sprintf("Detected as spoof (label=%d, score=%s)", label, logging.Percent(confidence))
	default:
		return fmt.Sprintf("Detected as real face (confidence=%s)", logging.Percent(confidence))
	}
}

// foldPredictions sums the prediction of each sub-model element-wise and divides by the
// number of sub-models.
func foldPredictions(models []SubModel, predict func(SubModel) (ClassProbabilities, error)) (ClassProbabilities, error) {
	var sum ClassProbabilities
	for _, m := range models {
		probs, err := predict(m)
		if err != nil {
			return ClassProbabilities{}, err
		}
		for i := range sum {
			sum[i] += probs[i]
		}
	}
	n := float64(len(models))
	for i := range sum {
		sum[i] /= n
	}
	return sum, nil
}

// argmax returns the first index holding the maximum and its value.
func argmax(p ClassProbabilities) (int, float64) {
	best := 0
	for i := 1; i < len(p); i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	return best, p[best]
}
