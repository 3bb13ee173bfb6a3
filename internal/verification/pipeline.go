package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/face-verify/internal/imageprocessor"
	"github.com/example/face-verify/internal/logging"
)

const messagePass = "Identity verified successfully. Face matches and liveness check passed."

// Pipeline runs liveness first and only compares faces for a live selfie.
type Pipeline struct {
	decoder  imageprocessor.Decoder
	liveness *LivenessStage
	match    *MatchStage
	logger   *zap.Logger
}

// NewPipeline wires the stages. Stages are built by the caller so their thresholds and
// capabilities are fixed for the pipeline's lifetime.
func NewPipeline(decoder imageprocessor.Decoder, liveness *LivenessStage, match *MatchStage, logger *zap.Logger) *Pipeline {
	if decoder == nil {
		decoder = imageprocessor.NewDecoder(1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{decoder: decoder, liveness: liveness, match: match, logger: logger.Named("pipeline")}
}

// LivenessMethod reports the active liveness backend.
func (p *Pipeline) LivenessMethod() Method { return p.liveness.Method() }

// RunFullVerification checks that the selfie is live and, if it is, that it matches the
// ID photo.
func (p *Pipeline) RunFullVerification(ctx context.Context, idBytes, selfieBytes []byte) (*Outcome, error) {
	idSample, selfie, err := p.decodePair(ctx, "ID image", idBytes, "selfie image", selfieBytes)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	liveness, err := p.liveness.Evaluate(ctx, selfie)
	if err != nil {
		return nil, err
	}
	p.logger.Info("liveness checked",
		zap.Bool("is_live", liveness.IsLive),
		zap.Float64("confidence", liveness.Confidence),
		zap.String("method", string(liveness.Method)),
		zap.Duration("duration", time.Since(started)),
	)

	if !liveness.IsLive {
		p.logger.Warn("spoof detected; face match skipped", zap.String("reason", liveness.Reason))
		return &Outcome{
			Liveness:       liveness,
			Classification: ClassificationSpoofDetected,
			Message:        "Spoof detected. " + liveness.Reason,
		}, nil
	}

	started = time.Now()
	match, err := p.match.Evaluate(ctx, idSample, selfie)
	if err != nil {
		return nil, err
	}
	p.logger.Info("faces compared",
		zap.Bool("matched", match.Matched),
		zap.Float64("confidence", match.Confidence),
		zap.Float64("distance", match.Distance),
		zap.Duration("duration", time.Since(started)),
	)

	outcome := &Outcome{Liveness: liveness, Match: &match}
	if match.Matched {
		outcome.Classification = ClassificationPass
		outcome.Message = messagePass
	} else {
		outcome.Classification = ClassificationFail
		outcome.Message = fmt.Sprintf("Face verification failed. Faces do not match (confidence: %s).", logging.Percent(match.Confidence))
	}
	p.logger.Info("verification classified", zap.String("classification", string(outcome.Classification)))
	return outcome, nil
}

// RunLivenessOnly checks a single selfie.
func (p *Pipeline) RunLivenessOnly(ctx context.Context, selfieBytes []byte) (LivenessVerdict, error) {
	selfie, err := p.decode("image", selfieBytes)
	if err != nil {
		return LivenessVerdict{}, err
	}
	return p.liveness.Evaluate(ctx, selfie)
}

// RunMatchOnly compares two faces without a liveness check.
func (p *Pipeline) RunMatchOnly(ctx context.Context, image1Bytes, image2Bytes []byte) (MatchVerdict, error) {
	first, second, err := p.decodePair(ctx, "image1", image1Bytes, "image2", image2Bytes)
	if err != nil {
		return MatchVerdict{}, err
	}
	return p.match.Evaluate(ctx, first, second)
}

// decodePair decodes both images concurrently. Either failure stops the call before any
// inference runs; when both fail the first image's error is reported.
func (p *Pipeline) decodePair(ctx context.Context, firstLabel string, first []byte, secondLabel string, second []byte) (*imageprocessor.Sample, *imageprocessor.Sample, error) {
	var (
		a, b       *imageprocessor.Sample
		errA, errB error
	)
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		a, errA = p.decode(firstLabel, first)
		return nil
	})
	g.Go(func() error {
		b, errB = p.decode(secondLabel, second)
		return nil
	})
	_ = g.Wait()
	if errA != nil {
		return nil, nil, errA
	}
	if errB != nil {
		return nil, nil, errB
	}
	return a, b, nil
}

func (p *Pipeline) decode(label string, data []byte) (*imageprocessor.Sample, error) {
	sample, err := p.decoder.Decode(data)
	if err == nil {
		return sample, nil
	}
	switch {
	case errors.Is(err, imageprocessor.ErrEmptyImage):
		return nil, NewInputError(label+" is empty", err)
	case errors.Is(err, imageprocessor.ErrNotAnImage):
		return nil, NewInputError(label+" is not an image", err)
	case errors.Is(err, imageprocessor.ErrImageTooSmall):
		return nil, NewInputError(label+" is too small", err)
	case errors.Is(err, imageprocessor.ErrImageTooLarge):
		return nil, NewInputError(label+" is too large", err)
	default:
		return nil, NewInputError(label+" could not be decoded", err)
	}
}
