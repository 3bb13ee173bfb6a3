package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/verification"
)

var (
	// ErrTimeout is returned when the pipeline does not finish within the request timeout.
	ErrTimeout = errors.New("verification timed out")
	// ErrResultNotFound is returned for unknown, expired or foreign request IDs.
	ErrResultNotFound = errors.New("verification result not found")
)

// Pipeline is the verification core consumed by the use case.
type Pipeline interface {
	RunFullVerification(ctx context.Context, idBytes, selfieBytes []byte) (*verification.Outcome, error)
	RunLivenessOnly(ctx context.Context, selfieBytes []byte) (verification.LivenessVerdict, error)
	RunMatchOnly(ctx context.Context, image1Bytes, image2Bytes []byte) (verification.MatchVerdict, error)
	LivenessMethod() verification.Method
}

// Options tune the host-side limits around the pipeline.
type Options struct {
	// Timeout bounds a single pipeline call. The pipeline itself never times out.
	Timeout time.Duration
	// MaxConcurrent bounds the number of pipeline calls in flight.
	MaxConcurrent int64
	// ResultTTL is how long full verification results stay retrievable.
	ResultTTL time.Duration
}

// VerificationRecord is a full verification as kept in the result cache.
type VerificationRecord struct {
	RequestID      string                `json:"request_id"`
	ApplicantID    string                `json:"applicant_id,omitempty"`
	Outcome        *verification.Outcome `json:"outcome"`
	LivenessMethod verification.Method   `json:"liveness_method"`
	CreatedAt      time.Time             `json:"created_at"`
}

// VerificationUseCase runs the pipeline for transport handlers: it assigns request IDs,
// bounds concurrency, imposes the timeout and keeps recent results.
type VerificationUseCase struct {
	pipeline       Pipeline
	cache          Cache
	logger         *zap.Logger
	slots          *semaphore.Weighted
	timeout        time.Duration
	resultTTL      time.Duration
	metrics        *metrics
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewVerificationUseCase constructs a new use case instance. A nil cache disables
// result retrieval.
func NewVerificationUseCase(pipeline Pipeline, cache Cache, opts Options, logger *zap.Logger) *VerificationUseCase {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 5 * time.Minute
	}
	return &VerificationUseCase{
		pipeline:       pipeline,
		cache:          cache,
		logger:         logger.Named("verification_usecase"),
		slots:          semaphore.NewWeighted(opts.MaxConcurrent),
		timeout:        opts.Timeout,
		resultTTL:      opts.ResultTTL,
		metrics:        &metrics{},
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// LivenessMethod reports the liveness backend resolved at startup.
func (uc *VerificationUseCase) LivenessMethod() verification.Method {
	return uc.pipeline.LivenessMethod()
}

// VerifyIdentity runs the full liveness-then-match check and caches the result.
func (uc *VerificationUseCase) VerifyIdentity(ctx context.Context, applicantID string, idBytes, selfieBytes []byte) (*VerificationRecord, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify_identity", requestID)
	started := time.Now()

	outcome, err := runBounded(ctx, uc, requestID, "usecase.verify_identity", func(runCtx context.Context) (*verification.Outcome, error) {
		return uc.pipeline.RunFullVerification(runCtx, idBytes, selfieBytes)
	})
	uc.metrics.observe(outcome, err, errors.Is(err, ErrTimeout), time.Since(started))
	if err != nil {
		logFailure(opLogger, err)
		return nil, err
	}

	record := &VerificationRecord{
		RequestID:      requestID,
		ApplicantID:    applicantID,
		Outcome:        outcome,
		LivenessMethod: outcome.Liveness.Method,
		CreatedAt:      time.Now().UTC(),
	}
	opLogger.Info("verification completed",
		zap.String("classification", string(outcome.Classification)),
		zap.Duration("duration", time.Since(started)),
	)

	uc.storeResult(ctx, record, opLogger)
	return record, nil
}

// CheckLiveness runs the liveness stage alone.
func (uc *VerificationUseCase) CheckLiveness(ctx context.Context, selfieBytes []byte) (string, verification.LivenessVerdict, error) {
	requestID := uuid.NewString()
	verdict, err := runBounded(ctx, uc, requestID, "usecase.check_liveness", func(runCtx context.Context) (verification.LivenessVerdict, error) {
		return uc.pipeline.RunLivenessOnly(runCtx, selfieBytes)
	})
	if err != nil {
		logFailure(logging.WithOperation(uc.logger, "usecase.check_liveness", requestID), err)
		return requestID, verification.LivenessVerdict{}, err
	}
	return requestID, verdict, nil
}

// CompareFaces runs the match stage alone.
func (uc *VerificationUseCase) CompareFaces(ctx context.Context, image1Bytes, image2Bytes []byte) (string, verification.MatchVerdict, error) {
	requestID := uuid.NewString()
	verdict, err := runBounded(ctx, uc, requestID, "usecase.compare_faces", func(runCtx context.Context) (verification.MatchVerdict, error) {
		return uc.pipeline.RunMatchOnly(runCtx, image1Bytes, image2Bytes)
	})
	if err != nil {
		logFailure(logging.WithOperation(uc.logger, "usecase.compare_faces", requestID), err)
		return requestID, verification.MatchVerdict{}, err
	}
	return requestID, verdict, nil
}

// GetResult retrieves a cached full verification. Records belonging to another
// applicant are reported as not found.
func (uc *VerificationUseCase) GetResult(ctx context.Context, applicantID, requestID string) (*VerificationRecord, error) {
	if uc.cache == nil {
		return nil, ErrResultNotFound
	}
	cached, err := uc.withCacheGet(ctx, requestID, "cache.get.result", resultKey(requestID))
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}

	var record VerificationRecord
	if err := json.Unmarshal([]byte(cached), &record); err != nil {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached result", zap.Error(err))
		return nil, ErrResultNotFound
	}
	if record.ApplicantID != "" && record.ApplicantID != applicantID {
		return nil, ErrResultNotFound
	}
	return &record, nil
}

type boundedResult[T any] struct {
	value T
	err   error
}

// runBounded executes fn on a worker goroutine under the concurrency bound and the
// request timeout. On timeout the caller is released while fn keeps its slot until it
// returns.
func runBounded[T any](ctx context.Context, uc *VerificationUseCase, requestID, operation string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := uc.slots.Acquire(ctx, 1); err != nil {
		return zero, logging.NewOperationError(operation+".acquire", requestID, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, uc.timeout)
	defer cancel()

	done := make(chan boundedResult[T], 1)
	go func() {
		defer uc.slots.Release(1)
		value, err := fn(runCtx)
		done <- boundedResult[T]{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, logging.NewOperationError(operation, requestID, fmt.Errorf("%w after %s", ErrTimeout, uc.timeout))
		}
		return zero, logging.NewOperationError(operation, requestID, ctx.Err())
	}
}

func (uc *VerificationUseCase) storeResult(ctx context.Context, record *VerificationRecord, opLogger *zap.Logger) {
	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(record)
	if err != nil {
		opLogger.Error("failed to serialize verification result", zap.Error(err))
		return
	}
	if err := uc.withCacheRetry(ctx, record.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultKey(record.RequestID), string(serialized), uc.resultTTL)
	}); err != nil {
		// The verdict stands; only later retrieval is lost.
		opLogger.Error("failed to cache verification result", zap.Error(err))
	}
}

func resultKey(requestID string) string {
	return fmt.Sprintf("verification:%s", requestID)
}

func logFailure(logger *zap.Logger, err error) {
	switch verification.KindOf(err) {
	case verification.KindInput, verification.KindFaceNotDetected:
		logger.Info("verification rejected input", zap.Error(err))
	default:
		logger.Error("verification failed", zap.Error(err))
	}
}

func (uc *VerificationUseCase) withCacheRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("cache operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, ErrCacheMiss) {
				opLogger.Error("cache operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient cache error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *VerificationUseCase) withCacheGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withCacheRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
