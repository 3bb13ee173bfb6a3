package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/verification"
)

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
	values    map[string]string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	if s.values == nil {
		s.values = map[string]string{}
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	} else if v, ok := s.values[key]; ok {
		value = v
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type stubPipeline struct {
	outcome *verification.Outcome
	err     error
	block   chan struct{}
	calls   int
}

func (s *stubPipeline) RunFullVerification(ctx context.Context, idBytes, selfieBytes []byte) (*verification.Outcome, error) {
	s.calls++
	if s.block != nil {
		<-s.block
	}
	return s.outcome, s.err
}

func (s *stubPipeline) RunLivenessOnly(ctx context.Context, selfieBytes []byte) (verification.LivenessVerdict, error) {
	if s.err != nil {
		return verification.LivenessVerdict{}, s.err
	}
	return s.outcome.Liveness, nil
}

func (s *stubPipeline) RunMatchOnly(ctx context.Context, image1Bytes, image2Bytes []byte) (verification.MatchVerdict, error) {
	if s.err != nil {
		return verification.MatchVerdict{}, s.err
	}
	return s.outcome.MatchOrNeutral(), nil
}

func (s *stubPipeline) LivenessMethod() verification.Method { return verification.MethodPrimary }

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func passOutcome() *verification.Outcome {
	return &verification.Outcome{
		Liveness:       verification.LivenessVerdict{IsLive: true, Confidence: 0.95, Method: verification.MethodPrimary},
		Match:          &verification.MatchVerdict{Matched: true, Confidence: 0.93, Distance: 0.1},
		Classification: verification.ClassificationPass,
		Message:        "Identity verified successfully. Face matches and liveness check passed.",
	}
}

func TestVerifyIdentityRetriesCacheSet(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	uc := NewVerificationUseCase(&stubPipeline{outcome: passOutcome()}, cache, Options{}, zap.NewNop())

	record, err := uc.VerifyIdentity(context.Background(), "applicant-1", []byte("id"), []byte("selfie"))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if record.Outcome.Classification != verification.ClassificationPass {
		t.Fatalf("expected pass, got %s", record.Outcome.Classification)
	}
	if len(cache.setKeys) != 2 {
		t.Fatalf("expected 2 cache set calls (retry + result), got %d", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] || cache.setKeys[0] != "verification:"+record.RequestID {
		t.Fatalf("expected retry to target the result key, got %v", cache.setKeys)
	}
}

func TestVerifyIdentityKeepsVerdictWhenCacheFails(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	uc := NewVerificationUseCase(&stubPipeline{outcome: passOutcome()}, cache, Options{}, zap.NewNop())

	record, err := uc.VerifyIdentity(context.Background(), "applicant-1", []byte("id"), []byte("selfie"))
	if err != nil {
		t.Fatalf("expected verdict despite cache failure, got %v", err)
	}
	if len(cache.setKeys) != 1 {
		t.Fatalf("expected no retry for non-transient error, got %d calls", len(cache.setKeys))
	}
	if _, err := uc.GetResult(context.Background(), "applicant-1", record.RequestID); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected result to be unavailable, got %v", err)
	}
}

func TestVerifyIdentityPropagatesPipelineErrors(t *testing.T) {
	pipelineErr := verification.NewInputError("selfie image is empty", nil)
	uc := NewVerificationUseCase(&stubPipeline{err: pipelineErr}, &stubCache{}, Options{}, zap.NewNop())

	_, err := uc.VerifyIdentity(context.Background(), "applicant-1", []byte("id"), nil)
	if verification.KindOf(err) != verification.KindInput {
		t.Fatalf("expected input error, got %v", err)
	}
	if summary := uc.GetMetricsSummary(); summary.Errors != 1 || summary.TotalRequests != 1 {
		t.Fatalf("expected one failed request in metrics, got %+v", summary)
	}
}

func TestVerifyIdentityTimesOut(t *testing.T) {
	pipeline := &stubPipeline{outcome: passOutcome(), block: make(chan struct{})}
	defer close(pipeline.block)
	uc := NewVerificationUseCase(pipeline, &stubCache{}, Options{Timeout: 20 * time.Millisecond}, zap.NewNop())

	_, err := uc.VerifyIdentity(context.Background(), "applicant-1", []byte("id"), []byte("selfie"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.verify_identity" {
		t.Fatalf("expected OperationError for verify_identity, got %v", err)
	}
	if summary := uc.GetMetricsSummary(); summary.TimedOut != 1 {
		t.Fatalf("expected timeout to be counted, got %+v", summary)
	}
}

func TestConcurrencyBoundHoldsSlotUntilPipelineReturns(t *testing.T) {
	pipeline := &stubPipeline{outcome: passOutcome(), block: make(chan struct{})}
	uc := NewVerificationUseCase(pipeline, &stubCache{}, Options{Timeout: 10 * time.Millisecond, MaxConcurrent: 1}, zap.NewNop())

	if _, err := uc.VerifyIdentity(context.Background(), "a", []byte("id"), []byte("selfie")); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := uc.CheckLiveness(ctx, []byte("selfie"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the hung call to keep its slot, got %v", err)
	}
	close(pipeline.block)
}

func TestGetResultRoundTrip(t *testing.T) {
	cache := &stubCache{}
	uc := NewVerificationUseCase(&stubPipeline{outcome: passOutcome()}, cache, Options{}, zap.NewNop())

	record, err := uc.VerifyIdentity(context.Background(), "applicant-1", []byte("id"), []byte("selfie"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	got, err := uc.GetResult(context.Background(), "applicant-1", record.RequestID)
	if err != nil {
		t.Fatalf("expected cached result, got %v", err)
	}
	if got.RequestID != record.RequestID || got.Outcome.Classification != verification.ClassificationPass {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Outcome.Match == nil || got.Outcome.Match.Distance != 0.1 {
		t.Fatalf("expected match verdict to survive the cache, got %+v", got.Outcome.Match)
	}

	if _, err := uc.GetResult(context.Background(), "someone-else", record.RequestID); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected foreign applicant to be refused, got %v", err)
	}
}

func TestGetResultCacheMissAndRetry(t *testing.T) {
	cache := &stubCache{getErrs: []error{ErrCacheMiss}}
	uc := NewVerificationUseCase(&stubPipeline{}, cache, Options{}, zap.NewNop())
	if _, err := uc.GetResult(context.Background(), "a", "req"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(cache.getKeys) != 1 {
		t.Fatalf("expected a miss not to be retried, got %d reads", len(cache.getKeys))
	}

	payload, _ := json.Marshal(VerificationRecord{RequestID: "req", Outcome: passOutcome()})
	cache = &stubCache{getErrs: []error{transientRedisError{}, nil}, getValues: []string{"", string(payload)}}
	uc = NewVerificationUseCase(&stubPipeline{}, cache, Options{}, zap.NewNop())
	record, err := uc.GetResult(context.Background(), "a", "req")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if record.RequestID != "req" || len(cache.getKeys) != 2 {
		t.Fatalf("unexpected record %+v after %d reads", record, len(cache.getKeys))
	}
}

func TestMemoryCache(t *testing.T) {
	cache := NewMemoryCache(time.Minute, time.Minute)
	if _, err := cache.Get(context.Background(), "missing"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	if err := cache.Set(context.Background(), "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, err := cache.Get(context.Background(), "k"); err != nil || v != "v" {
		t.Fatalf("expected v, got %q (%v)", v, err)
	}
	if err := cache.Set(context.Background(), "gone", "v", time.Nanosecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := cache.Get(context.Background(), "gone"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected expired entry to miss, got %v", err)
	}
}

func TestMetricsSummary(t *testing.T) {
	uc := NewVerificationUseCase(&stubPipeline{outcome: passOutcome()}, nil, Options{}, zap.NewNop())
	for i := 0; i < 3; i++ {
		if _, err := uc.VerifyIdentity(context.Background(), "a", []byte("id"), []byte("selfie")); err != nil {
			t.Fatalf("verify: %v", err)
		}
	}
	summary := uc.GetMetricsSummary()
	if summary.TotalRequests != 3 || summary.Passed != 3 || summary.PassRate != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}
