package usecase

import (
	"sync"
	"time"

	"github.com/example/face-verify/internal/verification"
)

// MetricsSummary represents aggregated verification insights since process start.
type MetricsSummary struct {
	TotalRequests     int64   `json:"total_requests"`
	Passed            int64   `json:"passed"`
	Failed            int64   `json:"failed"`
	SpoofDetected     int64   `json:"spoof_detected"`
	Errors            int64   `json:"errors"`
	TimedOut          int64   `json:"timed_out"`
	PassRate          float64 `json:"pass_rate"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
	HeuristicLiveness int64   `json:"heuristic_liveness"`
}

type metrics struct {
	mu           sync.Mutex
	summary      MetricsSummary
	totalLatency time.Duration
}

func (m *metrics) observe(outcome *verification.Outcome, err error, timedOut bool, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.summary.TotalRequests++
	m.totalLatency += latency
	switch {
	case timedOut:
		m.summary.TimedOut++
	case err != nil:
		m.summary.Errors++
	case outcome != nil:
		switch outcome.Classification {
		case verification.ClassificationPass:
			m.summary.Passed++
		case verification.ClassificationFail:
			m.summary.Failed++
		case verification.ClassificationSpoofDetected:
			m.summary.SpoofDetected++
		}
		if outcome.Liveness.Method == verification.MethodHeuristic {
			m.summary.HeuristicLiveness++
		}
	}
}

func (m *metrics) snapshot() MetricsSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := m.summary
	if summary.TotalRequests > 0 {
		summary.PassRate = float64(summary.Passed) / float64(summary.TotalRequests)
		summary.AverageLatencyMs = float64(m.totalLatency.Milliseconds()) / float64(summary.TotalRequests)
	}
	return summary
}

// GetMetricsSummary aggregates full-verification metrics recorded by this process.
func (uc *VerificationUseCase) GetMetricsSummary() *MetricsSummary {
	summary := uc.metrics.snapshot()
	return &summary
}
