// Package monitoring holds the Prometheus metrics for the guardrail service.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments. Construct once per process with
// NewMetrics and pass to components that record; the struct is internally
// thread-safe.
type Metrics struct {
	// RequestsTotal counts pipeline runs by side, use case and outcome
	// (allowed, blocked, error).
	RequestsTotal *prometheus.CounterVec

	// RequestsBlockedTotal counts blocks by guardrail type and variant.
	RequestsBlockedTotal *prometheus.CounterVec

	// CheckDuration observes per-checker latency.
	CheckDuration *prometheus.HistogramVec

	// LatencyByUseCase observes whole-pipeline latency per use case/side.
	LatencyByUseCase *prometheus.HistogramVec

	// BudgetExceededTotal counts pipeline runs that overran or skipped
	// checkers due to the guardrail latency budget.
	BudgetExceededTotal *prometheus.CounterVec

	// ConfidenceScore samples checker confidence per call.
	ConfidenceScore *prometheus.HistogramVec

	// ModelAvailable is 1 when a checker variant is constructed and
	// serving, 0 when unavailable.
	ModelAvailable *prometheus.GaugeVec

	// RateLimitDenials counts traffic-guardrail denials by reason.
	RateLimitDenials *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_requests_total",
				Help: "Total pipeline runs by side, use case and outcome",
			},
			[]string{"side", "use_case", "outcome"},
		),
		RequestsBlockedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_requests_blocked_total",
				Help: "Total blocked requests by guardrail type and variant",
			},
			[]string{"type", "variant"},
		),
		CheckDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guardrail_check_duration_seconds",
				Help:    "Per-checker latency in seconds",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"type", "variant"},
		),
		LatencyByUseCase: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guardrail_latency_by_use_case_seconds",
				Help:    "Whole-pipeline latency per use case and side",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"use_case", "side"},
		),
		BudgetExceededTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_latency_budget_exceeded_total",
				Help: "Pipeline runs that exceeded the guardrail latency budget",
			},
			[]string{"use_case", "side"},
		),
		ConfidenceScore: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guardrail_confidence_score",
				Help:    "Checker confidence scores, one sample per call",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"type", "variant"},
		),
		ModelAvailable: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "guardrail_model_available",
				Help: "Whether a checker variant is available (1) or not (0)",
			},
			[]string{"type", "variant"},
		),
		RateLimitDenials: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_denials_total",
				Help: "Traffic-guardrail denials by reason",
			},
			[]string{"reason"},
		),
	}
}
