package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the orchestrator.
type Metrics struct {
	Registry          *prometheus.Registry
	AttemptsTotal     *prometheus.CounterVec
	AttemptDuration   prometheus.Histogram
	AcquisitionsTotal *prometheus.CounterVec
	RetriesTotal      prometheus.Counter
	RotationsTotal    prometheus.Counter
	EscalationsTotal  prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	attempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acquire_attempts_total",
			Help: "Total attempts by strategy and classified outcome.",
		},
		[]string{"strategy", "outcome"},
	)
	attemptDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "acquire_attempt_duration_seconds",
			Help:    "Latency of a single strategy attempt.",
			Buckets: prometheus.DefBuckets,
		},
	)
	acquisitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acquire_acquisitions_total",
			Help: "Finished acquisitions by status and exhaust reason.",
		},
		[]string{"status", "reason"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "acquire_retries_total",
			Help: "Total same-rank retries scheduled.",
		},
	)
	rotations := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "acquire_identity_rotations_total",
			Help: "Total identity rotations after a blocked response.",
		},
	)
	escalations := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "acquire_escalations_total",
			Help: "Total escalations to a higher strategy rank.",
		},
	)

	registry.MustRegister(attempts, attemptDuration, acquisitions, retries, rotations, escalations)

	return &Metrics{
		Registry:          registry,
		AttemptsTotal:     attempts,
		AttemptDuration:   attemptDuration,
		AcquisitionsTotal: acquisitions,
		RetriesTotal:      retries,
		RotationsTotal:    rotations,
		EscalationsTotal:  escalations,
	}
}

// IncAttempt counts one classified attempt.
func (m *Metrics) IncAttempt(strategy, outcome string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveDuration records an attempt duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.AttemptDuration.Observe(d.Seconds())
}

// IncAcquisition counts a finished acquisition.
func (m *Metrics) IncAcquisition(status, reason string) {
	if m == nil {
		return
	}
	m.AcquisitionsTotal.WithLabelValues(status, reason).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncRotations increments the identity rotation counter.
func (m *Metrics) IncRotations() {
	if m == nil {
		return
	}
	m.RotationsTotal.Inc()
}

// IncEscalations increments the escalation counter.
func (m *Metrics) IncEscalations() {
	if m == nil {
		return
	}
	m.EscalationsTotal.Inc()
}
