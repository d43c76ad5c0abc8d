// Package metrics exposes Prometheus instrumentation for the supervisor.
//
// Metrics:
//   - autoagent_decisions_total{role,source} - routing decisions executed
//   - autoagent_rule_overrides_total{rule} - decisions replaced by a rule
//   - autoagent_divergences_total{reason} - sessions stopped by the loop guard
//   - autoagent_validations_total{outcome} - validator verdicts (passed, retry, escalated)
//   - autoagent_worker_calls_total{role,outcome} - worker invocations
//   - autoagent_worker_call_duration_seconds{role} - worker invocation latency
//   - autoagent_worker_restarts_total{role} - worker processes respawned
//   - autoagent_approvals_total{kind,outcome} - resolved approval requests
//   - autoagent_approvals_pending - approval requests awaiting a response
//   - autoagent_sessions_total{status} - finished sessions
//   - autoagent_sessions_active - sessions currently running
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autoagent"

// Metrics holds the supervisor's collectors.
type Metrics struct {
	registry *prometheus.Registry

	Decisions      *prometheus.CounterVec
	RuleOverrides  *prometheus.CounterVec
	Divergences    *prometheus.CounterVec
	Validations    *prometheus.CounterVec
	WorkerCalls    *prometheus.CounterVec
	WorkerDuration *prometheus.HistogramVec
	WorkerRestarts *prometheus.CounterVec
	Approvals      *prometheus.CounterVec
	PendingHITL    prometheus.Gauge
	Sessions       *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Routing decisions executed, by role and source.",
		}, []string{"role", "source"}),
		RuleOverrides: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_overrides_total",
			Help:      "Routing decisions replaced by a rule.",
		}, []string{"rule"}),
		Divergences: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "divergences_total",
			Help:      "Sessions stopped by the loop guard.",
		}, []string{"reason"}),
		Validations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Validator verdicts by outcome.",
		}, []string{"outcome"}),
		WorkerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_calls_total",
			Help:      "Worker invocations by role and outcome.",
		}, []string{"role", "outcome"}),
		WorkerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_call_duration_seconds",
			Help:      "Worker invocation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~43m
		}, []string{"role"}),
		WorkerRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Worker processes respawned after exiting.",
		}, []string{"role"}),
		Approvals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Resolved approval requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		PendingHITL: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approvals_pending",
			Help:      "Approval requests awaiting a response.",
		}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished sessions by terminal status.",
		}, []string{"status"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently running.",
		}),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordDecision counts an executed routing decision.
func (m *Metrics) RecordDecision(role, source string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(role, source).Inc()
}

// RecordOverride counts a rule override.
func (m *Metrics) RecordOverride(rule string) {
	if m == nil {
		return
	}
	m.RuleOverrides.WithLabelValues(rule).Inc()
}

// RecordDivergence counts a guard trip.
func (m *Metrics) RecordDivergence(reason string) {
	if m == nil {
		return
	}
	m.Divergences.WithLabelValues(reason).Inc()
}

// RecordValidation counts a validator verdict.
func (m *Metrics) RecordValidation(outcome string) {
	if m == nil {
		return
	}
	m.Validations.WithLabelValues(outcome).Inc()
}

// ObserveWorkerCall records one worker invocation.
func (m *Metrics) ObserveWorkerCall(role string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.WorkerCalls.WithLabelValues(role, outcome).Inc()
	m.WorkerDuration.WithLabelValues(role).Observe(d.Seconds())
}

// RecordWorkerRestart counts a respawned worker process.
func (m *Metrics) RecordWorkerRestart(role string) {
	if m == nil {
		return
	}
	m.WorkerRestarts.WithLabelValues(role).Inc()
}

// ApprovalRequested increments the pending gauge.
func (m *Metrics) ApprovalRequested() {
	if m == nil {
		return
	}
	m.PendingHITL.Inc()
}

// ApprovalResolved decrements the pending gauge and counts the outcome.
func (m *Metrics) ApprovalResolved(kind, outcome string) {
	if m == nil {
		return
	}
	m.PendingHITL.Dec()
	m.Approvals.WithLabelValues(kind, outcome).Inc()
}

// SessionStarted increments the active gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionFinished decrements the active gauge and counts the terminal status.
func (m *Metrics) SessionFinished(status string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.Sessions.WithLabelValues(status).Inc()
}
