package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GateVerdicts counts gate decisions by stage (input, output, image) and verdict.
	GateVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_gate_verdicts_total",
		Help: "Security gate decisions by stage and verdict",
	}, []string{"stage", "verdict"})

	// Transitions counts proposal lifecycle transitions by target status.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_proposal_transitions_total",
		Help: "Proposal lifecycle transitions by resulting status",
	}, []string{"status"})

	// StageDuration tracks sandbox test stage latency.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "changegate_sandbox_stage_duration_seconds",
		Help:    "Sandbox test stage duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	}, []string{"stage", "result"})

	// SandboxesActive is the number of live sandboxes.
	SandboxesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "changegate_sandboxes_active",
		Help: "Live sandbox environments",
	})

	// FixAttempts counts auto-fix iterations by outcome.
	FixAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_autofix_attempts_total",
		Help: "Auto-fix attempts by outcome",
	}, []string{"outcome"})

	// Deployments counts apply and rollback operations by result.
	Deployments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_deployments_total",
		Help: "Deployment operations by kind and result",
	}, []string{"kind", "result"})

	// GenerationDuration tracks model call latency by provider.
	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "changegate_generation_duration_seconds",
		Help:    "Language model call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"provider", "result"})

	// InboxFiles counts inbox recommendations by result.
	InboxFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_inbox_files_total",
		Help: "Inbox recommendation files processed by result",
	}, []string{"result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an error to a metric label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
