// Package metrics defines the Prometheus instruments of the approval engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the engine's collectors.
type Metrics struct {
	// Decisions by kind and outcome (ok, no_pending, conflict, error).
	Decisions *prometheus.CounterVec

	// Work request transitions caused by decisions (stage_advanced, approved, rejected, withdrawn).
	Transitions *prometheus.CounterVec

	// Optimistic concurrency retries.
	ConflictRetries prometheus.Counter

	// Chains built, labelled by whether approval was required.
	ChainsInitialized *prometheus.CounterVec

	ChainSize prometheus.Histogram

	// Rules skipped because a condition could not be evaluated.
	RuleEvaluationErrors *prometheus.CounterVec

	Escalations prometheus.Counter

	DecisionDuration *prometheus.HistogramVec
}

// New registers collectors with reg. A nil reg uses a private registry so
// tests can build as many engines as they like.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ops_approval_decisions_total",
			Help: "Approval decisions processed, by decision and outcome.",
		}, []string{"decision", "outcome"}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ops_approval_transitions_total",
			Help: "Work request workflow transitions.",
		}, []string{"transition"}),

		ConflictRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "ops_approval_conflict_retries_total",
			Help: "Operations retried after an optimistic concurrency conflict.",
		}),

		ChainsInitialized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ops_approval_chains_initialized_total",
			Help: "Workflow initializations, by whether approval was required.",
		}, []string{"required"}),

		ChainSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ops_approval_chain_entries",
			Help:    "Number of approval entries per built chain.",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		}),

		RuleEvaluationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ops_approval_rule_evaluation_errors_total",
			Help: "Rules skipped because a condition failed to evaluate.",
		}, []string{"rule_id"}),

		Escalations: f.NewCounter(prometheus.CounterOpts{
			Name: "ops_approval_escalations_total",
			Help: "Expired approval entries reassigned to an escalation approver.",
		}),

		DecisionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ops_approval_decision_duration_seconds",
			Help:    "Latency of decision processing including retries.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"decision"}),
	}
}
