// Package metrics holds the Prometheus collectors of the reliability layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RetryDecisions counts retry engine outcomes per queue
	RetryDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliability_retry_decisions_total",
			Help: "Total number of retry decisions",
		},
		[]string{"queue", "action", "kind"},
	)

	// JobsProcessed counts finished executions per queue and outcome
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliability_jobs_processed_total",
			Help: "Total number of job executions",
		},
		[]string{"queue", "outcome"},
	)

	// JobDuration tracks handler execution time
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reliability_job_duration_seconds",
			Help:    "Job handler execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// DeadLetters counts entries handed to a dead-letter area
	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliability_dead_letters_total",
			Help: "Total number of dead-lettered units",
		},
		[]string{"area", "reason"},
	)

	// DeadLetterReplays counts re-published dead-letter entries
	DeadLetterReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliability_dead_letter_replays_total",
			Help: "Total number of dead-letter replay attempts",
		},
		[]string{"area", "result"},
	)

	// IdempotencyOutcomes counts idempotency guard results
	IdempotencyOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliability_idempotency_outcomes_total",
			Help: "Total number of idempotency guard outcomes",
		},
		[]string{"outcome"},
	)

	// WebhookEvents counts webhook dedupe results per provider
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliability_webhook_events_total",
			Help: "Total number of webhook deliveries by dedupe result",
		},
		[]string{"provider", "result"},
	)

	// AuditAppends counts audit log appends per scope type and mode
	AuditAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliability_audit_appends_total",
			Help: "Total number of audit log appends",
		},
		[]string{"scope_type", "result"},
	)

	// ChainVerificationFailures is a security signal: any increase needs attention
	ChainVerificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliability_audit_chain_verification_failures_total",
			Help: "Total number of audit hash-chain verification failures",
		},
		[]string{"scope_type"},
	)

	// MaintenanceRuns counts maintenance task executions
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliability_maintenance_runs_total",
			Help: "Total number of maintenance task runs",
		},
		[]string{"task", "result"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
