// Package metrics declares the Prometheus collectors of the correspondence service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ledger
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_correspondence_status_transitions_total",
			Help: "Status entries appended, by entity and status",
		},
		[]string{"entity", "status"},
	)

	IdempotencyClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_correspondence_idempotency_claims_total",
			Help: "Idempotency claims by action and result (claimed, already_claimed)",
		},
		[]string{"action", "result"},
	)

	// Jobs
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_correspondence_jobs_enqueued_total",
			Help: "Jobs written to the outbox, by type and result (inserted, deduplicated)",
		},
		[]string{"type", "result"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_correspondence_jobs_processed_total",
			Help: "Job executions by type and outcome (succeeded, skipped, retried, failed)",
		},
		[]string{"type", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_correspondence_job_duration_seconds",
			Help:    "Duration of job handler executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	JobsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_correspondence_jobs_claimed_total",
			Help: "Jobs leased by workers",
		},
	)

	// Retry executor
	LocalRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_correspondence_local_retries_total",
			Help: "Atomic units re-executed after a transient store failure",
		},
	)

	// Repair
	RepairResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_correspondence_repair_results_total",
			Help: "Repair candidates by check and result (satisfied, enqueued, deduplicated, failed)",
		},
		[]string{"check", "result"},
	)

	// Timers
	TaskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_correspondence_task_runs_total",
			Help: "Periodic task executions by task and status",
		},
		[]string{"task", "status"},
	)

	// Collaborators
	ExternalCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_correspondence_external_calls_total",
			Help: "Calls to external services by service, operation and status",
		},
		[]string{"service", "operation", "status"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_correspondence_circuit_breaker_state",
			Help: "Circuit breaker state per service (0 closed, 1 half-open, 2 open)",
		},
		[]string{"service"},
	)

	OperatorAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_correspondence_operator_alerts_total",
			Help: "Operator alerts by result (sent, suppressed, failed)",
		},
		[]string{"result"},
	)
)
