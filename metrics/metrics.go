// Package metrics exposes prometheus instruments for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelcore_runs_submitted_total",
			Help: "Total number of runs submitted per stage and trigger source",
		},
		[]string{"stage", "trigger"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelcore_runs_completed_total",
			Help: "Total number of runs reaching a terminal state",
		},
		[]string{"stage", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinelcore_run_duration_seconds",
			Help:    "Wall-clock duration of module runs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	RunRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelcore_run_retries_total",
			Help: "Total number of retry attempts per stage",
		},
		[]string{"stage"},
	)

	RunsReconciled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinelcore_runs_reconciled_total",
			Help: "Orphaned runs force-failed by the reconciliation pass",
		},
	)

	PermissionDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelcore_permission_denials_total",
			Help: "Authorization denials per entity type and verb",
		},
		[]string{"entity_type", "verb"},
	)

	AuditWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinelcore_audit_write_failures_total",
			Help: "Audit entries that could not be persisted (high severity)",
		},
	)

	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinelcore_worker_pool_active_workers",
			Help: "Configured workers per pool (-1 indicates unhealthy shutdown)",
		},
		[]string{"pool"},
	)

	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinelcore_worker_pool_queue_size",
			Help: "Tasks currently queued per pool",
		},
		[]string{"pool"},
	)

	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelcore_worker_pool_tasks_processed_total",
			Help: "Tasks processed per pool",
		},
		[]string{"pool"},
	)
)
