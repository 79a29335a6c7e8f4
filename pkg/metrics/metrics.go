package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuditEntriesWritten counts audit rows flushed by transaction scopes
	AuditEntriesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_audit_entries_total",
		Help: "Total number of audit entries written, by outcome",
	}, []string{"status"}) // status: committed, rolled_back

	// AuditWriteFailures counts failed audit flushes. A failure in the commit phase
	// aborts the unit of work, a failure in the rollback phase is only logged
	AuditWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_audit_write_failures_total",
		Help: "Audit flushes that failed, by phase",
	}, []string{"phase"})

	// ScopesFinalized tracks how units of work end
	ScopesFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_transaction_scopes_total",
		Help: "Transaction scopes finalized, by outcome",
	}, []string{"outcome"})

	// MessagesPublished tracks the publish path. result: sent, skipped, error
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_messages_published_total",
		Help: "Messages handed to the broker, by queue and result",
	}, []string{"queue", "result"})

	// MessagesConsumed tracks delivery outcomes. result: completed, failed, duplicate, malformed
	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_messages_consumed_total",
		Help: "Deliveries processed by consumers, by queue and result",
	}, []string{"queue", "result"})

	// HandlerDuration measures handler latency from claim to ack
	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_handler_duration_seconds",
		Help:    "Time taken by consumer handlers",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"queue", "status"})

	// RetriesScheduled counts redeliveries scheduled on the retry queue
	RetriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_retries_scheduled_total",
		Help: "Retries scheduled after handler failures",
	}, []string{"queue"})

	// DeadLettered counts messages moved to a dead-letter queue.
	// If this number grows, manual inspection of the *_dlq queues is required
	DeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_dead_lettered_total",
		Help: "Messages routed to a dead-letter queue",
	}, []string{"queue"})

	// BrokerReconnections counts how many times the broker link had to be restored
	BrokerReconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_broker_reconnections_total",
		Help: "Total number of broker reconnection attempts",
	})

	// BrokerHealthy provides a binary 0/1 signal for the broker link
	BrokerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_broker_healthy",
		Help: "Current health of the broker link (1 healthy, 0 unavailable)",
	})

	// JobBacklog mirrors the mq_jobs table grouped by status
	JobBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_job_records",
		Help: "Current number of job records, by status",
	}, []string{"status"})
)
