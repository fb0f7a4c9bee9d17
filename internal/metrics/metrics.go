// Package metrics defines Prometheus metrics for the connection pools and executors.
// All collectors are registered upfront so every component can use them directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsCheckedOut tracks connections currently held by callers.
	ConnectionsCheckedOut = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_connections_checked_out",
		Help: "Number of checked-out connections per bucket",
	}, []string{"bucket_id"})

	// ConnectionsIdle tracks the number of idle connections per bucket.
	ConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_connections_idle",
		Help: "Number of idle connections in the pool per bucket",
	}, []string{"bucket_id"})

	// ConnectionsPending tracks connections being opened on behalf of an acquirer.
	ConnectionsPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_connections_pending",
		Help: "Number of connections being created per bucket",
	}, []string{"bucket_id"})

	// ConnectionsMax tracks the configured max connections per bucket.
	ConnectionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_connections_max",
		Help: "Configured maximum connections per bucket",
	}, []string{"bucket_id"})

	// ConnectionsTotal counts connection lifecycle and acquire outcomes.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_connections_total",
		Help: "Total connection operations",
	}, []string{"bucket_id", "status"})

	// ConnectionErrors counts connection errors by type.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_connection_errors_total",
		Help: "Total connection errors",
	}, []string{"bucket_id", "error_type"})

	// QueueLength tracks the number of blocked acquirers per bucket.
	QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_queue_length",
		Help: "Number of acquirers waiting for a connection per bucket",
	}, []string{"bucket_id"})

	// QueueWaitDuration tracks the time acquirers spend waiting in queue.
	QueueWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "connpool_queue_wait_seconds",
		Help:    "Time spent waiting in queue for a connection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"bucket_id"})

	// ExecutorRuns counts executor runs by final outcome.
	ExecutorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_executor_runs_total",
		Help: "Total executor runs by outcome",
	}, []string{"bucket_id", "outcome"})

	// ExecutorRetries counts backoff retries after pool exhaustion.
	ExecutorRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_executor_retries_total",
		Help: "Total acquisition retries after pool timeout",
	}, []string{"bucket_id"})

	// ExecutorBackoffSeconds accumulates time spent sleeping between retries.
	ExecutorBackoffSeconds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_executor_backoff_seconds_total",
		Help: "Total time spent in retry backoff",
	}, []string{"bucket_id"})

	// QueryDuration tracks unit-of-work execution time on a held connection.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "connpool_query_duration_seconds",
		Help:    "Unit of work execution duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"bucket_id"})

	// FallbackTotal counts fallback invocations by result.
	FallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_fallback_total",
		Help: "Total fallback policy invocations",
	}, []string{"bucket_id", "result"})

	// InstanceUp reports whether this instance is serving (1) or shutting down (0).
	InstanceUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_instance_up",
		Help: "Instance liveness (1 = serving, 0 = shutting down)",
	}, []string{"instance_id"})
)
