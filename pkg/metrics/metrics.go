package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	EventsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_events_observed_total",
		Help: "The total number of bridge events observed by the watchers",
	}, []string{"chain_id", "event"})

	FinalityWaitTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relayer_finality_wait_seconds",
		Help:    "Time spent waiting for an event block to reach its confirmation depth",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s up to ~34m
	}, []string{"chain_id"})

	FinalityTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_finality_timeouts_total",
		Help: "Number of finality waits that hit the configured maximum",
	}, []string{"chain_id"})

	EventsReorged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_events_reorged_total",
		Help: "Events dropped because their receipt no longer matches after finality",
	}, []string{"chain_id"})

	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_jobs_enqueued_total",
		Help: "The total number of jobs enqueued",
	}, []string{"queue"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_jobs_processed_total",
		Help: "The total number of processed jobs by outcome",
	}, []string{"queue", "outcome"})

	JobProcessingTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relayer_job_processing_seconds",
		Help:    "Time taken to process a job attempt",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // Start at 1s with 10 buckets doubling in size
	}, []string{"queue"})

	JobErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_job_errors_total",
		Help: "Total number of job errors by type",
	}, []string{"queue", "error_type"})

	RetryCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_retries_total",
		Help: "The total number of scheduled job retries",
	}, []string{"queue"})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_dead_letters_total",
		Help: "Number of jobs moved to the dead-letter set",
	}, []string{"queue", "error_type"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayer_queue_depth",
		Help: "Number of jobs per queue and state",
	}, []string{"queue", "state"})

	LeasesRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_leases_requeued_total",
		Help: "Jobs returned to the ready set after their lease expired",
	}, []string{"queue"})

	ChainHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayer_chain_height",
		Help: "Latest block height seen per chain",
	}, []string{"chain_id"})

	GasUsed = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relayer_gas_used",
		Help:    "Gas used by relay transactions",
		Buckets: prometheus.ExponentialBuckets(21000, 2, 10), // Start at 21000 with 10 buckets doubling in size
	}, []string{"chain_id"})

	GasPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayer_gas_price_gwei",
		Help: "Current gas price in gwei",
	}, []string{"chain_id"})

	WatcherReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_watcher_reconnects_total",
		Help: "Number of watcher subscription reconnects",
	}, []string{"chain_id"})

	Reconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_reconciled_total",
		Help: "Pending records resolved by reconciliation by result",
	}, []string{"result"})

	CircuitBreakerStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayer_circuit_breaker_status",
		Help: "Circuit breaker status (0=closed, 1=open)",
	}, []string{"chain_id"})

	Running = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_running",
		Help: "1 while the relayer pipeline is running",
	})
)
