package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Worker
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_claim_total", Help: "Claim attempts."},
		[]string{"result"}, // ok | empty | error
	)
	ClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_claim_batch_size",
			Help:    "Number of items returned per claim.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0,10,...,100
		},
	)
	SendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_send_total", Help: "Send outcomes."},
		[]string{"outcome"}, // sent | retried | failed
	)
	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provider_send_duration_seconds",
			Help:    "Provider send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	RecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_recovered_items_total", Help: "Stale processing items reverted to pending."},
	)

	// Orchestrator
	WorkersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "orchestrator_workers_running", Help: "Send workers currently running."},
	)
	WorkerRestartTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "orchestrator_worker_restarts_total", Help: "Worker restarts after abnormal exits."},
	)
	CrashLoopSuspendTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "orchestrator_crash_loop_suspends_total", Help: "Accounts suspended by the crash-loop breaker."},
	)

	// Accounts
	AccountPausedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "account_paused_total", Help: "Account pauses by reason."},
		[]string{"reason"}, // daily_limit | bounce_rate
	)
	AccountSuspendedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "account_suspended_total", Help: "Account suspensions (auth failures, crash loops)."},
	)

	// Queue
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "queue_depth", Help: "Queue rows by status."},
		[]string{"status"},
	)
)

// MustRegister registers all collectors with the default registry.
func MustRegister() {
	prometheus.MustRegister(
		ClaimTotal, ClaimBatchSize, SendTotal, SendDuration, RecoveredTotal,
		WorkersRunning, WorkerRestartTotal, CrashLoopSuspendTotal,
		AccountPausedTotal, AccountSuspendedTotal, QueueDepth,
	)
}
