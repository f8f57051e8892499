package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// mutationsTotal counts applied mutations by origin (local/remote) and kind
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statusmon_mutations_total",
		Help: "Mutations applied to the status tree by origin and kind",
	}, []string{"origin", "kind"})

	echoSuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statusmon_echo_suppressed_total",
		Help: "Remote updates dropped because this node originated them",
	})

	lateDeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statusmon_late_deliveries_total",
		Help: "Remote updates that arrived later than the late threshold",
	})

	deliveryLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "statusmon_delivery_lag_seconds",
		Help:    "Delay between send and apply of remote updates",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 9), // 1ms to ~65s
	})

	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statusmon_rejected_payloads_total",
		Help: "Remote payloads rejected by reason",
	}, []string{"reason"})

	broadcastErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statusmon_broadcast_errors_total",
		Help: "Transport failures while notifying or forwarding",
	})

	waitersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "statusmon_waiters",
		Help: "Goroutines currently blocked in Get/GetAny/GetAll",
	})

	waitResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statusmon_wait_results_total",
		Help: "Blocking read outcomes",
	}, []string{"result"})

	logFlushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statusmon_log_flushes_total",
		Help: "Batches of log text published to the tree",
	})

	logDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statusmon_log_dropped_total",
		Help: "Log lines dropped because the handler queue was full",
	})
)
