package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FailuresTotal tracks reported tunnel failures per slot and error type
	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wlantunnel_failures_total",
			Help: "Total number of tunnel failures reported to the retry scheduler",
		},
		[]string{"slot", "apn", "error_type"},
	)

	// RetryDelay tracks retry delays handed back to callers
	RetryDelay = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wlantunnel_retry_delay_seconds",
			Help:    "Retry delay returned for a failure in seconds",
			Buckets: []float64{0, 1, 5, 10, 30, 60, 300, 900, 3600, 86400},
		},
		[]string{"slot"},
	)

	// UnthrottledTotal tracks sessions cleared by an unthrottling event
	UnthrottledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wlantunnel_unthrottled_total",
			Help: "Total number of sessions unthrottled by external events",
		},
		[]string{"slot", "event"},
	)

	// TransitionsTotal tracks tunnel state transitions
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wlantunnel_tunnel_transitions_total",
			Help: "Total number of tunnel state transitions",
		},
		[]string{"slot", "from", "to"},
	)

	// SetupLatency tracks time from bring-up request to tunnel up
	SetupLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wlantunnel_setup_latency_seconds",
			Help:    "Tunnel setup latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"slot"},
	)

	// PolicyReloadsTotal tracks carrier policy reloads by result
	PolicyReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wlantunnel_policy_reloads_total",
			Help: "Total number of carrier policy reloads",
		},
		[]string{"slot", "result"},
	)

	// TunnelsUp tracks tunnels currently up per slot
	TunnelsUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wlantunnel_tunnels_up",
			Help: "Number of tunnels currently up",
		},
		[]string{"slot"},
	)

	// LoopQueueDepth tracks pending messages on a slot loop
	LoopQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wlantunnel_loop_queue_depth",
			Help: "Messages waiting on a slot loop",
		},
		[]string{"slot"},
	)

	// DBConnectionPoolUsage tracks database connection pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wlantunnel_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
