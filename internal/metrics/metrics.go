package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	EnvelopesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_envelopes_received_total",
			Help: "Envelopes received from the broadcast network",
		},
		[]string{"type"},
	)

	EnvelopesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_envelopes_dropped_total",
			Help: "Envelopes dropped before being handled",
		},
		[]string{"reason"}, // malformed, bad_signature, replayed, expired, loop, path_limit, rate_limited, no_handler, queue_full
	)

	EnvelopesRelayedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atlas_envelopes_relayed_total",
			Help: "Envelopes re-broadcast on behalf of other nodes",
		},
	)

	SessionsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_sessions_finished_total",
			Help: "Distributed request sessions by outcome",
		},
		[]string{"type", "outcome"}, // outcome: completed, timeout, send_failed
	)

	BackendFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_backend_failures_total",
			Help: "Failed isolation backend calls",
		},
		[]string{"backend", "operation"},
	)

	// Gauges
	LiveTimers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "atlas_live_timers",
			Help: "Timers currently registered in the dispatch loop",
		},
	)

	LiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "atlas_live_sessions",
			Help: "Sessions waiting for a distributed reply",
		},
	)

	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atlas_tasks",
			Help: "Tasks in the live table by status",
		},
		[]string{"status"},
	)

	FreeResources = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atlas_pool_free",
			Help: "Unreserved resources in the local pool",
		},
		[]string{"resource"}, // cpu_cores, gpus, memory_bytes
	)

	// Histogram for backend call duration
	BackendCallSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlas_backend_call_seconds",
			Help:    "Isolation backend call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~163s
		},
		[]string{"backend", "operation"},
	)
)
