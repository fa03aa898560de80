// Package metrics provides Prometheus instrumentation for TaskBridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskbridge_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskbridge_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Bridge metrics.
var (
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskbridge_active_workers",
		Help: "Number of currently connected worker instances.",
	})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskbridge_active_jobs",
		Help: "Number of jobs in an active state (queued, booting, running, paused).",
	})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskbridge_jobs_total",
		Help: "Total number of jobs reaching a terminal state, by status.",
	}, []string{"status"})

	PendingGates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskbridge_pending_gates",
		Help: "Number of outstanding approval and context requests.",
	})

	EventsBroadcastTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskbridge_events_broadcast_total",
		Help: "Total number of events fanned out to subscribers.",
	})

	EventsPersistedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskbridge_events_persisted_total",
		Help: "Total number of events written to the durable sink.",
	})

	DroppedSubscribersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskbridge_dropped_subscribers_total",
		Help: "Total number of subscribers dropped for falling behind.",
	})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskbridge_ws_connections_active",
		Help: "Number of active WebSocket connections.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskbridge_ws_messages_total",
		Help: "Total number of WebSocket messages sent.",
	})
)
