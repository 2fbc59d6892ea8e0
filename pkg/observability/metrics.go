// Package observability exposes Prometheus metrics and health probes for
// the sync agent.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Remote API metrics
	remoteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborlog_remote_requests_total",
			Help: "Total number of remote API requests",
		},
		[]string{"endpoint", "status"},
	)

	remoteRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborlog_remote_request_duration_seconds",
			Help:    "Remote API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Sync metrics
	syncSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborlog_sync_sessions_total",
			Help: "Total number of sessions transferred by sync cycles",
		},
		[]string{"direction"},
	)

	syncConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborlog_sync_conflicts_total",
			Help: "Total number of sync conflicts detected",
		},
	)

	syncErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborlog_sync_errors_total",
			Help: "Total number of per-item sync errors",
		},
	)

	syncCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harborlog_sync_cycle_duration_seconds",
			Help:    "Sync cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	lastSyncTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborlog_last_sync_timestamp_seconds",
			Help: "Unix timestamp of the last completed sync cycle",
		},
	)

	// Telemetry queue metrics
	eventsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborlog_events_sent_total",
			Help: "Total number of telemetry events delivered",
		},
	)

	eventsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborlog_events_failed_total",
			Help: "Total number of telemetry events dropped after retry exhaustion",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborlog_queue_depth",
			Help: "Current number of events in the telemetry queue",
		},
	)

	connectivityHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborlog_connectivity_healthy",
			Help: "Whether the last delivery attempt succeeded (1) or failed (0)",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the agent's Prometheus metrics.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			remoteRequestsTotal,
			remoteRequestDuration,
			syncSessionsTotal,
			syncConflictsTotal,
			syncErrorsTotal,
			syncCycleDuration,
			lastSyncTimestamp,
			eventsSentTotal,
			eventsFailedTotal,
			queueDepth,
			connectivityHealthy,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordRemoteRequest records one remote API call.
func RecordRemoteRequest(endpoint, status string, duration time.Duration) {
	remoteRequestsTotal.WithLabelValues(endpoint, status).Inc()
	remoteRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordSyncCycle records the outcome of one sync cycle.
func RecordSyncCycle(uploaded, downloaded, conflicts, errors int, duration time.Duration) {
	syncSessionsTotal.WithLabelValues("upload").Add(float64(uploaded))
	syncSessionsTotal.WithLabelValues("download").Add(float64(downloaded))
	syncConflictsTotal.Add(float64(conflicts))
	syncErrorsTotal.Add(float64(errors))
	syncCycleDuration.Observe(duration.Seconds())
	lastSyncTimestamp.SetToCurrentTime()
}

// RecordEventsSent counts delivered telemetry events.
func RecordEventsSent(n int) {
	eventsSentTotal.Add(float64(n))
}

// RecordEventsFailed counts events dropped after retry exhaustion.
func RecordEventsFailed(n int) {
	eventsFailedTotal.Add(float64(n))
}

// SetQueueDepth sets the telemetry queue depth gauge.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetConnectivityHealthy flips the connectivity gauge.
func SetConnectivityHealthy(healthy bool) {
	if healthy {
		connectivityHealthy.Set(1)
	} else {
		connectivityHealthy.Set(0)
	}
}
