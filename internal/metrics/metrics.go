// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal           *prometheus.CounterVec
	queuePending         prometheus.Gauge
	queueInFlight        prometheus.Gauge
	cacheSyncsTotal      *prometheus.CounterVec
	syncDurationSeconds  prometheus.Histogram
	changeSignalsTotal   *prometheus.CounterVec
	sessionsTotal        *prometheus.CounterVec
	renderDurationSecond prometheus.Histogram
	httpDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors on the default registry. Safe to call
// more than once. Observe helpers are no-ops before Init so isolated
// package tests do not need the registry.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_tasks_total",
				Help: "Total task executions, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		queuePending = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_queue_pending",
				Help: "Number of queued tasks awaiting dispatch.",
			},
		)

		queueInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_queue_in_flight",
				Help: "Number of tasks currently executing.",
			},
		)

		cacheSyncsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_cache_syncs_total",
				Help: "Total sync-cache resolutions, labeled by result.",
			},
			[]string{"result"},
		)

		syncDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_sync_fetch_duration_seconds",
				Help:    "Histogram of conditional fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		changeSignalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_change_signals_total",
				Help: "Total change signals appended, labeled by kind.",
			},
			[]string{"kind"},
		)

		sessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_sessions_total",
				Help: "Total crawl sessions, labeled by terminal status.",
			},
			[]string{"status"},
		)

		renderDurationSecond = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_render_duration_seconds",
				Help:    "Histogram of rendering-worker execution latencies.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45},
			},
		)

		httpDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_http_request_duration_seconds",
				Help:    "Histogram of API request latencies.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5},
			},
			[]string{"method", "route", "status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask increments the task counter for the given kind and outcome.
func ObserveTask(kind, outcome string) {
	if tasksTotal == nil {
		return
	}
	tasksTotal.WithLabelValues(kind, outcome).Inc()
}

// SetQueueDepth records the pending and in-flight gauges.
func SetQueueDepth(pending, inFlight int) {
	if queuePending == nil {
		return
	}
	queuePending.Set(float64(pending))
	queueInFlight.Set(float64(inFlight))
}

// ObserveSync increments the sync-cache resolution counter.
// result is one of cache_hit, not_modified, changed, unchanged, error.
func ObserveSync(result string) {
	if cacheSyncsTotal == nil {
		return
	}
	cacheSyncsTotal.WithLabelValues(result).Inc()
}

// ObserveSyncFetch records the duration of one conditional fetch.
func ObserveSyncFetch(duration time.Duration) {
	if syncDurationSeconds == nil {
		return
	}
	syncDurationSeconds.Observe(duration.Seconds())
}

// ObserveChangeSignal increments the change-signal counter.
func ObserveChangeSignal(kind string) {
	if changeSignalsTotal == nil {
		return
	}
	changeSignalsTotal.WithLabelValues(kind).Inc()
}

// ObserveSession increments the session counter for a terminal status.
func ObserveSession(status string) {
	if sessionsTotal == nil {
		return
	}
	sessionsTotal.WithLabelValues(status).Inc()
}

// ObserveRender records the duration of one rendering-worker execution.
func ObserveRender(duration time.Duration) {
	if renderDurationSecond == nil {
		return
	}
	renderDurationSecond.Observe(duration.Seconds())
}

// ObserveHTTPRequest records the duration of one API request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if httpDurationSeconds == nil {
		return
	}
	httpDurationSeconds.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}
