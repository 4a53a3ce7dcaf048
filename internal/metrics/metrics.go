// Package metrics exposes Prometheus collectors for the submission
// pipeline. Record helpers are nil-guarded so callers never need to know
// whether metrics are enabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the registry and collectors.
type Metrics struct {
	registry *prometheus.Registry

	submissionsTotal *prometheus.CounterVec
	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	activeRuns       prometheus.Gauge
	uptime           prometheus.GaugeFunc
}

// Run duration buckets in milliseconds; container runs dominate, so the
// range tops out past the outer timeout.
var defaultBuckets = []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 15000, 30000, 60000}

var (
	global    *Metrics
	startTime time.Time
)

// Init initializes the metrics subsystem.
func Init(namespace string) {
	startTime = time.Now()

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		submissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Total PoC submissions by mode and outcome",
			},
			[]string{"mode", "status"},
		),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "container_runs_total",
				Help:      "Total sandbox container runs by mode and result",
			},
			[]string{"mode", "result"},
		),

		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "container_run_duration_milliseconds",
				Help:      "Duration of sandbox container runs in milliseconds",
				Buckets:   defaultBuckets,
			},
			[]string{"mode"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_container_runs",
				Help:      "Number of sandbox containers currently running",
			},
		),
	}

	m.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the server started",
		},
		func() float64 {
			return time.Since(startTime).Seconds()
		},
	)

	registry.MustRegister(
		m.submissionsTotal,
		m.runsTotal,
		m.runDuration,
		m.activeRuns,
		m.uptime,
	)

	global = m
}

// RecordSubmission records one submission attempt.
func RecordSubmission(mode, status string) {
	if global == nil {
		return
	}
	global.submissionsTotal.WithLabelValues(mode, status).Inc()
}

// RecordRun records one completed container run.
func RecordRun(mode, result string, durationMs int64) {
	if global == nil {
		return
	}
	global.runsTotal.WithLabelValues(mode, result).Inc()
	global.runDuration.WithLabelValues(mode).Observe(float64(durationMs))
}

// IncActiveRuns increments the in-flight container gauge.
func IncActiveRuns() {
	if global == nil {
		return
	}
	global.activeRuns.Inc()
}

// DecActiveRuns decrements the in-flight container gauge.
func DecActiveRuns() {
	if global == nil {
		return
	}
	global.activeRuns.Dec()
}

// Handler returns the HTTP handler for scraping.
func Handler() http.Handler {
	if global == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(global.registry, promhttp.HandlerOpts{})
}
