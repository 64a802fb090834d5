// Package metrics exposes Prometheus collectors for the tax-record crawler.
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
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchDurationSeconds       prometheus.Histogram
	resultsTotal               *prometheus.CounterVec
	checkpointFlushesTotal     *prometheus.CounterVec
	checkpointFlushSeconds     prometheus.Histogram
	publishTotal               *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaySeconds      prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taxcrawler_fetch_attempts_total",
				Help: "Fetch attempts, labeled by outcome (success, retry, failed, cancelled).",
			},
			[]string{"outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taxcrawler_fetch_duration_seconds",
				Help:    "Histogram of record fetch latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		resultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taxcrawler_results_total",
				Help: "Terminal results, labeled by status and error kind.",
			},
			[]string{"status", "kind"},
		)

		checkpointFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taxcrawler_checkpoint_flushes_total",
				Help: "Checkpoint flushes, labeled by result (ok, error).",
			},
			[]string{"result"},
		)

		checkpointFlushSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taxcrawler_checkpoint_flush_seconds",
				Help:    "Histogram of checkpoint flush durations.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		)

		publishTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taxcrawler_publish_total",
				Help: "Result events published, labeled by result (ok, error).",
			},
			[]string{"result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "taxcrawler_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taxcrawler_rate_limit_delay_seconds",
				Help:    "Histogram of rate limiter wait durations.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt and its latency.
func ObserveFetch(outcome string, duration time.Duration) {
	Init()
	fetchAttemptsTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		fetchDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveResult counts a terminal result.
func ObserveResult(status, kind string) {
	Init()
	if kind == "" {
		kind = "none"
	}
	resultsTotal.WithLabelValues(status, kind).Inc()
}

// ObserveFlush records a checkpoint flush.
func ObserveFlush(err error, duration time.Duration) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	checkpointFlushesTotal.WithLabelValues(result).Inc()
	checkpointFlushSeconds.Observe(duration.Seconds())
}

// ObservePublish counts a published result event.
func ObservePublish(err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	publishTotal.WithLabelValues(result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
