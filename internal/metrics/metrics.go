// Package metrics exposes Prometheus collectors for the tracker service.
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

// Rate-limit decision outcomes.
const (
	DecisionAdmitted   = "admitted"
	DecisionRejected   = "rejected"
	DecisionFailedOpen = "failed_open"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	trackerBeaconsTotal        *prometheus.CounterVec
	bufferAppendFailuresTotal  prometheus.Counter
	rateLimitDecisionsTotal    *prometheus.CounterVec
	processorCyclesTotal       *prometheus.CounterVec
	processorEventsTotal       *prometheus.CounterVec
	processorFailuresTotal     *prometheus.CounterVec
	processorCycleSeconds      prometheus.Histogram
	processorActive            prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		trackerBeaconsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_beacons_total",
				Help: "Tracker beacons received, labeled by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		)

		bufferAppendFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tracker_buffer_append_failures_total",
				Help: "Events dropped because the buffer store rejected the append.",
			},
		)

		rateLimitDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_decisions_total",
				Help: "Rate-limit decisions, labeled by policy and decision.",
			},
			[]string{"policy", "decision"},
		)

		processorCyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "processor_cycles_total",
				Help: "Drain cycles, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		processorEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "processor_events_total",
				Help: "Buffered events consumed by the processor, labeled by result.",
			},
			[]string{"result"},
		)

		processorFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "processor_failures_total",
				Help: "Isolated processor failures, labeled by stage.",
			},
			[]string{"stage"},
		)

		processorCycleSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "processor_cycle_duration_seconds",
				Help:    "Histogram of drain cycle durations.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
		)

		processorActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "processor_active",
				Help: "1 while a drain cycle is running.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveBeacon counts a tracker beacon for endpoint with the given outcome.
func ObserveBeacon(endpoint, outcome string) {
	trackerBeaconsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// IncBufferAppendFailure counts a dropped event.
func IncBufferAppendFailure() {
	bufferAppendFailuresTotal.Inc()
}

// ObserveRateLimit records a limiter decision.
func ObserveRateLimit(policy, decision string) {
	rateLimitDecisionsTotal.WithLabelValues(policy, decision).Inc()
}

// ObserveCycle records a finished drain cycle.
func ObserveCycle(outcome string, duration time.Duration) {
	processorCyclesTotal.WithLabelValues(outcome).Inc()
	processorCycleSeconds.Observe(duration.Seconds())
}

// AddProcessedEvents adds processed and skipped event counts.
func AddProcessedEvents(processed, skipped int) {
	if processed > 0 {
		processorEventsTotal.WithLabelValues("processed").Add(float64(processed))
	}
	if skipped > 0 {
		processorEventsTotal.WithLabelValues("skipped").Add(float64(skipped))
	}
}

// IncProcessorFailure counts an isolated failure at stage (insert, analytics, site).
func IncProcessorFailure(stage string) {
	processorFailuresTotal.WithLabelValues(stage).Inc()
}

// SetProcessorActive flips the active gauge.
func SetProcessorActive(active bool) {
	if active {
		processorActive.Set(1)
		return
	}
	processorActive.Set(0)
}
