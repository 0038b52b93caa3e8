// Package telemetry exposes Prometheus collectors for the extraction service.
package telemetry

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
	jobsTotal                  *prometheus.CounterVec
	activeExtractions          prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDenialsTotal      *prometheus.CounterVec
	proxyProbesTotal           *prometheus.CounterVec
	proxyCandidates            prometheus.Gauge
	extractionDurationSeconds  *prometheus.HistogramVec
	sweepDeletionsTotal        prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grabtune_jobs_total",
				Help: "Total number of extraction jobs processed, labeled by final status.",
			},
			[]string{"status"},
		)

		activeExtractions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "grabtune_active_extractions",
				Help: "Number of extractions currently running.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60, 180},
			},
			[]string{"method", "route"},
		)

		rateLimitDenialsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grabtune_rate_limit_denials_total",
				Help: "Total sliding-window rate limit denials, labeled by endpoint class.",
			},
			[]string{"class"},
		)

		proxyProbesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grabtune_proxy_probes_total",
				Help: "Total proxy reachability probes, labeled by result.",
			},
			[]string{"result"},
		)

		proxyCandidates = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "grabtune_proxy_candidates",
				Help: "Candidate proxies in the current pool snapshot.",
			},
		)

		extractionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grabtune_extraction_duration_seconds",
				Help:    "Histogram of end-to-end extraction durations, labeled by outcome.",
				Buckets: []float64{5, 10, 20, 40, 80, 160, 320},
			},
			[]string{"outcome"},
		)

		sweepDeletionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "grabtune_sweep_deletions_total",
				Help: "Jobs deleted by the cleanup sweeper.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given final status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveExtractions increments the in-flight extraction gauge.
func IncActiveExtractions() {
	activeExtractions.Inc()
}

// DecActiveExtractions decrements the in-flight extraction gauge.
func DecActiveExtractions() {
	activeExtractions.Dec()
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDenial counts one denial for an endpoint class.
func ObserveRateLimitDenial(class string) {
	rateLimitDenialsTotal.WithLabelValues(class).Inc()
}

// ObserveProxyProbe counts one probe result ("alive" or "dead").
func ObserveProxyProbe(result string) {
	proxyProbesTotal.WithLabelValues(result).Inc()
}

// SetProxyCandidates records the current pool size.
func SetProxyCandidates(n int) {
	proxyCandidates.Set(float64(n))
}

// ObserveExtraction records one end-to-end extraction duration.
func ObserveExtraction(outcome string, duration time.Duration) {
	extractionDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveSweepDeletions counts jobs removed by a sweep pass.
func ObserveSweepDeletions(n int) {
	sweepDeletionsTotal.Add(float64(n))
}
