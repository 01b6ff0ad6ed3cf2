// ============================================================================
// OCR Gateway Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose batch, provider and rate-limit metrics.
//
// Metric families:
//
//   1. Job counters (Counter):
//      - ocrgw_jobs_submitted_total
//      - ocrgw_jobs_completed_total{outcome}   outcome = ok | degraded | panic
//
//   2. Latency (Histogram):
//      - ocrgw_job_latency_seconds
//      - ocrgw_ratelimit_wait_seconds{resource}
//
//   3. Provider calls (Counter):
//      - ocrgw_provider_attempts_total{provider,result}  result = ok | <kind>
//      - ocrgw_provider_exhausted_total{provider}
//
//   4. State (Gauge):
//      - ocrgw_jobs_in_flight
//
// Example queries:
//
//   # degraded ratio
//   rate(ocrgw_jobs_completed_total{outcome="degraded"}[5m])
//     / rate(ocrgw_jobs_completed_total[5m])
//
//   # time spent blocked on the TTS quota
//   rate(ocrgw_ratelimit_wait_seconds_sum{resource="gemini-2.5-flash-preview-tts"}[5m])
//
// A nil *Collector is valid and records nothing, so components and tests can
// run without a registry.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus metric collector
type Collector struct {
	jobsSubmitted prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobLatency    prometheus.Histogram
	jobsInFlight  prometheus.Gauge

	providerAttempts  *prometheus.CounterVec
	providerExhausted *prometheus.CounterVec
	rateLimitWait     *prometheus.HistogramVec
}

// NewCollector creates the collector and registers it on prometheus.DefaultRegisterer.
func NewCollector() *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocrgw_jobs_submitted_total",
			Help: "Total number of jobs submitted to the dispatcher",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocrgw_jobs_completed_total",
			Help: "Total number of jobs finished, by outcome",
		}, []string{"outcome"}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ocrgw_job_latency_seconds",
			Help:    "End-to-end job processing latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ocrgw_jobs_in_flight",
			Help: "Current number of jobs being processed",
		}),
		providerAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocrgw_provider_attempts_total",
			Help: "External provider call attempts, by provider and result",
		}, []string{"provider", "result"}),
		providerExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocrgw_provider_exhausted_total",
			Help: "Calls that used up every key and retry for a provider",
		}, []string{"provider"}),
		rateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ocrgw_ratelimit_wait_seconds",
			Help:    "Time callers spent blocked by the per-resource rate limiter",
			Buckets: []float64{0, 0.5, 1, 5, 15, 30, 60},
		}, []string{"resource"}),
	}

	prometheus.MustRegister(c.jobsSubmitted)
	prometheus.MustRegister(c.jobsCompleted)
	prometheus.MustRegister(c.jobLatency)
	prometheus.MustRegister(c.jobsInFlight)
	prometheus.MustRegister(c.providerAttempts)
	prometheus.MustRegister(c.providerExhausted)
	prometheus.MustRegister(c.rateLimitWait)

	return c
}

// RecordSubmitted counts jobs handed to the worker pool.
func (c *Collector) RecordSubmitted(n int) {
	if c == nil {
		return
	}
	c.jobsSubmitted.Add(float64(n))
}

// RecordStarted marks a job as in flight.
func (c *Collector) RecordStarted() {
	if c == nil {
		return
	}
	c.jobsInFlight.Inc()
}

// RecordFinished takes a job out of flight and records its latency. It is
// called on the worker as soon as the job returns.
func (c *Collector) RecordFinished(latencySeconds float64) {
	if c == nil {
		return
	}
	c.jobsInFlight.Dec()
	c.jobLatency.Observe(latencySeconds)
}

// RecordCompleted counts a collected job by outcome.
func (c *Collector) RecordCompleted(outcome string) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(outcome).Inc()
}

// RecordAttempt records one provider call attempt.
func (c *Collector) RecordAttempt(providerName, result string) {
	if c == nil {
		return
	}
	c.providerAttempts.WithLabelValues(providerName, result).Inc()
}

// RecordExhausted records a call that ran out of keys and retries.
func (c *Collector) RecordExhausted(providerName string) {
	if c == nil {
		return
	}
	c.providerExhausted.WithLabelValues(providerName).Inc()
}

// RecordRateLimitWait records how long a caller was held by the limiter.
func (c *Collector) RecordRateLimitWait(resource string, seconds float64) {
	if c == nil {
		return
	}
	c.rateLimitWait.WithLabelValues(resource).Observe(seconds)
}

// NewRouter builds the ops router serving /metrics and /healthz.
func NewRouter(middlewares ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middlewares...)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// StartServer starts the Prometheus metrics HTTP server
//
// Parameters:
//   - port: HTTP server port
//   - middlewares: optional chi middlewares (request logging)
//
// Returns:
//   - error: error when the listener fails
func StartServer(port int, middlewares ...func(http.Handler) http.Handler) error {
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, NewRouter(middlewares...))
}
