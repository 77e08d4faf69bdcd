// Package metrics exposes Prometheus collectors for the jobtrack service.
package metrics

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

var (
	pipelineResultsTotal       *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	fetchTotal                 *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	extractionTotal            *prometheus.CounterVec
	storeUpsertsTotal          *prometheus.CounterVec
	activeRenders              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pipelineResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobtrack_pipeline_results_total",
				Help: "Total number of postings processed, labeled by final state and failure reason.",
			},
			[]string{"state", "reason"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobtrack_stage_duration_seconds",
				Help:    "Histogram of time spent in each pipeline stage.",
				Buckets: []float64{0.01, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		)

		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobtrack_fetch_total",
				Help: "Total number of content fetches, labeled by final strategy and status.",
			},
			[]string{"strategy", "status"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobtrack_fetch_duration_seconds",
				Help:    "Histogram of content fetch latencies, labeled by final strategy.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"strategy"},
		)

		extractionTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobtrack_extraction_total",
				Help: "Total number of extractions, labeled by confidence.",
			},
			[]string{"confidence"},
		)

		storeUpsertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobtrack_store_upserts_total",
				Help: "Total number of record upserts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeRenders = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobtrack_active_renders",
				Help: "Number of headless browser sessions currently open.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobtrack_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
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

// ObserveRateLimitDelay records the duration of a rate limit wait. It matches
// ratelimit.DelayObserver.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(SanitizeSite(domain)).Observe(duration.Seconds())
}

// Recorder adapts the package collectors to the observer interfaces of the
// pipeline, fetcher, extractor, store and headless renderer.
type Recorder struct{}

// NewRecorder initializes the collectors and returns a Recorder.
func NewRecorder() Recorder {
	Init()
	return Recorder{}
}

// ObserveStage records time spent in a pipeline stage.
func (Recorder) ObserveStage(stage pipeline.State, d time.Duration) {
	stageDurationSeconds.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// ObserveResult counts a finished posting.
func (Recorder) ObserveResult(result pipeline.Result) {
	pipelineResultsTotal.WithLabelValues(string(result.State), string(result.Reason)).Inc()
}

// ObserveFetch counts a finished fetch.
func (Recorder) ObserveFetch(strategy pipeline.Strategy, status pipeline.FetchStatus, _ int, d time.Duration) {
	fetchTotal.WithLabelValues(string(strategy), string(status)).Inc()
	fetchDurationSeconds.WithLabelValues(string(strategy)).Observe(d.Seconds())
}

// ObserveExtraction counts an extraction by confidence.
func (Recorder) ObserveExtraction(confidence pipeline.Confidence) {
	extractionTotal.WithLabelValues(string(confidence)).Inc()
}

// ObserveUpsert counts an upsert by outcome; failures are labeled by reason.
func (Recorder) ObserveUpsert(outcome pipeline.Outcome, err error) {
	label := string(outcome)
	if err != nil {
		label = "error_" + string(pipeline.ReasonFor(err))
		if errors.Is(err, pipeline.ErrStoreConflict) {
			label = "conflict"
		}
	}
	storeUpsertsTotal.WithLabelValues(label).Inc()
}

// Inc marks a browser session as opened.
func (Recorder) Inc() {
	activeRenders.Inc()
}

// Dec marks a browser session as closed.
func (Recorder) Dec() {
	activeRenders.Dec()
}
