// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ingestPagesParsedTotal       *prometheus.CounterVec
	ingestBytesTotal             *prometheus.CounterVec
	ingestCrawlRunsTotal         *prometheus.CounterVec
	ingestChunksTotal            prometheus.Counter
	ingestChunkerFallbackTotal   prometheus.Counter
	ingestJobsTotal              *prometheus.CounterVec
	ingestJobRetriesTotal        *prometheus.CounterVec
	ingestJobDurationSeconds     *prometheus.HistogramVec
	ingestActiveWorkers          prometheus.Gauge
	ingestRateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestPagesParsedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_pages_parsed_total",
				Help: "Total number of page parse outcomes, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		ingestBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_bytes_total",
				Help: "Total number of HTML bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		ingestCrawlRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_crawl_runs_total",
				Help: "Total number of finished crawl runs, labeled by final status.",
			},
			[]string{"status"},
		)

		ingestChunksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_chunks_total",
				Help: "Total number of chunks persisted.",
			},
		)

		ingestChunkerFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_chunker_fallback_total",
				Help: "Number of chunking windows that fell back to the paragraph splitter.",
			},
		)

		ingestJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_jobs_total",
				Help: "Total number of jobs processed, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		ingestJobRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_job_retries_total",
				Help: "Total number of job retries scheduled, labeled by kind.",
			},
			[]string{"kind"},
		)

		ingestJobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_job_duration_seconds",
				Help:    "Histogram of job handler durations, labeled by kind.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"kind"},
		)

		ingestActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		ingestRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route pattern and code.",
			},
			[]string{"method", "route", "code"},
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

// ObservePageParsed counts one page parse outcome (scraped, unchanged, failed, too_short).
func ObservePageParsed(site, outcome string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	ingestPagesParsedTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		ingestBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveCrawlRun counts a finished crawl run.
func ObserveCrawlRun(status string) {
	Init()
	ingestCrawlRunsTotal.WithLabelValues(status).Inc()
}

// ObserveChunks adds persisted chunks.
func ObserveChunks(n int) {
	Init()
	ingestChunksTotal.Add(float64(n))
}

// ObserveChunkerFallback counts one fallback to the paragraph splitter.
func ObserveChunkerFallback() {
	Init()
	ingestChunkerFallbackTotal.Inc()
}

// ObserveJob records a processed job.
func ObserveJob(kind, outcome string, duration time.Duration) {
	Init()
	ingestJobsTotal.WithLabelValues(kind, outcome).Inc()
	ingestJobDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveJobRetry counts a scheduled retry.
func ObserveJobRetry(kind string) {
	Init()
	ingestJobRetriesTotal.WithLabelValues(kind).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	ingestActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	ingestActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	ingestRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
