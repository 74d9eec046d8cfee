// Package metrics exposes Prometheus collectors for the topic crawler.
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
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerClaimsTotal            prometheus.Counter
	crawlerClaimConflictsTotal    prometheus.Counter
	crawlerStaleCompletionsTotal  prometheus.Counter
	crawlerRecoveryRequeuesTotal  *prometheus.CounterVec
	crawlerClassifierErrorsTotal  prometheus.Counter
	crawlerRunsTotal              *prometheus.CounterVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerRobotsFallbacksTotal   prometheus.Counter
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Pages processed, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerClaimsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_claims_total",
				Help: "Records moved from queued to processing.",
			},
		)

		crawlerClaimConflictsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_claim_conflicts_total",
				Help: "Claim attempts lost to another worker.",
			},
		)

		crawlerStaleCompletionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_stale_completions_total",
				Help: "Completions discarded because the record was no longer processing.",
			},
		)

		crawlerRecoveryRequeuesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_recovery_requeues_total",
				Help: "Records returned to queued by recovery, labeled by kind (stale or replay).",
			},
			[]string{"kind"},
		)

		crawlerClassifierErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_classifier_errors_total",
				Help: "Classifier failures that fell back to the default topic.",
			},
		)

		crawlerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_runs_total",
				Help: "Crawl runs finished, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a record.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		crawlerRobotsFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_robots_fallbacks_total",
				Help: "robots.txt probes answered with allow-all after repeated TLS or timeout failures.",
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

// SanitizeSite extracts a lowercase hostname from a URL.
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
	Init()
	return promhttp.Handler()
}

// ObservePage records the outcome of one processed record.
func ObservePage(site, outcome string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveClaim counts a successful claim.
func ObserveClaim() {
	Init()
	crawlerClaimsTotal.Inc()
}

// ObserveClaimConflict counts a claim lost to another worker.
func ObserveClaimConflict() {
	Init()
	crawlerClaimConflictsTotal.Inc()
}

// ObserveStaleCompletion counts a completion that lost its compare-and-set.
func ObserveStaleCompletion() {
	Init()
	crawlerStaleCompletionsTotal.Inc()
}

// ObserveRecoveryRequeue counts records recovery put back in the queue.
func ObserveRecoveryRequeue(kind string, n int) {
	Init()
	if n > 0 {
		crawlerRecoveryRequeuesTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveClassifierError counts a classifier fallback.
func ObserveClassifierError() {
	Init()
	crawlerClassifierErrorsTotal.Inc()
}

// ObserveRun counts a finished run.
func ObserveRun(status string) {
	Init()
	crawlerRunsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback() {
	Init()
	crawlerRobotsFallbacksTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
