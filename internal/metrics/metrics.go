// Package metrics exposes Prometheus collectors for the spider.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	spiderAdsTotal               *prometheus.CounterVec
	spiderTasksTotal             *prometheus.CounterVec
	spiderTaskDurationSeconds    *prometheus.HistogramVec
	spiderActiveTasks            prometheus.Gauge
	spiderQueryThrottleSeconds   *prometheus.HistogramVec
	spiderBatchesTotal           *prometheus.CounterVec
	spiderSinkDocumentsTotal     *prometheus.CounterVec
	spiderSinkWriteSeconds       *prometheus.HistogramVec
	spiderCheckpointCommitsTotal *prometheus.CounterVec
	spiderTaskRetriesTotal       prometheus.Counter
	spiderRunDurationSeconds     *prometheus.HistogramVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		spiderAdsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_ads_total",
				Help: "Raw ads processed, labeled by phase and outcome (converted, dropped, error).",
			},
			[]string{"phase", "outcome"},
		)

		spiderTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_tasks_total",
				Help: "Source crawl tasks finished, labeled by phase and status.",
			},
			[]string{"phase", "status"},
		)

		spiderTaskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spider_task_duration_seconds",
				Help:    "Histogram of source crawl task durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"phase"},
		)

		spiderActiveTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "spider_active_tasks",
				Help: "Number of crawl tasks currently running.",
			},
		)

		spiderQueryThrottleSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spider_query_throttle_seconds",
				Help:    "Histogram of rate limit waits before querying a source host.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		spiderBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_batches_total",
				Help: "Batches submitted to sinks, labeled by sink and outcome.",
			},
			[]string{"sink", "outcome"},
		)

		spiderSinkDocumentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_sink_documents_total",
				Help: "Documents written to sinks, labeled by sink and result (accepted, rejected).",
			},
			[]string{"sink", "result"},
		)

		spiderSinkWriteSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spider_sink_write_seconds",
				Help:    "Histogram of bulk write latencies per sink.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"sink"},
		)

		spiderCheckpointCommitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_checkpoint_commits_total",
				Help: "Checkpoint commits, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		spiderTaskRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spider_task_retries_total",
				Help: "Distributed crawl tasks re-enqueued after a temporary failure.",
			},
		)

		spiderRunDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spider_run_duration_seconds",
				Help:    "Histogram of pipeline pass durations, labeled by phase and completeness.",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"phase", "complete"},
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

// SanitizeHost extracts a lowercase hostname from a URL or host:port.
// It returns "unknown" if the input is invalid.
func SanitizeHost(rawURL string) string {
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

// ObserveAd counts one raw ad by outcome.
func ObserveAd(phase, outcome string) {
	Init()
	spiderAdsTotal.WithLabelValues(phase, outcome).Inc()
}

// ObserveTask records a finished crawl task.
func ObserveTask(phase, status string, duration time.Duration) {
	Init()
	spiderTasksTotal.WithLabelValues(phase, status).Inc()
	spiderTaskDurationSeconds.WithLabelValues(phase).Observe(duration.Seconds())
}

// IncActiveTasks increments the active tasks gauge.
func IncActiveTasks() {
	Init()
	spiderActiveTasks.Inc()
}

// DecActiveTasks decrements the active tasks gauge.
func DecActiveTasks() {
	Init()
	spiderActiveTasks.Dec()
}

// ObserveQueryThrottle records the duration of a rate limit wait.
func ObserveQueryThrottle(host string, duration time.Duration) {
	Init()
	spiderQueryThrottleSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveSinkWrite records one bulk write.
func ObserveSinkWrite(sink string, accepted, rejected int, failed bool, duration time.Duration) {
	Init()
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	spiderBatchesTotal.WithLabelValues(sink, outcome).Inc()
	spiderSinkDocumentsTotal.WithLabelValues(sink, "accepted").Add(float64(accepted))
	spiderSinkDocumentsTotal.WithLabelValues(sink, "rejected").Add(float64(rejected))
	spiderSinkWriteSeconds.WithLabelValues(sink).Observe(duration.Seconds())
}

// ObserveCheckpointCommit counts a checkpoint commit attempt.
func ObserveCheckpointCommit(err error) {
	Init()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	spiderCheckpointCommitsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTaskRetry counts a re-enqueued distributed task.
func ObserveTaskRetry() {
	Init()
	spiderTaskRetriesTotal.Inc()
}

// ObserveRun records one finished phase of a pipeline pass.
func ObserveRun(phase string, complete bool, duration time.Duration) {
	Init()
	spiderRunDurationSeconds.WithLabelValues(phase, strconv.FormatBool(complete)).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
