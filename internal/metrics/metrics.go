// Package metrics holds the Prometheus collectors for ingestion runs and the
// HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Record outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryptoetl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cryptoetl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	etlRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryptoetl",
			Subsystem: "etl",
			Name:      "runs_total",
			Help:      "Total number of ingestion runs by final status.",
		},
		[]string{"status"},
	)

	etlDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cryptoetl",
			Subsystem: "etl",
			Name:      "run_duration_seconds",
			Help:      "Duration of ingestion runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"status"},
	)

	etlRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryptoetl",
			Subsystem: "etl",
			Name:      "records_total",
			Help:      "Fetched records by source and validation outcome.",
		},
		[]string{"source", "outcome"},
	)

	etlFetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryptoetl",
			Subsystem: "etl",
			Name:      "fetch_failures_total",
			Help:      "Source fetches that failed, by error type.",
		},
		[]string{"source", "type"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		etlRuns,
		etlDuration,
		etlRecords,
		etlFetchFailures,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per route template.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		if path == "/metrics" {
			return
		}
		method := c.Request.Method
		httpRequests.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordRun records a finished ingestion run.
func RecordRun(status string, duration time.Duration) {
	etlRuns.WithLabelValues(status).Inc()
	etlDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRecords adds n records from source with the given outcome.
func RecordRecords(source, outcome string, n int) {
	if n <= 0 {
		return
	}
	etlRecords.WithLabelValues(source, outcome).Add(float64(n))
}

// RecordFetchFailure counts a failed fetch from source.
func RecordFetchFailure(source, errType string) {
	etlFetchFailures.WithLabelValues(source, errType).Inc()
}
