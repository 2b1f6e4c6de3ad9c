package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sbtransport"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served by the admin surface.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	operationAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "attempts_total",
			Help:      "Operation attempts against the broker by outcome.",
		},
		[]string{"op", "result"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "duration_seconds",
			Help:      "Single attempt duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "result"},
	)
	operationRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "retries_total",
			Help:      "Retries scheduled after a failed attempt.",
		},
		[]string{"op"},
	)
	linkOpens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "opens_total",
			Help:      "Link open attempts by link kind and outcome.",
		},
		[]string{"link", "success"},
	)
	tokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "refresh_total",
			Help:      "Credential provider calls by outcome.",
		},
		[]string{"result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			operationAttempts,
			operationDuration,
			operationRetries,
			linkOpens,
			tokenRefreshes,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordAttempt counts one operation attempt. result is "success" or an
// error kind name.
func RecordAttempt(op, result string, duration time.Duration) {
	RegisterMetrics()
	operationAttempts.WithLabelValues(op, result).Inc()
	operationDuration.WithLabelValues(op, result).Observe(duration.Seconds())
}

func RecordRetry(op string) {
	RegisterMetrics()
	operationRetries.WithLabelValues(op).Inc()
}

func RecordLinkOpen(link string, success bool) {
	RegisterMetrics()
	linkOpens.WithLabelValues(link, strconv.FormatBool(success)).Inc()
}

func RecordTokenRefresh(result string) {
	RegisterMetrics()
	tokenRefreshes.WithLabelValues(result).Inc()
}
