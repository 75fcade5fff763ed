package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NotificationsTotal counts webhook calls by gate outcome.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_notifications_total",
			Help: "Push notifications handled, by outcome",
		},
		[]string{"outcome"},
	)

	CompletionCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_completion_call_latency_ms",
			Help:    "Completion API call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"call", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation"},
	)

	SlowQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_db_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"operation"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	WatchRenewalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_watch_renewals_total",
			Help: "Push subscription renewals, by status",
		},
		[]string{"status"}, // success, failed
	)

	ForwardTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_forwards_total",
			Help: "Enriched records forwarded to the backend, by status",
		},
		[]string{"status"}, // success, failed, dead_lettered
	)
)

func IncrementNotification(outcome string) {
	NotificationsTotal.WithLabelValues(outcome).Inc()
}

func RecordCompletionCallLatency(call, status string, duration time.Duration) {
	CompletionCallLatency.WithLabelValues(call, status).Observe(float64(duration.Milliseconds()))
}

func RecordDBQueryDuration(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func IncrementSlowQuery(operation string) {
	SlowQueryTotal.WithLabelValues(operation).Inc()
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func IncrementWatchRenewal(status string) {
	WatchRenewalTotal.WithLabelValues(status).Inc()
}

func IncrementForward(status string) {
	ForwardTotal.WithLabelValues(status).Inc()
}
