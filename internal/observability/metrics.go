// Package observability provides Prometheus metrics and health endpoints for
// the bot.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Phyxie API metrics
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phyxie_api_requests_total",
			Help: "Total number of Phyxie API requests",
		},
		[]string{"endpoint", "outcome"},
	)

	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "phyxie_api_request_duration_seconds",
			Help:    "Phyxie API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	apiRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phyxie_api_retries_total",
			Help: "Total number of Phyxie API retry attempts",
		},
		[]string{"endpoint"},
	)

	// Telegram update metrics
	updatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phyxie_bot_updates_total",
			Help: "Total number of Telegram updates handled",
		},
		[]string{"kind", "outcome"},
	)

	updateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "phyxie_bot_update_duration_seconds",
			Help:    "Telegram update handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Session metrics
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phyxie_bot_active_sessions",
			Help: "Number of live conversation sessions",
		},
	)

	sessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "phyxie_bot_sessions_expired_total",
			Help: "Total number of sessions removed by the idle-expiry sweep",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			apiRequestsTotal,
			apiRequestDuration,
			apiRetriesTotal,
			updatesTotal,
			updateDuration,
			activeSessions,
			sessionsExpiredTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordAPIRequest records a Phyxie API call outcome
func RecordAPIRequest(endpoint, outcome string, duration time.Duration) {
	apiRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	apiRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordRetry records a retry attempt against the Phyxie API
func RecordRetry(endpoint string) {
	apiRetriesTotal.WithLabelValues(endpoint).Inc()
}

// RecordUpdate records a handled Telegram update
func RecordUpdate(kind, outcome string, duration time.Duration) {
	updatesTotal.WithLabelValues(kind, outcome).Inc()
	updateDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetActiveSessions sets the active sessions gauge
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// RecordExpiredSessions counts sessions removed by the expiry sweep
func RecordExpiredSessions(count int) {
	sessionsExpiredTotal.Add(float64(count))
}
