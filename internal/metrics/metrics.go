package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otpgate_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "otpgate_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otpgate_deliveries_total",
			Help: "Total delivery requests by final status and channel",
		},
		[]string{"status", "channel"},
	)

	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otpgate_delivery_attempts_total",
			Help: "Total provider attempts by provider, channel, and status",
		},
		[]string{"provider", "channel", "status"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "otpgate_delivery_duration_seconds",
			Help:    "Time from request to terminal status",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)

	providerHealthState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "otpgate_provider_health_state",
			Help: "Provider health: 0 healthy, 1 degraded, 2 down",
		},
		[]string{"provider", "channel"},
	)

	activeAlerts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "otpgate_active_alerts",
			Help: "Currently open alerts by severity",
		},
		[]string{"severity"},
	)

	connectivityTests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otpgate_connectivity_tests_total",
			Help: "On-demand connectivity tests by channel and result",
		},
		[]string{"channel", "result"},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "otpgate_rate_limit_rejections_total",
			Help: "OTP requests rejected by the per-destination rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDelivery records the terminal status of one delivery request
func RecordDelivery(status, channel string) {
	deliveriesTotal.WithLabelValues(status, channel).Inc()
}

// RecordAttempt records one provider attempt outcome
func RecordAttempt(provider, channel, status string) {
	attemptsTotal.WithLabelValues(provider, channel, status).Inc()
}

// RecordDeliveryDuration records end-to-end delivery time
func RecordDeliveryDuration(channel string, elapsed time.Duration) {
	deliveryDuration.WithLabelValues(channel).Observe(elapsed.Seconds())
}

// SetProviderHealth sets the health gauge for a provider
func SetProviderHealth(provider, channel string, state int) {
	providerHealthState.WithLabelValues(provider, channel).Set(float64(state))
}

// SetActiveAlerts sets the open-alert gauge for a severity
func SetActiveAlerts(severity string, count int) {
	activeAlerts.WithLabelValues(severity).Set(float64(count))
}

// RecordConnectivityTest records an on-demand connectivity check
func RecordConnectivityTest(channel, result string) {
	connectivityTests.WithLabelValues(channel, result).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
