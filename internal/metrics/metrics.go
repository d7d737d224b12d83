package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flota_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flota_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	notificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flota_notifications_created_total",
			Help: "Notifications created by event and initial state",
		},
		[]string{"evento", "estado"},
	)

	notificationsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flota_notifications_suppressed_total",
			Help: "Notification requests suppressed by reason",
		},
		[]string{"reason"},
	)

	recipientOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flota_recipient_outcomes_total",
			Help: "Per-recipient dispatch outcomes by channel",
		},
		[]string{"canal", "outcome"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flota_dispatch_duration_seconds",
			Help:    "Duration of a full dispatch pass",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"scope"},
	)

	sendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flota_transport_send_seconds",
			Help:    "Latency of a single transport call",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"canal"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flota_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flota_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flota_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flota_db_connections_active",
			Help: "Acquired database connections",
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

// RecordNotificationCreated counts a persisted notification header.
func RecordNotificationCreated(evento, estado string) {
	notificationsCreated.WithLabelValues(evento, estado).Inc()
}

// RecordSuppressed counts a createAndSend call that ended suppressed.
func RecordSuppressed(reason string) {
	notificationsSuppressed.WithLabelValues(reason).Inc()
}

// RecordRecipientOutcome counts one recipient processed by the dispatcher.
func RecordRecipientOutcome(canal, outcome string) {
	recipientOutcomes.WithLabelValues(canal, outcome).Inc()
}

// RecordDispatch records the duration of a dispatch pass.
func RecordDispatch(scope string, d time.Duration) {
	dispatchDuration.WithLabelValues(scope).Observe(d.Seconds())
}

// RecordSendLatency records one transport call.
func RecordSendLatency(canal string, d time.Duration) {
	sendLatency.WithLabelValues(canal).Observe(d.Seconds())
}

// SetBreakerState exports a circuit breaker state.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// SetDBConnections sets acquired database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
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

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. The chi
// route pattern is used as the path label so ids do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
