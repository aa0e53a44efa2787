package telemetry

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Metrics holds the Prometheus collectors exposed on /metrics.
type Metrics struct {
	commandsTotal   *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
	commandErrors   *prometheus.CounterVec
	deliveriesTotal *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	configReloads   *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_commands_total",
				Help: "Command lifecycle events by command and status",
			},
			[]string{"command", "status"},
		),

		commandLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_command_duration_seconds",
				Help:    "Command execution latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),

		commandErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_command_errors_total",
				Help: "Failed commands by error code",
			},
			[]string{"command", "code"},
		),

		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_event_deliveries_total",
				Help: "Event handler deliveries by event type and status",
			},
			[]string{"event_type", "status"},
		),

		handlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_handler_failures_total",
				Help: "Handlers that failed permanently after retries",
			},
			[]string{"event_type", "subscriber"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_config_reloads_total",
				Help: "Configuration reload attempts by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.commandsTotal,
		m.commandLatency,
		m.commandErrors,
		m.deliveriesTotal,
		m.handlerFailures,
		m.configReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordCommand records one lifecycle transition of a command.
func (m *Metrics) RecordCommand(command, status string, duration time.Duration) {
	m.commandsTotal.WithLabelValues(command, status).Inc()
	if duration > 0 {
		m.commandLatency.WithLabelValues(command).Observe(duration.Seconds())
	}
}

// RecordCommandError records a failed command by code.
func (m *Metrics) RecordCommandError(command, code string) {
	m.commandErrors.WithLabelValues(command, code).Inc()
}

// RecordDelivery records a handler delivery outcome.
func (m *Metrics) RecordDelivery(eventType string, failed bool) {
	status := "delivered"
	if failed {
		status = "failed"
	}
	m.deliveriesTotal.WithLabelValues(eventType, status).Inc()
}

// RecordHandlerFailure records a handler that exhausted its retries.
func (m *Metrics) RecordHandlerFailure(eventType, subscriber string) {
	m.handlerFailures.WithLabelValues(eventType, subscriber).Inc()
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry, traced and measured.
func (m *Metrics) Handler() http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return otelhttp.NewHandler(m.MetricsMiddleware(h), "dispatch.metrics")
}

// MetricsMiddleware creates HTTP middleware that records request metrics
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, getEndpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}

func getEndpointName(path string) string {
	switch path {
	case "/healthz":
		return "health"
	case "/metrics":
		return "metrics"
	default:
		return "unknown"
	}
}
