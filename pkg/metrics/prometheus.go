package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Call Metrics
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callsDuration    *prometheus.HistogramVec
	callsFailedTotal *prometheus.CounterVec

	// Signalling Metrics
	signalFailuresTotal *prometheus.CounterVec
	mediaTokensTotal    *prometheus.CounterVec

	// Cassandra Metrics
	cassandraQueryTotal    *prometheus.CounterVec
	cassandraQueryDuration *prometheus.HistogramVec

	// Push Notification Metrics
	pushNotificationsTotal  *prometheus.CounterVec
	pushNotificationsFailed *prometheus.CounterVec

	// Rate Limiting Metrics
	rateLimitHitsTotal    *prometheus.CounterVec
	rateLimitBlockedTotal *prometheus.CounterVec
}

// NewMetrics creates all metrics on a registry of their own
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,

		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		websocketConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of open call event websocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of websocket messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of websocket errors",
				ConstLabels: labels,
			},
			[]string{"error"},
		),

		callsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Call lifecycle transitions by call type and resulting status",
				ConstLabels: labels,
			},
			[]string{"call_type", "status"},
		),
		callsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Calls initiated by this instance that have not reached a terminal status",
				ConstLabels: labels,
			},
		),
		callsDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Duration of finished calls in seconds",
				ConstLabels: labels,
				Buckets:     []float64{0, 10, 30, 60, 300, 600, 1800, 3600},
			},
			[]string{"call_type"},
		),
		callsFailedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Call operations that failed",
				ConstLabels: labels,
			},
			[]string{"call_type", "reason"},
		),

		signalFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_signal_failures_total",
				Help:        "Call events that could not be published",
				ConstLabels: labels,
			},
			[]string{"event"},
		),
		mediaTokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "media_tokens_issued_total",
				Help:        "Media access tokens issued",
				ConstLabels: labels,
			},
			[]string{"role"},
		),

		cassandraQueryTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "cassandra_query_total",
				Help:        "Total number of Cassandra queries executed",
				ConstLabels: labels,
			},
			[]string{"operation", "table", "status"},
		),
		cassandraQueryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "cassandra_query_duration_seconds",
				Help:        "Cassandra query latency in seconds",
				ConstLabels: labels,
				Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"operation", "table"},
		),

		pushNotificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of push notifications sent",
				ConstLabels: labels,
			},
			[]string{"type", "platform"},
		),
		pushNotificationsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_failed_total",
				Help:        "Total number of failed push notifications",
				ConstLabels: labels,
			},
			[]string{"type", "platform", "reason"},
		),

		rateLimitHitsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "rate_limit_hits_total",
				Help:        "Total number of rate limited requests that were checked",
				ConstLabels: labels,
			},
			[]string{"endpoint"},
		),
		rateLimitBlockedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "rate_limit_blocked_total",
				Help:        "Total number of requests blocked by rate limiting",
				ConstLabels: labels,
			},
			[]string{"endpoint"},
		),
	}
}

// GetRegistry returns the registry the metrics are registered on
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the in-flight request gauge
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the in-flight request gauge
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// WebSocket Metrics Methods

func (m *Metrics) SetWebSocketConnections(count int) {
	m.websocketConnections.Set(float64(count))
}

func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

func (m *Metrics) RecordWebSocketError(err string) {
	m.websocketErrorsTotal.WithLabelValues(err).Inc()
}

// Call Metrics Methods

// RecordCall records a call transition. "initiated" and terminal statuses
// also move the active call gauge.
func (m *Metrics) RecordCall(callType, status string) {
	m.callsTotal.WithLabelValues(callType, status).Inc()
	switch status {
	case "initiated":
		m.callsActive.Inc()
	case "ended", "missed", "rejected", "cancelled":
		m.callsActive.Dec()
	}
}

// RecordCallDuration records the duration of a call
func (m *Metrics) RecordCallDuration(callType string, duration time.Duration) {
	m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

// RecordCallFailure records a failed call
func (m *Metrics) RecordCallFailure(callType, reason string) {
	m.callsFailedTotal.WithLabelValues(callType, reason).Inc()
}

// RecordSignalFailure records a call event that was not delivered
func (m *Metrics) RecordSignalFailure(event string) {
	m.signalFailuresTotal.WithLabelValues(event).Inc()
}

// RecordTokenIssued records an issued media token
func (m *Metrics) RecordTokenIssued(role string) {
	m.mediaTokensTotal.WithLabelValues(role).Inc()
}

// Cassandra Metrics Methods

// RecordCassandraQuery records one Cassandra query and its latency
func (m *Metrics) RecordCassandraQuery(operation, table string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.cassandraQueryTotal.WithLabelValues(operation, table, status).Inc()
	m.cassandraQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// Push Notification Metrics Methods

func (m *Metrics) RecordPushNotification(notifType, platform string) {
	m.pushNotificationsTotal.WithLabelValues(notifType, platform).Inc()
}

func (m *Metrics) RecordPushNotificationFailure(notifType, platform, reason string) {
	m.pushNotificationsFailed.WithLabelValues(notifType, platform, reason).Inc()
}

// Rate Limiting Metrics Methods

func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.rateLimitHitsTotal.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) RecordRateLimitBlocked(endpoint string) {
	m.rateLimitBlockedTotal.WithLabelValues(endpoint).Inc()
}
