package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application. Each instance
// owns its registry, so tests can build as many as they like. All record
// methods are no-ops on a nil *Metrics.
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

	// Signaling Metrics
	roomsActive          prometheus.Gauge
	roomJoinsTotal       *prometheus.CounterVec
	droppedMessagesTotal *prometheus.CounterVec

	// Consultation Metrics
	consultationTransitionsTotal *prometheus.CounterVec
	consultationDuration         prometheus.Histogram
	joinValidationsTotal         *prometheus.CounterVec

	// Email Metrics
	emailsTotal  *prometheus.CounterVec
	emailsFailed *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	labels := prometheus.Labels{"service": serviceName}
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		// HTTP Request Metrics
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		// WebSocket Metrics
		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of WebSocket errors",
				ConstLabels: labels,
			},
			[]string{"error"},
		),

		// Signaling Metrics
		roomsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "signaling_rooms_active",
				Help:        "Number of consultation rooms with at least one local participant",
				ConstLabels: labels,
			},
		),
		roomJoinsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_room_joins_total",
				Help:        "Total number of room join attempts",
				ConstLabels: labels,
			},
			[]string{"role", "result"},
		),
		droppedMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_dropped_messages_total",
				Help:        "Relayed signaling messages dropped because no peer was present",
				ConstLabels: labels,
			},
			[]string{"type"},
		),

		// Consultation Metrics
		consultationTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "consultation_transitions_total",
				Help:        "Total number of consultation status transitions",
				ConstLabels: labels,
			},
			[]string{"to"},
		),
		consultationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "consultation_duration_seconds",
				Help:        "Duration of completed consultations in seconds",
				ConstLabels: labels,
				Buckets:     []float64{60, 300, 600, 900, 1800, 2700, 3600, 5400},
			},
		),
		joinValidationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "consultation_join_validations_total",
				Help:        "Total number of join link validations",
				ConstLabels: labels,
			},
			[]string{"result"},
		),

		// Email Metrics
		emailsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "emails_total",
				Help:        "Total number of emails sent",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		emailsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "emails_failed_total",
				Help:        "Total number of failed emails",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
	}

	return m
}

// GetRegistry returns the registry backing these metrics
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// WebSocket Metrics Methods

// AddWebSocketConnections adjusts the number of active WebSocket connections
func (m *Metrics) AddWebSocketConnections(delta int) {
	if m == nil {
		return
	}
	m.websocketConnections.Add(float64(delta))
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// RecordWebSocketError records a WebSocket error
func (m *Metrics) RecordWebSocketError(err string) {
	if m == nil {
		return
	}
	m.websocketErrorsTotal.WithLabelValues(err).Inc()
}

// Signaling Metrics Methods

// SetActiveRooms sets the number of rooms with local participants
func (m *Metrics) SetActiveRooms(count int) {
	if m == nil {
		return
	}
	m.roomsActive.Set(float64(count))
}

// RecordRoomJoin records a join attempt and its result (joined, room_full, error)
func (m *Metrics) RecordRoomJoin(role, result string) {
	if m == nil {
		return
	}
	m.roomJoinsTotal.WithLabelValues(role, result).Inc()
}

// RecordDroppedMessage records a relay dropped for lack of a peer
func (m *Metrics) RecordDroppedMessage(msgType string) {
	if m == nil {
		return
	}
	m.droppedMessagesTotal.WithLabelValues(msgType).Inc()
}

// Consultation Metrics Methods

// RecordTransition records a consultation status transition
func (m *Metrics) RecordTransition(to string) {
	if m == nil {
		return
	}
	m.consultationTransitionsTotal.WithLabelValues(to).Inc()
}

// RecordConsultationDuration records the length of a completed consultation
func (m *Metrics) RecordConsultationDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.consultationDuration.Observe(duration.Seconds())
}

// RecordJoinValidation records a validation outcome: "ok" or the error code
func (m *Metrics) RecordJoinValidation(result string) {
	if m == nil {
		return
	}
	m.joinValidationsTotal.WithLabelValues(result).Inc()
}

// Email Metrics Methods

// RecordEmail records an email
func (m *Metrics) RecordEmail(emailType string) {
	if m == nil {
		return
	}
	m.emailsTotal.WithLabelValues(emailType).Inc()
}

// RecordEmailFailure records a failed email
func (m *Metrics) RecordEmailFailure(emailType string) {
	if m == nil {
		return
	}
	m.emailsFailed.WithLabelValues(emailType).Inc()
}
