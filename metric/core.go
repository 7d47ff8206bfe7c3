package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "omnitak"

// Metrics contains the client-core metrics every deployment gets: per-
// connection traffic, federation routing decisions, and mesh link health.
type Metrics struct {
	// Connection metrics
	ConnectionState *prometheus.GaugeVec
	EventsReceived  *prometheus.CounterVec
	EventsSent      *prometheus.CounterVec
	DecodeErrors    *prometheus.CounterVec
	SendErrors      *prometheus.CounterVec

	// Federation metrics
	EventsShared   prometheus.Counter
	EventsDeduped  prometheus.Counter
	EventsFiltered *prometheus.CounterVec
	CacheEvictions prometheus.Counter

	// Mesh metrics
	MeshFramesSent     prometheus.Counter
	MeshFramesReceived prometheus.Counter
	ReassemblyTimeouts prometheus.Counter

	// Enrollment metrics
	EnrollmentAttempts *prometheus.CounterVec
}

// NewMetrics creates the core metrics set, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "state",
				Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=failed)",
			},
			[]string{"connection"},
		),

		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "received_total",
				Help:      "Total CoT events decoded from each connection",
			},
			[]string{"connection", "category"},
		),

		EventsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "sent_total",
				Help:      "Total CoT events sent on each connection",
			},
			[]string{"connection"},
		),

		DecodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "decode_errors_total",
				Help:      "Inbound frames dropped as malformed",
			},
			[]string{"connection"},
		),

		SendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "send_errors_total",
				Help:      "Send attempts that failed at the transport",
			},
			[]string{"connection"},
		),

		EventsShared: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "federation",
				Name:      "shared_total",
				Help:      "Events re-broadcast to other connections",
			},
		),

		EventsDeduped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "federation",
				Name:      "deduplicated_total",
				Help:      "Events dropped as same-or-older duplicates",
			},
		),

		EventsFiltered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "federation",
				Name:      "filtered_total",
				Help:      "Events dropped by sharing policy",
			},
			[]string{"rule"},
		),

		CacheEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "federation",
				Name:      "cache_evictions_total",
				Help:      "Federation cache entries evicted at capacity",
			},
		),

		MeshFramesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mesh",
				Name:      "frames_sent_total",
				Help:      "Mesh frames written to the radio",
			},
		),

		MeshFramesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mesh",
				Name:      "frames_received_total",
				Help:      "Mesh frames read from the radio",
			},
		),

		ReassemblyTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mesh",
				Name:      "reassembly_timeouts_total",
				Help:      "Partial mesh messages discarded on timeout",
			},
		),

		EnrollmentAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "enrollment",
				Name:      "attempts_total",
				Help:      "Certificate enrollment attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// RecordConnectionState updates the state gauge for a connection.
func (m *Metrics) RecordConnectionState(connection string, state int) {
	m.ConnectionState.WithLabelValues(connection).Set(float64(state))
}

// RecordEventReceived counts one decoded inbound event.
func (m *Metrics) RecordEventReceived(connection, category string) {
	m.EventsReceived.WithLabelValues(connection, category).Inc()
}

// RecordEventSent counts one outbound event.
func (m *Metrics) RecordEventSent(connection string) {
	m.EventsSent.WithLabelValues(connection).Inc()
}

// RecordDecodeError counts one malformed inbound frame.
func (m *Metrics) RecordDecodeError(connection string) {
	m.DecodeErrors.WithLabelValues(connection).Inc()
}

// RecordSendError counts one failed send.
func (m *Metrics) RecordSendError(connection string) {
	m.SendErrors.WithLabelValues(connection).Inc()
}

// RecordEnrollment counts one enrollment attempt; outcome is "ok",
// "auth_failed" or "server_error".
func (m *Metrics) RecordEnrollment(outcome string) {
	m.EnrollmentAttempts.WithLabelValues(outcome).Inc()
}
