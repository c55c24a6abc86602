// Package metrics provides Prometheus metrics collection for the feed pool.
// It defines and manages connection, traffic, and lifecycle metrics that are
// exposed via the Prometheus metrics endpoint for monitoring and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"feedpool/internal/events"
	"feedpool/internal/pool"
)

// Metrics holds all Prometheus metrics for the feed pool.
type Metrics struct {
	// Pool-wide gauges
	ActiveConnections prometheus.Gauge // Number of connections currently open
	PoolMessageRate   prometheus.Gauge // Aggregate messages per second across open connections

	// Traffic counters
	MessagesReceived prometheus.Counter // Total messages received while open
	BytesReceived    prometheus.Counter // Total payload bytes received while open
	MessagesDropped  prometheus.Gauge   // Messages observed outside the open state, summed over connections

	// Lifecycle counters
	Transitions       *prometheus.CounterVec // Status transitions, labelled by resulting status
	ReconnectAttempts prometheus.Counter     // Handshake attempts triggered by the retry schedule
	HandshakeFailures prometheus.Counter     // Handshakes that timed out or were rejected
	ForcedCloses      prometheus.Counter     // Teardowns that hit the deadline and were forced
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feedpool_active_connections",
			Help: "Number of connections currently open",
		}),
		PoolMessageRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feedpool_message_rate",
			Help: "Aggregate messages per second across open connections",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "feedpool_messages_received_total",
			Help: "Total messages received on open connections",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "feedpool_bytes_received_total",
			Help: "Total payload bytes received on open connections",
		}),
		MessagesDropped: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feedpool_messages_dropped",
			Help: "Messages observed while a connection was not open",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpool_status_transitions_total",
			Help: "Connection status transitions by resulting status",
		}, []string{"status"}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "feedpool_reconnect_attempts_total",
			Help: "Handshake attempts triggered by the retry schedule",
		}),
		HandshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "feedpool_handshake_failures_total",
			Help: "Handshakes that timed out or were rejected",
		}),
		ForcedCloses: factory.NewCounter(prometheus.CounterOpts{
			Name: "feedpool_forced_closes_total",
			Help: "Teardowns that exceeded the deadline and were forced closed",
		}),
	}
}

// Observe wires the metrics to bus events. Returns an unsubscribe function
// detaching all handlers.
func (m *Metrics) Observe(bus *events.Bus) func() {
	unsubStatus := bus.Subscribe(events.TopicStatusChanged, func(ev events.Event) {
		ch, ok := ev.Payload.(pool.StatusChanged)
		if !ok {
			return
		}
		m.Transitions.WithLabelValues(string(ch.NewStatus)).Inc()
		if ch.NewStatus == pool.StatusConnecting && ch.PreviousStatus == pool.StatusError {
			m.ReconnectAttempts.Inc()
		}
		if ch.NewStatus == pool.StatusError && ch.PreviousStatus == pool.StatusConnecting {
			m.HandshakeFailures.Inc()
		}
	})
	unsubMessage := bus.Subscribe(events.TopicMessage, func(ev events.Event) {
		msg, ok := ev.Payload.(pool.MessageEvent)
		if !ok {
			return
		}
		m.MessagesReceived.Inc()
		m.BytesReceived.Add(float64(msg.SizeBytes))
	})
	unsubDiag := bus.Subscribe(events.TopicDiagnostic, func(ev events.Event) {
		diag, ok := ev.Payload.(pool.Diagnostic)
		if !ok {
			return
		}
		if diag.Kind == pool.DiagForcedClose {
			m.ForcedCloses.Inc()
		}
	})
	unsubStats := bus.Subscribe(events.TopicStatistics, func(ev events.Event) {
		stats, ok := ev.Payload.(pool.PoolStatistics)
		if !ok {
			return
		}
		m.ActiveConnections.Set(float64(stats.ActiveConnections))
		m.PoolMessageRate.Set(stats.MessageRate)
		var dropped uint64
		for _, cs := range stats.Connections {
			dropped += cs.DroppedMessages
		}
		m.MessagesDropped.Set(float64(dropped))
	})
	return func() {
		unsubStatus()
		unsubMessage()
		unsubDiag()
		unsubStats()
	}
}
