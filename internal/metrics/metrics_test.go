package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"feedpool/internal/events"
	"feedpool/internal/pool"
)

func TestObserve_TrafficAndTransitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	bus := events.NewBus()
	unsub := m.Observe(bus)
	defer unsub()

	bus.Publish(events.TopicMessage, pool.MessageEvent{ConnectionID: "a", SizeBytes: 10, Timestamp: time.Now()})
	bus.Publish(events.TopicMessage, pool.MessageEvent{ConnectionID: "a", SizeBytes: 32, Timestamp: time.Now()})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.BytesReceived))

	bus.Publish(events.TopicStatusChanged, pool.StatusChanged{
		ConnectionID:   "a",
		PreviousStatus: pool.StatusClosed,
		NewStatus:      pool.StatusConnecting,
	})
	bus.Publish(events.TopicStatusChanged, pool.StatusChanged{
		ConnectionID:   "a",
		PreviousStatus: pool.StatusConnecting,
		NewStatus:      pool.StatusError,
	})
	bus.Publish(events.TopicStatusChanged, pool.StatusChanged{
		ConnectionID:   "a",
		PreviousStatus: pool.StatusError,
		NewStatus:      pool.StatusConnecting,
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandshakeFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconnectAttempts))
}

func TestObserve_StatisticsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	bus := events.NewBus()
	unsub := m.Observe(bus)
	defer unsub()

	bus.Publish(events.TopicStatistics, pool.PoolStatistics{
		ActiveConnections: 3,
		MessageRate:       12.5,
		Connections: []pool.ConnectionSnapshot{
			{ID: "a", DroppedMessages: 2},
			{ID: "b", DroppedMessages: 5},
		},
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.PoolMessageRate))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.MessagesDropped))
}

func TestObserve_ForcedClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	bus := events.NewBus()
	unsub := m.Observe(bus)

	bus.Publish(events.TopicDiagnostic, pool.Diagnostic{ConnectionID: "a", Kind: pool.DiagForcedClose})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ForcedCloses))

	unsub()
	bus.Publish(events.TopicDiagnostic, pool.Diagnostic{ConnectionID: "a", Kind: pool.DiagForcedClose})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ForcedCloses))
}
