package pool

import (
	"sort"
	"strings"
	"time"
)

// Status is a connection's lifecycle state. Every connection always carries
// exactly one of these values and the value is always renderable.
type Status string

const (
	StatusClosed     Status = "closed"
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosing    Status = "closing"
	StatusError      Status = "error"
)

// Subscription is one logical feed carried by a connection: a channel plus the
// symbols it covers and optional upstream parameters. Two subscriptions with
// the same channel and symbol set are the same subscription; re-subscribing
// replaces the params.
type Subscription struct {
	Channel string            `json:"channel" yaml:"channel"`
	Symbols []string          `json:"symbols" yaml:"symbols"`
	Params  map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// key identifies a subscription by channel and symbol set, order-insensitive.
func (s Subscription) key() string {
	symbols := append([]string(nil), s.Symbols...)
	sort.Strings(symbols)
	return s.Channel + "|" + strings.Join(symbols, ",")
}

// ConnConfig describes a connection to register with the pool. ID is optional;
// the pool assigns one when empty. Name, Exchange, and URL are immutable after
// creation: pointing at a new endpoint means registering a new connection.
type ConnConfig struct {
	ID            string
	Name          string
	Exchange      string
	URL           string
	Subscriptions []Subscription
}

// Timings bounds every phase of the connection lifecycle. Zero fields take
// the defaults below.
type Timings struct {
	// HandshakeTimeout caps how long an attempt may sit in connecting.
	HandshakeTimeout time.Duration
	// TeardownTimeout caps graceful closing before the close is forced.
	TeardownTimeout time.Duration
	// BackoffMin and BackoffMax bound the jittered exponential delay
	// between automatic reconnect attempts.
	BackoffMin time.Duration
	BackoffMax time.Duration
	// MaxRetries is the consecutive-failure budget. Once exceeded the
	// connection stays in error until an explicit Connect call.
	MaxRetries int
	// RateWindow is the trailing window for the per-connection message
	// rate estimate.
	RateWindow time.Duration
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultTeardownTimeout  = 5 * time.Second
	defaultBackoffMin       = time.Second
	defaultBackoffMax       = 30 * time.Second
	defaultMaxRetries       = 10
	defaultRateWindow       = 10 * time.Second
)

func (t Timings) withDefaults() Timings {
	if t.HandshakeTimeout <= 0 {
		t.HandshakeTimeout = defaultHandshakeTimeout
	}
	if t.TeardownTimeout <= 0 {
		t.TeardownTimeout = defaultTeardownTimeout
	}
	if t.BackoffMin <= 0 {
		t.BackoffMin = defaultBackoffMin
	}
	if t.BackoffMax < t.BackoffMin {
		t.BackoffMax = defaultBackoffMax
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = defaultMaxRetries
	}
	if t.RateWindow <= 0 {
		t.RateWindow = defaultRateWindow
	}
	return t
}

// StatusChanged is published on every state transition.
type StatusChanged struct {
	ConnectionID   string    `json:"connectionId"`
	PreviousStatus Status    `json:"previousStatus"`
	NewStatus      Status    `json:"newStatus"`
	Cause          string    `json:"cause,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// MessageEvent is published for every inbound message accepted while open.
type MessageEvent struct {
	ConnectionID string    `json:"connectionId"`
	SizeBytes    int       `json:"sizeBytes"`
	Timestamp    time.Time `json:"timestamp"`
}

// Diagnostic reports an anomaly that does not change observable state.
type Diagnostic struct {
	ConnectionID string    `json:"connectionId"`
	Kind         string    `json:"kind"`
	Detail       string    `json:"detail,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Diagnostic kinds.
const (
	DiagForcedClose     = "forced-close"
	DiagDroppedMessage  = "dropped-message"
	DiagRetryExhausted  = "retry-budget-exhausted"
	DiagSubscribeFailed = "subscribe-failed"
)

// ConnectionSnapshot is a point-in-time copy of one connection's observable
// state, safe to hand to observers.
type ConnectionSnapshot struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Exchange         string         `json:"exchange"`
	Status           Status         `json:"status"`
	ConnectedAt      *time.Time     `json:"connectedAt,omitempty"`
	MessagesReceived uint64         `json:"messagesReceived"`
	BytesReceived    uint64         `json:"bytesReceived"`
	LastMessageAt    *time.Time     `json:"lastMessageAt,omitempty"`
	MessageRate      float64        `json:"messageRate"`
	RetryCount       int            `json:"retryCount"`
	DroppedMessages  uint64         `json:"droppedMessages"`
	Subscriptions    []Subscription `json:"subscriptions"`
}

// PoolStatistics is the aggregated pool-wide snapshot. MessageRate is the sum
// of each open connection's own windowed rate; the pool does not apply a
// second smoothing window on top.
type PoolStatistics struct {
	ActiveConnections int                  `json:"activeConnections"`
	MessageRate       float64              `json:"messageRate"`
	Connections       []ConnectionSnapshot `json:"connections"`
	GeneratedAt       time.Time            `json:"generatedAt"`
}
