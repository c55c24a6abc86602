package pool

import "errors"

// Connection lifecycle errors. These surface through Connect results and
// status-changed event causes; fan-out operations never raise them.
var (
	// ErrHandshakeTimeout means an attempt exceeded the handshake budget.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrHandshakeRejected means the upstream refused the connection.
	ErrHandshakeRejected = errors.New("handshake rejected")
	// ErrTransportDropped means the transport failed underneath an open
	// connection without a prior Disconnect call.
	ErrTransportDropped = errors.New("transport dropped")
	// ErrTeardownTimeout means a graceful close did not complete in time
	// and the socket was forced shut.
	ErrTeardownTimeout = errors.New("teardown timeout")
	// ErrRetryBudgetExhausted means automatic retries stopped; an explicit
	// Connect call resumes the connection.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	// ErrConnectionClosed means the operation was aborted because the
	// connection was disconnected or removed mid-flight.
	ErrConnectionClosed = errors.New("connection closed")
)
