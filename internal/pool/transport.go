package pool

import "context"

// Socket is one live transport session. Read blocks until a message arrives
// or the session dies; after an error the socket is finished and must be
// discarded. Close is idempotent.
type Socket interface {
	// Read returns the next inbound message payload.
	Read() ([]byte, error)
	// WriteJSON sends a control payload (subscribe/unsubscribe frames).
	WriteJSON(v any) error
	// Close tears the session down. Implementations should attempt a
	// polite close handshake but must not block indefinitely.
	Close() error
}

// Dialer establishes sockets. The context bounds the handshake; a dialer
// must return once the context is done.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}
