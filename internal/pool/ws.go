package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const wsReadLimit = 512 * 1024

// WSDialer dials upstream feeds over WebSocket. Sockets it produces run a
// keep-alive ping loop and treat a feed silent beyond StaleAfter as dead, so
// a wedged upstream surfaces as a transport drop instead of hanging forever.
type WSDialer struct {
	// PingInterval is how often a keep-alive ping is written. Zero
	// disables pings.
	PingInterval time.Duration
	// StaleAfter bounds the gap between inbound frames (data or pong)
	// before the socket is declared dead.
	StaleAfter time.Duration
	// WriteTimeout bounds each outbound write.
	WriteTimeout time.Duration
}

func (d WSDialer) withDefaults() WSDialer {
	if d.PingInterval <= 0 {
		d.PingInterval = 15 * time.Second
	}
	if d.StaleAfter <= 0 {
		d.StaleAfter = 60 * time.Second
	}
	if d.WriteTimeout <= 0 {
		d.WriteTimeout = 10 * time.Second
	}
	return d
}

// Dial establishes the WebSocket session. The context bounds the handshake.
func (d WSDialer) Dial(ctx context.Context, url string) (Socket, error) {
	d = d.withDefaults()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(d.StaleAfter))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(d.StaleAfter))
	})

	s := &wsSocket{
		conn:         conn,
		staleAfter:   d.StaleAfter,
		writeTimeout: d.WriteTimeout,
		done:         make(chan struct{}),
	}
	if d.PingInterval > 0 {
		go s.pingLoop(d.PingInterval)
	}
	return s, nil
}

type wsSocket struct {
	conn         *websocket.Conn
	staleAfter   time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func (s *wsSocket) Read() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	s.conn.SetReadDeadline(time.Now().Add(s.staleAfter))
	return data, nil
}

func (s *wsSocket) WriteJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(v)
}

// Close sends a close frame and shuts the connection. The frame write has a
// short deadline; a peer ignoring it does not stall teardown.
func (s *wsSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = s.conn.Close()
	})
	return err
}

func (s *wsSocket) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.writeTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				log.Debug().Err(err).Msg("keep-alive ping failed")
				return
			}
		}
	}
}

// Wire frames for subscription management, mirroring the usual exchange
// {"op": ..., "args": [...]} shape.
type subscribeFrame struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

type subscribeArg struct {
	Channel string            `json:"ch"`
	Symbols []string          `json:"symbols,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

func subscribePayload(op string, subs ...Subscription) subscribeFrame {
	f := subscribeFrame{Op: op, Args: make([]subscribeArg, 0, len(subs))}
	for _, s := range subs {
		f.Args = append(f.Args, subscribeArg{
			Channel: s.Channel,
			Symbols: s.Symbols,
			Params:  s.Params,
		})
	}
	return f
}
