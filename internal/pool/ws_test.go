package pool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedpool/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// feedServer is a mock upstream that pushes canned messages and records
// subscribe frames.
func feedServer(t *testing.T, messages [][]byte, gotSub chan<- []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if gotSub != nil {
				select {
				case gotSub <- data:
				default:
				}
			}
		}
	}))
}

func TestWSDialer_DialAndRead(t *testing.T) {
	t.Parallel()

	srv := feedServer(t, [][]byte{[]byte(`{"ch":"trade"}`)}, nil)
	defer srv.Close()

	sock, err := WSDialer{}.Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer sock.Close()

	data, err := sock.Read()
	require.NoError(t, err)
	assert.JSONEq(t, `{"ch":"trade"}`, string(data))
}

func TestWSDialer_WriteJSON(t *testing.T) {
	t.Parallel()

	gotSub := make(chan []byte, 1)
	srv := feedServer(t, nil, gotSub)
	defer srv.Close()

	sock, err := WSDialer{}.Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer sock.Close()

	frame := subscribePayload("subscribe", Subscription{Channel: "trade", Symbols: []string{"BTCUSDT"}})
	require.NoError(t, sock.WriteJSON(frame))

	select {
	case data := <-gotSub:
		var decoded subscribeFrame
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, "subscribe", decoded.Op)
		require.Len(t, decoded.Args, 1)
		assert.Equal(t, "trade", decoded.Args[0].Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive subscribe frame")
	}
}

func TestWSDialer_HandshakeRefused(t *testing.T) {
	t.Parallel()

	// Plain HTTP endpoint that never upgrades.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := WSDialer{}.Dial(context.Background(), wsURL(srv))
	require.Error(t, err)
}

func TestWSDialer_ServerCloseSurfacesAsReadError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	sock, err := WSDialer{}.Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer sock.Close()

	_, err = sock.Read()
	require.Error(t, err)
}

func TestConnection_OverRealWebSocket(t *testing.T) {
	t.Parallel()

	gotSub := make(chan []byte, 1)
	srv := feedServer(t, [][]byte{
		[]byte(`{"ch":"trade","symbol":"BTCUSDT","p":"50000"}`),
		[]byte(`{"ch":"trade","symbol":"BTCUSDT","p":"50001"}`),
	}, gotSub)
	defer srv.Close()

	bus := events.NewBus()
	p := New(bus, WSDialer{PingInterval: time.Second, StaleAfter: 10 * time.Second}, testTimings())

	c, err := p.Add(ConnConfig{
		ID:       "binance-1",
		Name:     "binance spot",
		Exchange: "binance",
		URL:      wsURL(srv),
		Subscriptions: []Subscription{
			{Channel: "trade", Symbols: []string{"BTCUSDT"}},
		},
	})
	require.NoError(t, err)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StatusOpen, c.Status())

	// The queued subscription is sent on open.
	select {
	case data := <-gotSub:
		assert.Contains(t, string(data), "trade")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not replayed over the wire")
	}

	waitFor(t, func() bool { return c.Snapshot().MessagesReceived == 2 }, "both feed messages counted")
	snap := c.Snapshot()
	assert.Equal(t, uint64(len(`{"ch":"trade","symbol":"BTCUSDT","p":"50000"}`)*2), snap.BytesReceived)

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, StatusClosed, c.Status())
}
