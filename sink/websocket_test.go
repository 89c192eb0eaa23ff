package sink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWebSocket(t *testing.T, cfg WebSocketConfig) *WebSocket {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	w, err := NewWebSocket("live", cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func dialWebSocket(t *testing.T, w *WebSocket) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+w.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebSocket_Broadcast(t *testing.T) {
	w := startWebSocket(t, WebSocketConfig{})
	a := dialWebSocket(t, w)
	b := dialWebSocket(t, w)
	require.Eventually(t, func() bool { return w.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Deliver(context.Background(), testBatch("hw", 1, 2)))

	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		assert.Equal(t, "data", env.Type)
		assert.Equal(t, "1", env.ID)
		assert.NotZero(t, env.Timestamp)

		var samples []jsonSample
		require.NoError(t, json.Unmarshal(env.Payload, &samples))
		require.Len(t, samples, 2)
		assert.Equal(t, "hw", samples[0].Source)
		assert.Equal(t, uint64(2), samples[1].Seq)
		assert.Equal(t, float64(22), samples[1].Value)
	}
}

func TestWebSocket_NoClients(t *testing.T) {
	w := startWebSocket(t, WebSocketConfig{})
	assert.Equal(t, 0, w.Clients())
	assert.NoError(t, w.Deliver(context.Background(), testBatch("hw", 1)))
}

func TestWebSocket_ClientDisconnect(t *testing.T) {
	w := startWebSocket(t, WebSocketConfig{})
	conn := dialWebSocket(t, w)
	require.Eventually(t, func() bool { return w.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return w.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, w.Deliver(context.Background(), testBatch("hw", 1)))
}

func TestWebSocket_Close(t *testing.T) {
	w := startWebSocket(t, WebSocketConfig{Path: "/live"})
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+w.Addr().String()+"/live", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return w.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Close())
	assert.Equal(t, 0, w.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)

	err = w.Deliver(context.Background(), testBatch("hw", 1))
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.NoError(t, w.Close())
}

func TestNewWebSocket_RequiresAddr(t *testing.T) {
	_, err := NewWebSocket("live", WebSocketConfig{}, nil)
	assert.Error(t, err)
}
