package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/metricrelay/sample"
)

// WebSocketConfig configures the live dashboard sink.
type WebSocketConfig struct {
	Addr         string
	Path         string
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// Envelope wraps every message pushed to clients.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsClient struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// WebSocket broadcasts batches as JSON to every connected client. Clients
// that cannot keep up are disconnected; having no clients is not an error.
type WebSocket struct {
	name         string
	logger       *slog.Logger
	sendBuffer   int
	writeTimeout time.Duration
	pingInterval time.Duration

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	clientsMu sync.RWMutex
	clients   map[string]*wsClient

	messageID atomic.Uint64
	closed    atomic.Bool
	wg        sync.WaitGroup
}

// NewWebSocket starts the HTTP endpoint and returns the sink.
func NewWebSocket(name string, cfg WebSocketConfig, logger *slog.Logger) (*WebSocket, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("websocket listen address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	path := cfg.Path
	if path == "" {
		path = "/ws"
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 16
	}

	w := &WebSocket{
		name:         name,
		logger:       logger,
		sendBuffer:   sendBuffer,
		writeTimeout: orDefault(cfg.WriteTimeout, 5*time.Second),
		pingInterval: orDefault(cfg.PingInterval, 30*time.Second),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, w.handleUpgrade)
	w.listener = ln
	w.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			w.logger.Error("WebSocket server failed", "error", err)
		}
	}()
	w.logger.Info("WebSocket sink listening", "addr", ln.Addr().String(), "path", path)
	return w, nil
}

// Name implements Sink
func (w *WebSocket) Name() string { return w.name }

// Addr returns the bound address.
func (w *WebSocket) Addr() net.Addr { return w.listener.Addr() }

// Clients returns the number of connected clients.
func (w *WebSocket) Clients() int {
	w.clientsMu.RLock()
	defer w.clientsMu.RUnlock()
	return len(w.clients)
}

func (w *WebSocket) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	if w.closed.Load() {
		http.Error(rw, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(4096)

	c := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, w.sendBuffer),
		done: make(chan struct{}),
	}
	w.clientsMu.Lock()
	if w.closed.Load() {
		w.clientsMu.Unlock()
		_ = conn.Close()
		return
	}
	w.clients[c.id] = c
	w.wg.Add(2)
	w.clientsMu.Unlock()
	w.logger.Debug("WebSocket client connected", "client_id", c.id, "remote", r.RemoteAddr)

	go w.writeLoop(c)
	go w.readLoop(c)
}

func (w *WebSocket) writeLoop(c *wsClient) {
	defer w.wg.Done()
	defer w.remove(c, "write")

	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// readLoop only detects closed connections; client messages are ignored.
func (w *WebSocket) readLoop(c *wsClient) {
	defer w.wg.Done()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			w.remove(c, "read")
			return
		}
	}
}

func (w *WebSocket) remove(c *wsClient, reason string) {
	c.closeOnce.Do(func() {
		w.clientsMu.Lock()
		delete(w.clients, c.id)
		w.clientsMu.Unlock()
		close(c.done)
		_ = c.conn.Close()
		w.logger.Debug("WebSocket client removed", "client_id", c.id, "reason", reason)
	})
}

// Deliver implements Sink
func (w *WebSocket) Deliver(_ context.Context, batch sample.SampleBatch) error {
	if w.closed.Load() {
		return Fatal(fmt.Errorf("websocket sink closed"))
	}
	if batch.Len() == 0 || w.Clients() == 0 {
		return nil
	}

	samples := make([]jsonSample, batch.Len())
	for i, s := range batch.Samples {
		samples[i] = toJSON(s)
	}
	payload, err := json.Marshal(samples)
	if err != nil {
		return Fatal(fmt.Errorf("encode batch: %w", err))
	}
	msg, err := json.Marshal(Envelope{
		Type:      "data",
		ID:        strconv.FormatUint(w.messageID.Add(1), 10),
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})
	if err != nil {
		return Fatal(fmt.Errorf("encode envelope: %w", err))
	}

	w.clientsMu.RLock()
	var slow []*wsClient
	for _, c := range w.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	w.clientsMu.RUnlock()

	for _, c := range slow {
		w.remove(c, "slow")
	}
	return nil
}

// Close implements Sink
func (w *WebSocket) Close() error {
	w.clientsMu.Lock()
	if w.closed.Swap(true) {
		w.clientsMu.Unlock()
		return nil
	}
	w.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
	defer cancel()
	err := w.server.Shutdown(ctx)

	w.clientsMu.RLock()
	clients := make([]*wsClient, 0, len(w.clients))
	for _, c := range w.clients {
		clients = append(clients, c)
	}
	w.clientsMu.RUnlock()
	for _, c := range clients {
		w.remove(c, "shutdown")
	}

	w.wg.Wait()
	return err
}
