// Package natsclient is the NATS connection behind the pubsub sinks.
//
// The initial connection is made by Connect, which callers retry; a circuit
// breaker refuses attempts for a growing cool-down after repeated failures.
// Once connected, reconnects are left to the NATS library and reported
// through the health callback.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/metricrelay/errors"
)

// ConnectionStatus is the state of the connection as seen by callers.
type ConnectionStatus int32

// Connection statuses.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

var statusNames = [...]string{
	StatusDisconnected: "disconnected",
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
	StatusReconnecting: "reconnecting",
	StatusCircuitOpen:  "circuit_open",
}

// String returns the status name.
func (s ConnectionStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Errors returned before any server round trip.
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Snapshot describes the connection at one instant.
type Snapshot struct {
	Status      ConnectionStatus
	Failures    int           // failed connects since the last success
	LastFailure time.Time     // zero after a success
	CoolDown    time.Duration // the next circuit breaker cool-down
	RTT         time.Duration // zero when not connected
}

// Client is a NATS connection for publishing metric batches.
type Client struct {
	url     string
	cfg     settings
	logger  *slog.Logger
	breaker *breaker
	state   atomic.Int32 // ConnectionStatus of the connection itself

	mu       sync.RWMutex
	conn     *nats.Conn
	subs     []*nats.Subscription
	onHealth func(healthy bool)

	closeOnce sync.Once
	closeErr  error
}

// NewClient creates a disconnected client.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	cfg := defaultSettings()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	return &Client{
		url:     url,
		cfg:     cfg,
		logger:  cfg.logger.With("component", "natsclient", "url", url),
		breaker: newBreaker(cfg.breakerTrips, cfg.maxBreakerWait),
	}, nil
}

// Status returns the connection status. A disconnected client whose breaker
// is open reports StatusCircuitOpen.
func (c *Client) Status() ConnectionStatus {
	st := ConnectionStatus(c.state.Load())
	if st == StatusDisconnected && c.breaker.state().open {
		return StatusCircuitOpen
	}
	return st
}

// IsHealthy reports whether publishing can succeed.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Snapshot returns the status, failure history and, when connected, the
// round-trip time to the server.
func (c *Client) Snapshot() Snapshot {
	b := c.breaker.state()
	snap := Snapshot{
		Status:      c.Status(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		CoolDown:    b.coolDown,
	}
	if conn := c.connected(); conn != nil {
		if rtt, err := conn.RTT(); err == nil {
			snap.RTT = rtt
		}
	}
	return snap
}

// MaxPayload returns the smaller of the configured limit and the server's
// limit once connected. Zero means unknown.
func (c *Client) MaxPayload() int64 {
	limit := c.cfg.maxPayload
	if conn := c.current(); conn != nil {
		if server := conn.MaxPayload(); server > 0 && (limit == 0 || server < limit) {
			return server
		}
	}
	return limit
}

// Connect makes the initial connection. It fails fast with ErrCircuitOpen
// while the breaker is open; other failures are transient.
func (c *Client) Connect(ctx context.Context) error {
	if !c.breaker.allow() {
		return ErrCircuitOpen
	}
	c.state.Store(int32(StatusConnecting))
	c.logger.Info("Connecting to NATS")

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.natsOptions()...)
		done <- result{conn, err}
	}()

	var err error
	select {
	case r := <-done:
		if r.err == nil {
			c.mu.Lock()
			c.conn = r.conn
			c.mu.Unlock()
			c.connectedNow()
			return nil
		}
		err = r.err
	case <-ctx.Done():
		err = ctx.Err()
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
	}

	c.state.Store(int32(StatusDisconnected))
	if opened, coolDown := c.breaker.failure(); opened {
		c.logger.Warn("Circuit breaker opened", "cool_down", coolDown)
	}
	return errors.WrapTransient(err, "Client", "Connect", "establish connection")
}

func (c *Client) connectedNow() {
	c.state.Store(int32(StatusConnected))
	c.breaker.success()
	c.logger.Info("Connected to NATS")
	c.notify(true)
}

func (c *Client) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.Timeout(c.cfg.timeout),
		nats.MaxReconnects(c.cfg.maxReconnects),
		nats.ReconnectWait(c.cfg.reconnectWait),
		nats.PingInterval(c.cfg.pingInterval),
		nats.MaxPingsOutstanding(c.cfg.maxPingsOut),
		nats.DrainTimeout(c.cfg.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.state.Store(int32(StatusReconnecting))
			c.logger.Warn("NATS disconnected", "error", err)
			c.notify(false)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.logger.Info("NATS reconnected")
			c.connectedNow()
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.state.Store(int32(StatusDisconnected))
			c.notify(false)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Error("NATS error", "error", err)
		}),
	}
	if c.cfg.name != "" {
		opts = append(opts, nats.Name(c.cfg.name))
	}
	if c.cfg.username != "" {
		opts = append(opts, nats.UserInfo(c.cfg.username, c.cfg.password))
	}
	if c.cfg.token != "" {
		opts = append(opts, nats.Token(c.cfg.token))
	}
	return opts
}

func (c *Client) current() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// connected returns the connection if it is currently up.
func (c *Client) connected() *nats.Conn {
	if conn := c.current(); conn != nil && conn.IsConnected() {
		return conn
	}
	return nil
}

// Publish sends data on subject. Delivery is confirmed by Flush.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn := c.connected()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// Flush waits until the server has processed everything published so far.
func (c *Client) Flush(ctx context.Context) error {
	conn := c.connected()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.FlushWithContext(ctx)
}

// Subscribe calls handler for every message on subject until Close.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(ctx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}
	c.subs = append(c.subs, sub)
	return nil
}

// OnHealthChange registers fn to be called, on its own goroutine, whenever
// the connection goes up or down.
func (c *Client) OnHealthChange(fn func(healthy bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHealth = fn
}

func (c *Client) notify(healthy bool) {
	c.mu.RLock()
	fn := c.onHealth
	c.mu.RUnlock()
	if fn != nil {
		go fn(healthy)
	}
}

// Close drains the connection within the drain timeout, or the ctx deadline
// when it is sooner. Later calls return the first result.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.close(ctx)
	})
	return c.closeErr
}

func (c *Client) close(ctx context.Context) error {
	c.mu.Lock()
	conn, subs := c.conn, c.subs
	c.conn, c.subs = nil, nil
	c.cfg.password, c.cfg.token = "", ""
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	if conn == nil {
		c.state.Store(int32(StatusDisconnected))
		return stderrors.Join(errs...)
	}

	timeout := c.cfg.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	// Drain only starts the drain; the connection closes itself when done.
	drained := make(chan error, 1)
	go func() {
		if err := conn.Drain(); err != nil {
			drained <- err
			return
		}
		for !conn.IsClosed() {
			time.Sleep(10 * time.Millisecond)
		}
		drained <- nil
	}()

	select {
	case err := <-drained:
		if err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
		}
	case <-time.After(timeout):
		errs = append(errs, errors.WrapTransient(fmt.Errorf("drain timeout after %v", timeout), "Client", "Close", "drain"))
	case <-ctx.Done():
		errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain"))
	}
	conn.Close()
	c.state.Store(int32(StatusDisconnected))
	return stderrors.Join(errs...)
}
