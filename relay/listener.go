package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/metricrelay/codec"
	"github.com/c360/metricrelay/metric"
	"github.com/c360/metricrelay/pkg/retry"
	"github.com/c360/metricrelay/sample"
)

// ListenerConfig configures the responding side of relay links.
type ListenerConfig struct {
	Addr              string
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	// SessionTimeout is how long the state of a disconnected session (resume
	// point and dedup table) is kept for its initiator to come back.
	SessionTimeout time.Duration
	// Bind retries the listen call while the address is still held, for
	// example by the previous process during a restart.
	Bind retry.Config
}

// DefaultListenerConfig returns the listener defaults.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		HeartbeatInterval: 5 * time.Second,
		LivenessTimeout:   15 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      5 * time.Second,
		SessionTimeout:    5 * time.Minute,
		Bind: retry.Config{
			MaxAttempts:  5,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
		},
	}
}

// DeliverFunc receives the deduplicated samples of one Data frame. The frame
// is acknowledged only after DeliverFunc returns nil; an error ends the
// connection so that the initiator retransmits.
type DeliverFunc func(ctx context.Context, batch sample.SampleBatch) error

// session is the responder-side state of one initiator, identified by its
// token. It outlives individual connections.
type session struct {
	token uint64

	// attaching counts connections between lookup and attach; such a
	// session is never expired.
	attaching atomic.Int32

	mu            sync.Mutex
	lastProcessed uint64            // last Data seq processed on the current connection
	highest       map[string]uint64 // dedup: source_id -> highest sequence delivered
	active        *activeConn
	lastSeen      time.Time
}

type activeConn struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// filter removes samples already delivered within this session.
func (s *session) filter(batch sample.SampleBatch) (sample.SampleBatch, int) {
	kept := batch.Samples[:0:0]
	dropped := 0
	for _, smp := range batch.Samples {
		if last, ok := s.highest[smp.SourceID]; ok && smp.Sequence <= last {
			dropped++
			continue
		}
		kept = append(kept, smp)
	}
	return sample.SampleBatch{Samples: kept}, dropped
}

func (s *session) commit(batch sample.SampleBatch, seq uint64) {
	for _, smp := range batch.Samples {
		if last, ok := s.highest[smp.SourceID]; !ok || smp.Sequence > last {
			s.highest[smp.SourceID] = smp.Sequence
		}
	}
	s.lastProcessed = seq
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger.
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithListenerMetrics records frames and dedup discards.
func WithListenerMetrics(m *metric.Metrics) ListenerOption {
	return func(l *Listener) { l.metrics = m }
}

// WithListenerTLS serves relay links over TLS.
func WithListenerTLS(cfg *tls.Config) ListenerOption {
	return func(l *Listener) { l.tls = cfg }
}

// Listener is the responder: it accepts relay connections, deduplicates the
// samples of each session and hands them to DeliverFunc.
type Listener struct {
	cfg     ListenerConfig
	deliver DeliverFunc
	tls     *tls.Config
	logger  *slog.Logger
	metrics *metric.Metrics

	mu       sync.Mutex
	sessions map[uint64]*session
	addr     net.Addr
	wg       sync.WaitGroup
}

// NewListener creates a listener.
func NewListener(cfg ListenerConfig, deliver DeliverFunc, opts ...ListenerOption) (*Listener, error) {
	if deliver == nil {
		return nil, fmt.Errorf("relay listener: deliver function required")
	}
	l := &Listener{
		cfg:      cfg,
		deliver:  deliver,
		logger:   slog.Default(),
		sessions: make(map[uint64]*session),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "relay-listener")
	return l, nil
}

// Run listens on the configured address and serves until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := retry.DoWithResult(ctx, l.cfg.Bind, func() (net.Listener, error) {
		ln, err := lc.Listen(ctx, "tcp", l.cfg.Addr)
		if err != nil {
			l.logger.Warn("Listen failed", "addr", l.cfg.Addr, "error", err)
		}
		return ln, err
	})
	if err != nil {
		return fmt.Errorf("relay listener: listen on %s: %w", l.cfg.Addr, err)
	}
	if l.tls != nil {
		ln = tls.NewListener(ln, l.tls)
	}
	return l.Serve(ctx, ln)
}

// Addr returns the bound address once serving.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// metricsLabel is the peer label of responder-side metrics: one series set
// per listening address whatever the number of initiators.
func (l *Listener) metricsLabel() string {
	if addr := l.Addr(); addr != nil {
		return "listener:" + addr.String()
	}
	return "listener"
}

// Sessions returns the number of known sessions.
func (l *Listener) Sessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Serve accepts connections on ln until ctx is done, then closes every
// connection after its current frame.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		l.wg.Wait()
	}()

	l.mu.Lock()
	l.addr = ln.Addr()
	l.mu.Unlock()
	l.logger.Info("Relay listener started", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.expireSessions(ctx)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("Relay listener stopped")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("relay listener: accept: %w", err)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(ctx, conn)
		}()
	}
}

func (l *Listener) expireSessions(ctx context.Context) {
	if l.cfg.SessionTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(max(l.cfg.SessionTimeout/2, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.expire(now)
		}
	}
}

// expire forgets sessions idle for SessionTimeout at now.
func (l *Listener) expire(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for token, s := range l.sessions {
		if s.attaching.Load() > 0 {
			continue
		}
		s.mu.Lock()
		idle := s.active == nil && now.Sub(s.lastSeen) >= l.cfg.SessionTimeout
		s.mu.Unlock()
		if idle {
			delete(l.sessions, token)
			l.logger.Debug("Session expired", "session", token)
		}
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	logger := l.logger.With("peer", conn.RemoteAddr().String())
	lk := newLink(conn, l.metricsLabel(), l.cfg.WriteTimeout, l.metrics)
	defer lk.close()

	stopHandshake := context.AfterFunc(ctx, func() { _ = lk.close() })
	hello, err := lk.readHandshake(l.cfg.HandshakeTimeout)
	stopHandshake()
	if err != nil {
		logger.Warn("Handshake failed", "error", err)
		return
	}
	if !compatible(hello.Version) {
		// answer with our version so the initiator can report the mismatch
		_ = lk.sendHandshake(Handshake{Version: ProtocolVersion})
		logger.Warn("Rejected incompatible protocol version", "version", hello.Version)
		return
	}
	if hello.ResumeToken == 0 {
		logger.Warn("Rejected handshake without session token")
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess, ac, resume := l.attach(hello.ResumeToken, cancel)
	defer l.detach(sess, ac)
	logger = logger.With("session", sess.token)

	if err := lk.sendHandshake(Handshake{Version: ProtocolVersion, ResumeToken: resume}); err != nil {
		logger.Warn("Handshake reply failed", "error", err)
		return
	}
	logger.Info("Relay session connected", "resume_from", resume)

	err = l.serve(connCtx, lk, sess)
	switch {
	case ctx.Err() != nil:
		logger.Info("Relay session closed on shutdown")
	case err == nil && connCtx.Err() != nil:
		logger.Info("Relay session replaced by a newer connection")
	case err == nil:
		logger.Info("Relay session closed")
	case errors.Is(err, io.EOF):
		logger.Info("Relay peer disconnected")
	default:
		logger.Warn("Relay session failed", "error", err)
	}
}

// attach binds a new connection to the session of token, closing any older
// connection first, and returns the resume point for the handshake reply.
func (l *Listener) attach(token uint64, cancel context.CancelFunc) (*session, *activeConn, uint64) {
	l.mu.Lock()
	sess, ok := l.sessions[token]
	if !ok {
		sess = &session{token: token, highest: make(map[string]uint64)}
		l.sessions[token] = sess
	}
	sess.attaching.Add(1)
	l.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	defer sess.attaching.Add(-1)
	for sess.active != nil {
		old := sess.active
		sess.mu.Unlock()
		old.cancel()
		<-old.done
		sess.mu.Lock()
	}

	resume := sess.lastProcessed
	sess.lastProcessed = 0
	ac := &activeConn{cancel: cancel, done: make(chan struct{})}
	sess.active = ac
	sess.lastSeen = time.Now()
	return sess, ac, resume
}

func (l *Listener) detach(sess *session, ac *activeConn) {
	sess.mu.Lock()
	if sess.active == ac {
		sess.active = nil
	}
	sess.lastSeen = time.Now()
	sess.mu.Unlock()
	close(ac.done)
}

// serve is the Connected state of one responder connection. It returns nil
// when ctx ends the connection.
func (l *Listener) serve(ctx context.Context, lk *link, sess *session) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = lk.close() })
	defer stop()

	g.Go(func() error {
		return lk.keepalive(gctx, l.cfg.HeartbeatInterval, l.cfg.LivenessTimeout)
	})
	g.Go(func() error {
		for {
			f, err := lk.recv()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			if err := l.handleFrame(gctx, lk, sess, f); err != nil {
				return err
			}
		}
	})
	return g.Wait()
}

func (l *Listener) handleFrame(ctx context.Context, lk *link, sess *session, f Frame) error {
	switch f.Type {
	case FrameHeartbeat:
		if len(f.Payload) != 0 {
			return fmt.Errorf("%w: heartbeat with payload", ErrProtocolViolation)
		}
		return nil
	case FrameData:
	default:
		return fmt.Errorf("%w: unexpected %s frame from initiator", ErrProtocolViolation, f.Type)
	}

	batch, err := codec.Decode(f.Payload)
	if err != nil {
		return fmt.Errorf("data frame %d: %w", f.Seq, err)
	}

	sess.mu.Lock()
	fresh, dropped := sess.filter(batch)
	sess.mu.Unlock()

	if dropped > 0 {
		l.metrics.RecordDedup(lk.peer, dropped)
		l.logger.Debug("Discarded duplicate samples", "frame_seq", f.Seq, "samples", dropped)
	}
	if fresh.Len() > 0 {
		if err := l.deliver(ctx, fresh); err != nil {
			return fmt.Errorf("deliver frame %d: %w", f.Seq, err)
		}
	}

	sess.mu.Lock()
	sess.commit(fresh, f.Seq)
	sess.lastSeen = time.Now()
	sess.mu.Unlock()

	if _, err := lk.send(FrameAck, EncodeAck(f.Seq)); err != nil {
		return fmt.Errorf("ack frame %d: %w", f.Seq, err)
	}
	return nil
}
