package relay

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/metricrelay/codec"
	"github.com/c360/metricrelay/metric"
	"github.com/c360/metricrelay/pkg/buffer"
	"github.com/c360/metricrelay/pkg/retry"
	"github.com/c360/metricrelay/sample"
)

// SenderConfig configures the initiating side of a relay link.
type SenderConfig struct {
	Target            string
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	DrainTimeout      time.Duration
	// ResendCapacity is the number of unacknowledged batches kept for
	// retransmission. While it is full the network leg is not read.
	ResendCapacity int
	BatchSamples   int
	BatchBytes     int
	Backoff        retry.BackoffConfig
}

// DefaultSenderConfig returns the sender defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		HeartbeatInterval: 5 * time.Second,
		LivenessTimeout:   15 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      5 * time.Second,
		DrainTimeout:      5 * time.Second,
		ResendCapacity:    256,
		BatchSamples:      256,
		BatchBytes:        64 * 1024,
		Backoff:           retry.DefaultBackoffConfig(),
	}
}

// DialFunc opens the transport connection to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithSenderLogger sets the logger.
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSenderMetrics records frames, state and reconnects.
func WithSenderMetrics(m *metric.Metrics) SenderOption {
	return func(s *Sender) { s.metrics = m }
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial DialFunc) SenderOption {
	return func(s *Sender) {
		if dial != nil {
			s.dial = dial
		}
	}
}

// WithTLS dials the target over TLS.
func WithTLS(cfg *tls.Config) SenderOption {
	return func(s *Sender) {
		if cfg == nil {
			return
		}
		d := &tls.Dialer{Config: cfg}
		s.dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
}

// WithStateHook registers a callback invoked on every state transition,
// from the sender's goroutine.
func WithStateHook(hook func(State)) SenderOption {
	return func(s *Sender) { s.onState = hook }
}

// WithSessionToken fixes the session token instead of deriving a random one.
func WithSessionToken(token uint64) SenderOption {
	return func(s *Sender) {
		if token != 0 {
			s.token = token
		}
	}
}

// Sender is the initiator of a relay link. It reads samples from the network
// leg, frames them as Data batches and keeps every batch until the responder
// acknowledges it, retransmitting after a reconnect.
//
// State machine:
//
//	Disconnected -> Connecting -> Handshaking -> Connected
//	any failure  -> Backoff -> Connecting
//	ctx done     -> ShuttingDown
type Sender struct {
	cfg     SenderConfig
	leg     buffer.Buffer[sample.MetricSample]
	dial    DialFunc
	logger  *slog.Logger
	metrics *metric.Metrics
	onState func(State)

	token   uint64
	backoff *retry.Backoff
	ring    *resendRing
	batcher *sample.Batcher

	state     atomic.Int32
	pendingMu sync.Mutex
	pending   int
}

// NewSender creates a sender reading from leg.
func NewSender(cfg SenderConfig, leg buffer.Buffer[sample.MetricSample], opts ...SenderOption) (*Sender, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("relay sender: target address required")
	}
	if leg == nil {
		return nil, fmt.Errorf("relay sender: network leg required")
	}

	s := &Sender{
		cfg:     cfg,
		leg:     leg,
		logger:  slog.Default(),
		token:   newSessionToken(),
		backoff: retry.NewBackoff(cfg.Backoff),
		ring:    newResendRing(cfg.ResendCapacity),
		batcher: sample.NewBatcher(cfg.BatchSamples, cfg.BatchBytes),
	}
	s.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "relay-sender", "peer", cfg.Target)
	return s, nil
}

// newSessionToken folds a random UUID into a non-zero 64-bit token.
func newSessionToken() uint64 {
	id := uuid.New()
	token := binary.BigEndian.Uint64(id[:8]) ^ binary.BigEndian.Uint64(id[8:])
	if token == 0 {
		token = 1
	}
	return token
}

// Token returns the session token presented in every handshake.
func (s *Sender) Token() uint64 { return s.token }

// State returns the current state.
func (s *Sender) State() State { return State(s.state.Load()) }

// Unacked returns the number of batches waiting for an Ack.
func (s *Sender) Unacked() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.pending
}

func (s *Sender) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	s.metrics.SetRelayState(s.cfg.Target, int(st))
	if st == StateConnected || st == StateBackoff || st == StateShuttingDown {
		s.logger.Info("Relay state changed", "state", st.String())
	} else {
		s.logger.Debug("Relay state changed", "state", st.String())
	}
	if s.onState != nil {
		s.onState(st)
	}
}

func (s *Sender) updatePending() {
	s.pendingMu.Lock()
	s.pending = s.ring.len()
	s.pendingMu.Unlock()
}

// Run connects and relays until ctx is done. Connection failures never end
// Run; they lead to Backoff and a new attempt.
func (s *Sender) Run(ctx context.Context) error {
	defer s.setState(StateShuttingDown)
	defer s.abandon()

	for ctx.Err() == nil {
		s.setState(StateConnecting)
		err := s.connect(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		s.metrics.RecordReconnect(s.cfg.Target)
		if errors.Is(err, ErrIncompatibleVersion) {
			s.backoff.Exhaust()
		}
		s.setState(StateBackoff)
		s.logger.Warn("Relay connection failed", "error", err,
			"attempt", s.backoff.Attempts()+1, "unacked_batches", s.Unacked())

		if err := s.backoff.Wait(ctx); err != nil {
			return nil
		}
	}
	return nil
}

// abandon counts the samples shutdown leaves without an Ack: batches still
// in the ring, the partial batch and whatever is left on the network leg.
func (s *Sender) abandon() {
	unacked := s.ring.clear()
	s.updatePending()

	partial := 0
	if b, ok := s.batcher.Flush(); ok {
		partial = b.Len()
	}
	queued := 0
	for {
		items := s.leg.ReadBatch(sample.MaxBatchSamples)
		if len(items) == 0 {
			break
		}
		queued += len(items)
	}

	total := unacked + partial + queued
	if total == 0 {
		return
	}
	s.metrics.RecordDropped("relay", metric.ReasonShutdown, total)
	s.logger.Warn("Relay stopped with undelivered samples",
		"unacked", unacked, "partial_batch", partial, "queued", queued)
}

// connect runs one connection to completion. It returns nil only for a
// shutdown requested through ctx.
func (s *Sender) connect(ctx context.Context) error {
	conn, err := s.dial(ctx, s.cfg.Target)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	lk := newLink(conn, s.cfg.Target, s.cfg.WriteTimeout, s.metrics)
	defer lk.close()

	s.setState(StateHandshaking)
	resume, err := s.handshake(lk)
	if err != nil {
		return err
	}

	if batches, samples := s.ring.resume(resume); batches > 0 {
		s.logger.Debug("Peer already processed batches", "batches", batches, "samples", samples)
	}
	s.updatePending()
	s.setState(StateConnected)
	s.backoff.Reset()

	return s.serve(ctx, lk)
}

func (s *Sender) handshake(lk *link) (uint64, error) {
	if err := lk.sendHandshake(Handshake{Version: ProtocolVersion, ResumeToken: s.token}); err != nil {
		return 0, fmt.Errorf("send handshake: %w", err)
	}
	reply, err := lk.readHandshake(s.cfg.HandshakeTimeout)
	if err != nil {
		return 0, fmt.Errorf("read handshake: %w", err)
	}
	if !compatible(reply.Version) {
		return 0, fmt.Errorf("%w: peer speaks %d, supported %d..%d",
			ErrIncompatibleVersion, reply.Version, MinProtocolVersion, ProtocolVersion)
	}
	return reply.ResumeToken, nil
}

type linkEvent struct {
	frame Frame
	err   error
}

// serve is the Connected state.
func (s *Sender) serve(ctx context.Context, lk *link) error {
	sessionCtx, cancel := context.WithCancel(context.Background())
	events := make(chan linkEvent, 8)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = lk.close()
		wg.Wait()
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			f, err := lk.recv()
			select {
			case events <- linkEvent{frame: f, err: err}:
			case <-sessionCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		if err := lk.keepalive(sessionCtx, s.cfg.HeartbeatInterval, s.cfg.LivenessTimeout); err != nil {
			select {
			case events <- linkEvent{err: err}:
			case <-sessionCtx.Done():
			}
		}
	}()

	if err := s.retransmit(lk); err != nil {
		return err
	}
	if err := s.pump(lk); err != nil {
		return err
	}

	for {
		var ready <-chan struct{}
		if !s.ring.full() {
			ready = s.leg.Ready()
		}

		select {
		case <-ctx.Done():
			return s.drain(lk, events)
		case ev := <-events:
			if ev.err != nil {
				return ev.err
			}
			if err := s.handleFrame(lk, ev.frame); err != nil {
				return err
			}
			if err := s.pump(lk); err != nil {
				return err
			}
		case <-ready:
			if err := s.pump(lk); err != nil {
				return err
			}
		}
	}
}

// retransmit resends every batch still in the ring with fresh sequences.
func (s *Sender) retransmit(lk *link) error {
	n := s.ring.len()
	for i := 0; i < n; i++ {
		b := s.ring.at(i)
		seq, err := lk.send(FrameData, b.payload)
		if err != nil {
			return fmt.Errorf("retransmit: %w", err)
		}
		b.seq = seq
	}
	if n > 0 {
		s.logger.Info("Retransmitted unacknowledged batches", "batches", n)
	}
	return nil
}

// pump moves samples from the network leg into Data frames while the resend
// ring has room.
func (s *Sender) pump(lk *link) error {
	for !s.ring.full() {
		batch, ok := s.nextBatch()
		if !ok {
			return nil
		}
		payload, err := codec.Encode(batch)
		if err != nil {
			s.metrics.RecordDropped("relay", metric.ReasonEncode, batch.Len())
			s.logger.Error("Dropping batch that cannot be encoded", "samples", batch.Len(), "error", err)
			continue
		}
		seq, err := lk.send(FrameData, payload)
		if err != nil {
			// keep the batch for the next connection
			s.ring.push(pendingBatch{payload: payload, samples: batch.Len()})
			s.updatePending()
			return fmt.Errorf("write data frame: %w", err)
		}
		s.ring.push(pendingBatch{seq: seq, payload: payload, samples: batch.Len()})
		s.updatePending()
	}
	return nil
}

// nextBatch builds at most one batch from the leg. A sample that does not fit
// stays in the batcher for the next call.
func (s *Sender) nextBatch() (sample.SampleBatch, bool) {
	for !s.batcher.Full() {
		item, ok := s.leg.Read()
		if !ok {
			break
		}
		if err := codec.Check(&item); err != nil {
			s.metrics.RecordDropped("relay", metric.ReasonEncode, 1)
			s.logger.Warn("Dropping sample that cannot be encoded",
				"source_id", item.SourceID, "sequence", item.Sequence, "error", err)
			continue
		}
		if out, ready := s.batcher.Add(item); ready {
			return out, true
		}
	}
	return s.batcher.Flush()
}

func (s *Sender) handleFrame(lk *link, f Frame) error {
	switch f.Type {
	case FrameHeartbeat:
		if len(f.Payload) != 0 {
			return fmt.Errorf("%w: heartbeat with payload", ErrProtocolViolation)
		}
		return nil
	case FrameAck:
		seq, err := DecodeAck(f.Payload)
		if err != nil {
			return err
		}
		if seq > lk.sent() {
			return fmt.Errorf("%w: ack %d beyond last sent frame %d", ErrProtocolViolation, seq, lk.sent())
		}
		s.ring.ack(seq)
		s.updatePending()
		s.metrics.SetAckedSeq(s.cfg.Target, seq)
		return nil
	default:
		return fmt.Errorf("%w: unexpected %s frame from responder", ErrProtocolViolation, f.Type)
	}
}

// drain waits up to DrainTimeout for the Acks of batches already sent. No new
// samples are read.
func (s *Sender) drain(lk *link, events <-chan linkEvent) error {
	if s.ring.len() == 0 {
		return nil
	}
	s.setState(StateShuttingDown)

	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()

	for s.ring.len() > 0 {
		select {
		case <-timer.C:
			s.logger.Warn("Shutdown with unacknowledged batches", "batches", s.ring.len())
			return nil
		case ev := <-events:
			if ev.err != nil {
				s.logger.Warn("Connection lost while draining", "error", ev.err, "batches", s.ring.len())
				return nil
			}
			if err := s.handleFrame(lk, ev.frame); err != nil {
				s.logger.Warn("Drain aborted", "error", err)
				return nil
			}
		}
	}
	return nil
}
