package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/metricrelay/metric"
)

// State is the lifecycle state of a relay connection.
type State int32

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateBackoff
	StateShuttingDown
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// link wraps one connection with per-direction frame numbering. Frames sent
// after the handshake are numbered 1, 2, 3... and received frames must follow
// the same numbering exactly. Writes are serialized so heartbeats can be sent
// from a separate goroutine.
type link struct {
	conn         net.Conn
	peer         string // metrics label, from a bounded set
	writeTimeout time.Duration
	metrics      *metric.Metrics

	writeMu sync.Mutex
	sendSeq uint64

	// recvSeq is owned by the single reading goroutine
	recvSeq uint64

	lastSent atomic.Int64
	lastRecv atomic.Int64
}

func newLink(conn net.Conn, peer string, writeTimeout time.Duration, metrics *metric.Metrics) *link {
	l := &link{conn: conn, peer: peer, writeTimeout: writeTimeout, metrics: metrics}
	now := time.Now().UnixNano()
	l.lastSent.Store(now)
	l.lastRecv.Store(now)
	return l
}

func (l *link) writeLocked(f Frame) error {
	if l.writeTimeout > 0 {
		if err := l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
			return err
		}
	}
	if err := WriteFrame(l.conn, f); err != nil {
		return err
	}
	l.lastSent.Store(time.Now().UnixNano())
	l.metrics.RecordFrame(l.peer, "out", f.Type.String())
	return nil
}

func (l *link) sendHandshake(h Handshake) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.writeLocked(Frame{Type: FrameHandshake, Seq: 0, Payload: EncodeHandshake(h)})
}

// send numbers and writes a frame and returns its sequence.
func (l *link) send(t FrameType, payload []byte) (uint64, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	seq := l.sendSeq + 1
	if err := l.writeLocked(Frame{Type: t, Seq: seq, Payload: payload}); err != nil {
		return 0, err
	}
	l.sendSeq = seq
	return seq, nil
}

// sent returns the sequence of the last frame written.
func (l *link) sent() uint64 {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.sendSeq
}

// readHandshake reads the peer's Handshake frame within timeout.
func (l *link) readHandshake(timeout time.Duration) (Handshake, error) {
	if timeout > 0 {
		if err := l.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Handshake{}, err
		}
		defer func() { _ = l.conn.SetReadDeadline(time.Time{}) }()
	}

	f, err := ReadFrame(l.conn)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return Handshake{}, ErrHandshakeTimeout
		}
		return Handshake{}, err
	}
	l.metrics.RecordFrame(l.peer, "in", f.Type.String())
	if f.Type != FrameHandshake || f.Seq != 0 {
		return Handshake{}, fmt.Errorf("%w: expected handshake, got %s seq %d", ErrProtocolViolation, f.Type, f.Seq)
	}
	l.lastRecv.Store(time.Now().UnixNano())
	return DecodeHandshake(f.Payload)
}

// recv reads the next post-handshake frame and enforces its numbering.
func (l *link) recv() (Frame, error) {
	f, err := ReadFrame(l.conn)
	if err != nil {
		return Frame{}, err
	}
	l.metrics.RecordFrame(l.peer, "in", f.Type.String())
	if f.Type == FrameHandshake {
		return Frame{}, fmt.Errorf("%w: handshake inside a session", ErrProtocolViolation)
	}
	if f.Seq != l.recvSeq+1 {
		return Frame{}, fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, l.recvSeq+1, f.Seq)
	}
	l.recvSeq = f.Seq
	l.lastRecv.Store(time.Now().UnixNano())
	return f, nil
}

// keepalive sends a Heartbeat whenever nothing was sent for interval and
// fails once nothing was received for liveness.
func (l *link) keepalive(ctx context.Context, interval, liveness time.Duration) error {
	tick := min(interval, liveness) / 4
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if liveness > 0 && now.Sub(time.Unix(0, l.lastRecv.Load())) >= liveness {
				return ErrLivenessTimeout
			}
			if interval > 0 && now.Sub(time.Unix(0, l.lastSent.Load())) >= interval {
				if _, err := l.send(FrameHeartbeat, nil); err != nil {
					return err
				}
			}
		}
	}
}

func (l *link) close() error { return l.conn.Close() }
