package relay

import "errors"

// Session-fatal conditions. Each one tears down the current connection and
// sends the initiator into backoff; none of them stops the process.
var (
	ErrSequenceGap         = errors.New("relay: frame sequence gap")
	ErrProtocolViolation   = errors.New("relay: protocol violation")
	ErrFrameTooLarge       = errors.New("relay: frame too large")
	ErrIncompatibleVersion = errors.New("relay: incompatible protocol version")
	ErrLivenessTimeout     = errors.New("relay: liveness timeout")
	ErrHandshakeTimeout    = errors.New("relay: handshake timeout")
)
