package relay

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType is the type byte of a frame.
type FrameType uint8

// Frame types.
const (
	FrameHandshake FrameType = 0
	FrameData      FrameType = 1
	FrameHeartbeat FrameType = 2
	FrameAck       FrameType = 3
)

// String implements fmt.Stringer
func (t FrameType) String() string {
	switch t {
	case FrameHandshake:
		return "handshake"
	case FrameData:
		return "data"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameAck:
		return "ack"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Protocol constants.
const (
	ProtocolVersion    uint16 = 1
	MinProtocolVersion uint16 = 1

	// MaxFrameSize bounds the length field: type, sequence and payload.
	MaxFrameSize = 1 << 20

	lengthSize    = 4
	frameOverhead = 1 + 8
	handshakeSize = 2 + 8
	ackSize       = 8
)

// Frame is one unit of the wire protocol:
//
//	[u32 length][u8 type][u64 frame_seq][payload]
//
// where length counts type, frame_seq and payload. Integers are big-endian.
type Frame struct {
	Type    FrameType
	Seq     uint64
	Payload []byte
}

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(frameOverhead+len(f.Payload)))
	dst = append(dst, byte(f.Type))
	dst = binary.BigEndian.AppendUint64(dst, f.Seq)
	return append(dst, f.Payload...)
}

// WriteFrame writes f with a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	if frameOverhead+len(f.Payload) > MaxFrameSize {
		return fmt.Errorf("%w: payload of %d bytes", ErrFrameTooLarge, len(f.Payload))
	}
	_, err := w.Write(AppendFrame(make([]byte, 0, lengthSize+frameOverhead+len(f.Payload)), f))
	return err
}

// ReadFrame reads one frame. Structural problems are reported as
// ErrProtocolViolation or ErrFrameTooLarge; I/O errors are returned as is.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [lengthSize + frameOverhead]byte
	if _, err := io.ReadFull(r, hdr[:lengthSize]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(hdr[:lengthSize])
	if length < frameOverhead {
		return Frame{}, fmt.Errorf("%w: frame length %d", ErrProtocolViolation, length)
	}
	if length > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: frame length %d", ErrFrameTooLarge, length)
	}
	if _, err := io.ReadFull(r, hdr[lengthSize:]); err != nil {
		return Frame{}, unexpectedEOF(err)
	}

	f := Frame{
		Type: FrameType(hdr[lengthSize]),
		Seq:  binary.BigEndian.Uint64(hdr[lengthSize+1:]),
	}
	if f.Type > FrameAck {
		return Frame{}, fmt.Errorf("%w: unknown frame type %d", ErrProtocolViolation, f.Type)
	}
	if n := int(length) - frameOverhead; n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, unexpectedEOF(err)
		}
	}
	return f, nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Handshake is the payload of a Handshake frame. The initiator sends its
// session token as ResumeToken; the responder answers with the last Data
// frame sequence it processed on the session's previous connection.
type Handshake struct {
	Version     uint16
	ResumeToken uint64
}

// EncodeHandshake encodes a handshake payload.
func EncodeHandshake(h Handshake) []byte {
	b := make([]byte, 0, handshakeSize)
	b = binary.BigEndian.AppendUint16(b, h.Version)
	return binary.BigEndian.AppendUint64(b, h.ResumeToken)
}

// DecodeHandshake decodes a handshake payload.
func DecodeHandshake(p []byte) (Handshake, error) {
	if len(p) != handshakeSize {
		return Handshake{}, fmt.Errorf("%w: handshake payload of %d bytes", ErrProtocolViolation, len(p))
	}
	return Handshake{
		Version:     binary.BigEndian.Uint16(p),
		ResumeToken: binary.BigEndian.Uint64(p[2:]),
	}, nil
}

// EncodeAck encodes an Ack payload.
func EncodeAck(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, ackSize), seq)
}

// DecodeAck decodes an Ack payload.
func DecodeAck(p []byte) (uint64, error) {
	if len(p) != ackSize {
		return 0, fmt.Errorf("%w: ack payload of %d bytes", ErrProtocolViolation, len(p))
	}
	return binary.BigEndian.Uint64(p), nil
}

func compatible(version uint16) bool {
	return version >= MinProtocolVersion && version <= ProtocolVersion
}
