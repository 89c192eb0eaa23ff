package codec

import (
	"errors"
	"fmt"
)

// Kind classifies a decoding failure.
type Kind int

// Failure kinds.
const (
	KindTruncated Kind = iota + 1
	KindMalformed
	KindVersionMismatch
)

// Sentinels matched by errors.Is against any *CodecError of the same kind.
var (
	ErrTruncated       = errors.New("codec: truncated")
	ErrMalformed       = errors.New("codec: malformed")
	ErrVersionMismatch = errors.New("codec: version mismatch")
)

// CodecError reports why a batch could not be encoded or decoded.
// Offset is the byte position at which decoding stopped.
type CodecError struct {
	Kind   Kind
	Offset int
	Detail string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%v at offset %d: %s", e.Unwrap(), e.Offset, e.Detail)
}

// Unwrap returns the sentinel for the error's kind.
func (e *CodecError) Unwrap() error {
	switch e.Kind {
	case KindTruncated:
		return ErrTruncated
	case KindVersionMismatch:
		return ErrVersionMismatch
	default:
		return ErrMalformed
	}
}

func truncated(off int, format string, args ...any) error {
	return &CodecError{Kind: KindTruncated, Offset: off, Detail: fmt.Sprintf(format, args...)}
}

func malformed(off int, format string, args ...any) error {
	return &CodecError{Kind: KindMalformed, Offset: off, Detail: fmt.Sprintf(format, args...)}
}
