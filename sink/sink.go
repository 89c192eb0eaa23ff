// Package sink delivers processed sample batches to local consumers.
//
// Every sink kind implements the same contract: accept a SampleBatch and
// report success, a Retryable error or a Fatal error. The Dispatcher gives each
// sink its own queue, retry policy and degraded mode so that one failing sink
// never holds up another.
package sink

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/metricrelay/errors"
	"github.com/c360/metricrelay/health"
	"github.com/c360/metricrelay/metric"
	"github.com/c360/metricrelay/natsclient"
	"github.com/c360/metricrelay/sample"
)

// Sink accepts batches of samples.
type Sink interface {
	Name() string
	// Deliver hands one batch to the sink. Errors should be wrapped with
	// Retryable or Fatal; unclassified errors are treated as Retryable.
	Deliver(ctx context.Context, batch sample.SampleBatch) error
	Close() error
}

// Kind is the closed set of sink implementations.
type Kind string

// Sink kinds.
const (
	KindTSDB      Kind = "tsdb"
	KindPubSub    Kind = "pubsub"
	KindArchive   Kind = "archive"
	KindWebSocket Kind = "websocket"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTSDB, KindPubSub, KindArchive, KindWebSocket:
		return true
	}
	return false
}

// ErrorClass says whether a failed delivery may be retried.
type ErrorClass int

// Error classes.
const (
	ClassRetryable ErrorClass = iota
	ClassFatal
)

// String implements fmt.Stringer
func (c ErrorClass) String() string {
	if c == ClassFatal {
		return "fatal"
	}
	return "retryable"
}

// SinkError is a classified delivery failure.
type SinkError struct {
	Class ErrorClass
	Err   error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("%s sink error: %v", e.Class, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// Retryable marks err as worth another attempt.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &SinkError{Class: ClassRetryable, Err: err}
}

// Fatal marks err as permanent for the batch at hand.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &SinkError{Class: ClassFatal, Err: err}
}

// IsRetryable reports whether a delivery error may be retried. Errors that
// were never classified are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SinkError
	if stderrors.As(err, &se) {
		return se.Class == ClassRetryable
	}
	return true
}

// Config selects and configures one sink. Exactly the section matching Kind
// is used.
type Config struct {
	Name      string
	Kind      Kind
	TSDB      TSDBConfig
	PubSub    PubSubConfig
	Archive   ArchiveConfig
	WebSocket WebSocketConfig
}

// Deps are the shared collaborators handed to sinks and the dispatcher.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metric.Metrics
	Health  *health.Monitor
	// NATS is required by pubsub sinks.
	NATS *natsclient.Client
}

func (d Deps) logger(name string) *slog.Logger {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "sink", "sink", name)
}

// New builds the sink described by cfg.
func New(cfg Config, deps Deps) (Sink, error) {
	if cfg.Name == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "sink", "New", "sink name")
	}
	logger := deps.logger(cfg.Name)

	var (
		s   Sink
		err error
	)
	switch cfg.Kind {
	case KindTSDB:
		s, err = NewTSDB(cfg.Name, cfg.TSDB)
	case KindPubSub:
		if deps.NATS == nil {
			return nil, errors.WrapInvalid(errors.ErrMissingConfig, "sink", "New", "pubsub sink needs a NATS connection")
		}
		s, err = NewPubSub(cfg.Name, cfg.PubSub, deps.NATS)
	case KindArchive:
		s, err = NewArchive(cfg.Name, cfg.Archive)
	case KindWebSocket:
		s, err = NewWebSocket(cfg.Name, cfg.WebSocket, logger)
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unknown sink kind %q", cfg.Kind), "sink", "New", "select kind")
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "sink", "New", fmt.Sprintf("create %s sink %s", cfg.Kind, cfg.Name))
	}
	logger.Info("Sink created", "kind", string(cfg.Kind))
	return s, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
