// Package source polls measurement producers and feeds their samples into
// the per-source ingress queues.
//
// A Source only knows how to read one raw value. The Runner owns the
// cadence, assigns sequences and timestamps, and turns Permanent errors into
// a degraded, slower polling mode until the source recovers.
package source

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/c360/metricrelay/errors"
	"github.com/c360/metricrelay/health"
	"github.com/c360/metricrelay/metric"
	"github.com/c360/metricrelay/sample"
)

// Source produces raw readings. Poll is called from a single goroutine.
type Source interface {
	ID() string
	Poll(ctx context.Context) (RawSample, error)
}

// RawSample is one reading before the runner stamps it.
type RawSample struct {
	MetricID string
	Value    sample.Value
	Unit     sample.Unit
	// Sequence is used as is when Sequenced is set; otherwise the runner
	// numbers samples itself.
	Sequence  uint64
	Sequenced bool
	// At is the capture time. Zero means the time of the poll.
	At time.Time
}

// validate rejects readings the relay codec could not carry.
func (raw RawSample) validate() error {
	switch {
	case raw.MetricID == "":
		return Transient(fmt.Errorf("empty metric_id"))
	case len(raw.MetricID) > sample.MaxStringLen:
		return Transient(fmt.Errorf("metric_id of %d bytes exceeds %d", len(raw.MetricID), sample.MaxStringLen))
	case !utf8.ValidString(raw.MetricID):
		return Transient(fmt.Errorf("metric_id %q is not valid UTF-8", raw.MetricID))
	case !raw.Unit.Valid():
		return Transient(fmt.Errorf("metric %s: unknown unit %q", raw.MetricID, raw.Unit))
	}
	return nil
}

// ErrorClass says how the runner reacts to a failed poll.
type ErrorClass int

// Error classes.
const (
	ClassTransient ErrorClass = iota
	ClassPermanent
)

// String implements fmt.Stringer
func (c ErrorClass) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// TransportError is a classified poll failure.
type TransportError struct {
	Class ErrorClass
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport error: %v", e.Class, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transient marks err as worth polling again at the normal cadence.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Class: ClassTransient, Err: err}
}

// Permanent marks err as a condition that will not clear by itself soon.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Class: ClassPermanent, Err: err}
}

// ClassOf returns the class of err. Unclassified errors are transient.
func ClassOf(err error) ErrorClass {
	var te *TransportError
	if stderrors.As(err, &te) {
		return te.Class
	}
	return ClassTransient
}

// Kind is the closed set of source implementations.
type Kind string

// Source kinds.
const (
	KindSim    Kind = "sim"
	KindHwmon  Kind = "hwmon"
	KindReplay Kind = "replay"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSim, KindHwmon, KindReplay:
		return true
	}
	return false
}

// Config selects and configures one source.
type Config struct {
	ID     string
	Kind   Kind
	Sim    SimConfig
	Hwmon  HwmonConfig
	Replay ReplayConfig
}

// New builds the source described by cfg.
func New(cfg Config) (Source, error) {
	if cfg.ID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "source", "New", "source id")
	}
	var (
		s   Source
		err error
	)
	switch cfg.Kind {
	case KindSim:
		s, err = NewSim(cfg.ID, cfg.Sim)
	case KindHwmon:
		s, err = NewHwmon(cfg.ID, cfg.Hwmon)
	case KindReplay:
		s, err = NewReplay(cfg.ID, cfg.Replay)
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unknown source kind %q", cfg.Kind), "source", "New", "select kind")
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "source", "New", fmt.Sprintf("create %s source %s", cfg.Kind, cfg.ID))
	}
	return s, nil
}

// Deps are the shared collaborators of a runner.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metric.Metrics
	Health  *health.Monitor
}
