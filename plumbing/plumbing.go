// Package plumbing connects sources, the transform pipeline and the outbound
// legs with bounded queues.
//
// Each source writes into its own Ingress, which rejects duplicate and
// out-of-order sequences. A Merger drains the ingress queues round-robin into
// the pipeline task, and a FanOut copies pipeline output onto independent
// legs (the relay's network leg and the local sink leg), each with its own
// capacity and overflow policy.
package plumbing

import (
	"fmt"
	"log/slog"

	"github.com/c360/metricrelay/metric"
)

// Deps carries the shared collaborators of plumbing components.
type Deps struct {
	Metrics  *metric.Metrics
	Registry *metric.MetricsRegistry
	Logger   *slog.Logger
}

func (d Deps) logger(component string) *slog.Logger {
	if d.Logger != nil {
		return d.Logger.With("component", component)
	}
	return slog.Default().With("component", component)
}

// SequenceKind tells why an ingress rejected a sample.
type SequenceKind int

// Sequence rejection kinds.
const (
	Duplicate SequenceKind = iota
	OutOfOrder
)

// String implements fmt.Stringer
func (k SequenceKind) String() string {
	if k == Duplicate {
		return "duplicate"
	}
	return "out_of_order"
}

// SequenceError reports a sample whose sequence did not advance its source.
// It is informational: the sample was dropped and counted.
type SequenceError struct {
	SourceID string
	Kind     SequenceKind
	Got      uint64
	Last     uint64
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("source %s: %s sequence %d (last accepted %d)", e.SourceID, e.Kind, e.Got, e.Last)
}
