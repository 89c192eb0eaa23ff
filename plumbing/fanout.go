package plumbing

import (
	"context"
	"log/slog"

	"github.com/c360/metricrelay/errors"
	"github.com/c360/metricrelay/metric"
	"github.com/c360/metricrelay/pkg/buffer"
	"github.com/c360/metricrelay/sample"
)

// Leg names used by the engine.
const (
	LegNetwork = "network"
	LegSinks   = "sinks"
)

// Leg is one outbound queue of the fan-out.
type Leg struct {
	name   string
	policy buffer.OverflowPolicy
	queue  buffer.Buffer[sample.MetricSample]
}

// NewLeg creates a leg. Overflow drops are counted under the leg's name.
func NewLeg(name string, capacity int, policy buffer.OverflowPolicy, deps Deps) (*Leg, error) {
	logger := deps.logger("fanout").With("leg", name)
	metrics := deps.Metrics

	queue, err := buffer.NewCircularBuffer(capacity,
		buffer.WithOverflowPolicy[sample.MetricSample](policy),
		buffer.WithMetrics[sample.MetricSample](deps.Registry, "leg_"+name),
		buffer.WithDropCallback[sample.MetricSample](func(s sample.MetricSample) {
			metrics.RecordDropped(name, metric.ReasonOverflow, 1)
			logger.Debug("Dropped sample on overflow", "source_id", s.SourceID, "sequence", s.Sequence)
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Leg", "NewLeg", "queue creation")
	}
	return &Leg{name: name, policy: policy, queue: queue}, nil
}

// Name returns the leg name.
func (l *Leg) Name() string { return l.name }

// Policy returns the leg's overflow policy.
func (l *Leg) Policy() buffer.OverflowPolicy { return l.policy }

// Queue exposes the queue to the leg's consumer.
func (l *Leg) Queue() buffer.Buffer[sample.MetricSample] { return l.queue }

// Stats returns the queue statistics.
func (l *Leg) Stats() *buffer.Statistics { return l.queue.Stats() }

// Close wakes the consumer; it drains what is left and stops.
func (l *Leg) Close() error { return l.queue.Close() }

// FanOut copies every published sample onto each leg.
type FanOut struct {
	legs   []*Leg
	logger *slog.Logger
}

// NewFanOut orders the legs so that non-blocking legs receive each sample
// before any block-policy leg can suspend the publisher.
func NewFanOut(logger *slog.Logger, legs ...*Leg) *FanOut {
	if logger == nil {
		logger = slog.Default().With("component", "fanout")
	}
	ordered := make([]*Leg, 0, len(legs))
	for _, l := range legs {
		if l.policy != buffer.Block {
			ordered = append(ordered, l)
		}
	}
	for _, l := range legs {
		if l.policy == buffer.Block {
			ordered = append(ordered, l)
		}
	}
	return &FanOut{legs: ordered, logger: logger}
}

// Legs returns the legs in publish order.
func (f *FanOut) Legs() []*Leg { return f.legs }

// Publish writes samples to every leg. Only block-policy legs can wait, and
// only until ctx is done.
func (f *FanOut) Publish(ctx context.Context, samples []sample.MetricSample) error {
	for _, s := range samples {
		for _, l := range f.legs {
			if err := l.queue.WriteWithContext(ctx, s); err != nil {
				return errors.Wrap(err, "FanOut", "Publish", "write to leg "+l.name)
			}
		}
	}
	return nil
}

// Close closes every leg.
func (f *FanOut) Close() {
	for _, l := range f.legs {
		_ = l.Close()
	}
}
