package plumbing

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/metricrelay/errors"
	"github.com/c360/metricrelay/metric"
	"github.com/c360/metricrelay/pkg/buffer"
	"github.com/c360/metricrelay/sample"
)

// Ingress is the bounded queue of one source. Offer enforces strictly
// increasing sequences; a gap is accepted.
type Ingress struct {
	sourceID string
	queue    buffer.Buffer[sample.MetricSample]
	metrics  *metric.Metrics
	logger   *slog.Logger

	mu   sync.Mutex
	last uint64
	seen bool

	notifyMu sync.Mutex
	notify   chan<- struct{}
}

// NewIngress creates the queue for sourceID.
func NewIngress(sourceID string, capacity int, policy buffer.OverflowPolicy, deps Deps) (*Ingress, error) {
	in := &Ingress{
		sourceID: sourceID,
		metrics:  deps.Metrics,
		logger:   deps.logger("ingress").With("source_id", sourceID),
	}

	queue, err := buffer.NewCircularBuffer(capacity,
		buffer.WithOverflowPolicy[sample.MetricSample](policy),
		buffer.WithMetrics[sample.MetricSample](deps.Registry, "ingress_"+sourceID),
		buffer.WithDropCallback[sample.MetricSample](func(s sample.MetricSample) {
			in.metrics.RecordDropped("ingress", metric.ReasonOverflow, 1)
			in.logger.Debug("Dropped sample on overflow", "sequence", s.Sequence, "metric_id", s.MetricID)
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Ingress", "NewIngress", "queue creation")
	}
	in.queue = queue
	return in, nil
}

// SourceID returns the source this queue belongs to.
func (in *Ingress) SourceID() string { return in.sourceID }

// Offer enqueues s if its sequence is above every sequence accepted so far.
// Rejected samples return a *SequenceError and are counted, never enqueued.
// With the Block policy Offer waits for room until ctx is done.
func (in *Ingress) Offer(ctx context.Context, s sample.MetricSample) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.seen && s.Sequence <= in.last {
		kind := OutOfOrder
		if s.Sequence == in.last {
			kind = Duplicate
		}
		in.metrics.RecordSequenceRejected(in.sourceID, kind.String())
		in.logger.Debug("Rejected sample", "sequence", s.Sequence, "last", in.last, "kind", kind.String())
		return &SequenceError{SourceID: in.sourceID, Kind: kind, Got: s.Sequence, Last: in.last}
	}

	if err := in.queue.WriteWithContext(ctx, s); err != nil {
		return err
	}
	in.last = s.Sequence
	in.seen = true
	in.metrics.RecordIngested(in.sourceID)
	in.wake()
	return nil
}

// Last returns the highest accepted sequence and whether any was accepted.
func (in *Ingress) Last() (uint64, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.last, in.seen
}

func (in *Ingress) attach(notify chan<- struct{}) {
	in.notifyMu.Lock()
	in.notify = notify
	in.notifyMu.Unlock()
}

func (in *Ingress) wake() {
	in.notifyMu.Lock()
	defer in.notifyMu.Unlock()
	if in.notify == nil {
		return
	}
	select {
	case in.notify <- struct{}{}:
	default:
	}
}

func (in *Ingress) read() (sample.MetricSample, bool) { return in.queue.Read() }

// Len returns the number of queued samples.
func (in *Ingress) Len() int { return in.queue.Size() }

// Stats returns the queue statistics.
func (in *Ingress) Stats() *buffer.Statistics { return in.queue.Stats() }

// Close stops accepting samples; queued samples stay readable.
func (in *Ingress) Close() error { return in.queue.Close() }
