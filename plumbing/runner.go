package plumbing

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/c360/metricrelay/sample"
)

// Ingester is the transform pipeline as seen by the runner.
type Ingester interface {
	Ingest(sample.MetricSample) []sample.MetricSample
}

// Runner is the pipeline task: merge, transform, fan out.
type Runner struct {
	merger    *Merger
	pipeline  Ingester
	fanout    *FanOut
	logger    *slog.Logger
	processed atomic.Int64
	emitted   atomic.Int64
}

// NewRunner wires the pipeline task.
func NewRunner(merger *Merger, pipeline Ingester, fanout *FanOut, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		merger:   merger,
		pipeline: pipeline,
		fanout:   fanout,
		logger:   logger.With("component", "pipeline-runner"),
	}
}

// Run processes samples until ctx is done. The sample in hand when ctx ends
// is finished; no further sample is taken.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Pipeline runner started", "sources", r.merger.Sources())
	defer r.logger.Info("Pipeline runner stopped",
		"processed", r.processed.Load(), "emitted", r.emitted.Load())

	for {
		in, err := r.merger.Next(ctx)
		if err != nil {
			return nil
		}
		out := r.pipeline.Ingest(in)
		r.processed.Add(1)
		if len(out) == 0 {
			continue
		}
		if err := r.fanout.Publish(ctx, out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("Publish failed", "error", err)
			continue
		}
		r.emitted.Add(int64(len(out)))
	}
}

// Processed returns the number of samples taken from the merger.
func (r *Runner) Processed() int64 { return r.processed.Load() }
