package source

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/metricrelay/errors"
	"github.com/c360/metricrelay/health"
	"github.com/c360/metricrelay/metric"
	"github.com/c360/metricrelay/plumbing"
	"github.com/c360/metricrelay/sample"
)

// Offerer accepts stamped samples; *plumbing.Ingress implements it.
type Offerer interface {
	Offer(ctx context.Context, s sample.MetricSample) error
}

var _ Offerer = (*plumbing.Ingress)(nil)

// RunnerConfig controls polling cadence.
type RunnerConfig struct {
	Interval time.Duration
	// DegradedInterval spaces polls while the source is degraded.
	DegradedInterval time.Duration
	// Origin is the zero of the monotonic timestamps. Every runner of a
	// process shares one origin.
	Origin time.Time
}

// Runner polls one source and offers its samples to the source's ingress.
type Runner struct {
	src     Source
	out     Offerer
	cfg     RunnerConfig
	logger  *slog.Logger
	metrics *metric.Metrics
	health  *health.Monitor
	stage   string
	now     func() time.Time

	// owned by Run
	nextSeq uint64
	probe   *rate.Limiter

	degraded atomic.Bool
	polls    atomic.Int64
	failures atomic.Int64
	offered  atomic.Int64
}

// NewRunner creates a runner for src writing into out.
func NewRunner(src Source, out Offerer, cfg RunnerConfig, deps Deps) (*Runner, error) {
	if src == nil || out == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Runner", "NewRunner", "source and ingress")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.DegradedInterval <= 0 {
		cfg.DegradedInterval = 10 * cfg.Interval
	}
	if cfg.Origin.IsZero() {
		cfg.Origin = time.Now()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		src:     src,
		out:     out,
		cfg:     cfg,
		logger:  logger.With("component", "source", "source_id", src.ID()),
		metrics: deps.Metrics,
		health:  deps.Health,
		stage:   "source:" + src.ID(),
		now:     time.Now,
	}
	r.metrics.SetSourceDegraded(src.ID(), false)
	r.health.UpdateHealthy(r.stage, "polling")
	return r, nil
}

// ID returns the source id.
func (r *Runner) ID() string { return r.src.ID() }

// Degraded reports whether the source is in degraded mode.
func (r *Runner) Degraded() bool { return r.degraded.Load() }

// Polls returns the number of Poll calls made.
func (r *Runner) Polls() int64 { return r.polls.Load() }

// Failures returns the number of failed polls.
func (r *Runner) Failures() int64 { return r.failures.Load() }

// Offered returns the number of samples accepted by the ingress.
func (r *Runner) Offered() int64 { return r.offered.Load() }

// Run polls until ctx is done and closes the source if it is an io.Closer.
func (r *Runner) Run(ctx context.Context) error {
	if c, ok := r.src.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				r.logger.Warn("Source close failed", "error", err)
			}
		}()
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("Source runner started", "interval", r.cfg.Interval)
	for {
		r.tick(ctx)
		select {
		case <-ctx.Done():
			r.logger.Info("Source runner stopped", "polls", r.polls.Load(), "failures", r.failures.Load())
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if r.degraded.Load() && !r.probe.Allow() {
		return
	}

	r.polls.Add(1)
	raw, err := r.src.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.fail(err)
		return
	}
	if err := raw.validate(); err != nil {
		r.fail(err)
		return
	}
	if r.degraded.Load() {
		r.restore()
	}

	s := r.stamp(raw)
	if err := r.out.Offer(ctx, s); err != nil {
		var seqErr *plumbing.SequenceError
		switch {
		case stderrors.As(err, &seqErr):
			// counted by the ingress
		case ctx.Err() != nil:
		default:
			r.logger.Warn("Offer failed", "metric_id", s.MetricID, "sequence", s.Sequence, "error", err)
		}
		return
	}
	r.offered.Add(1)
}

func (r *Runner) stamp(raw RawSample) sample.MetricSample {
	at := raw.At
	if at.IsZero() {
		at = r.now()
	}
	seq := raw.Sequence
	if !raw.Sequenced {
		seq = r.nextSeq
		r.nextSeq++
	}
	return sample.MetricSample{
		SourceID:  r.src.ID(),
		MetricID:  raw.MetricID,
		Sequence:  seq,
		Timestamp: sample.NewTimestamp(r.cfg.Origin, at),
		Value:     raw.Value,
		Unit:      raw.Unit,
	}
}

func (r *Runner) fail(err error) {
	r.failures.Add(1)
	class := ClassOf(err)
	r.metrics.RecordPollError(r.src.ID(), class.String())

	if class == ClassTransient {
		r.logger.Debug("Transient poll error", "error", err)
		return
	}
	if r.degraded.Swap(true) {
		r.logger.Debug("Degraded source still failing", "error", err)
		return
	}
	r.probe = rate.NewLimiter(rate.Every(r.cfg.DegradedInterval), 1)
	r.probe.Allow()

	r.metrics.SetSourceDegraded(r.src.ID(), true)
	r.health.UpdateError(r.stage, err)
	r.logger.Warn("Source degraded", "degraded_interval", r.cfg.DegradedInterval, "error", err)
}

func (r *Runner) restore() {
	r.degraded.Store(false)
	r.metrics.SetSourceDegraded(r.src.ID(), false)
	r.health.UpdateHealthy(r.stage, "polling")
	r.logger.Info("Source recovered")
}
