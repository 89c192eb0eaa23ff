package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/metricrelay/errors"
	"github.com/c360/metricrelay/health"
	"github.com/c360/metricrelay/metric"
	"github.com/c360/metricrelay/pkg/buffer"
	"github.com/c360/metricrelay/pkg/retry"
	"github.com/c360/metricrelay/sample"
)

// Delivery results used as the "result" label of sink metrics.
const (
	resultOK          = "ok"
	resultRetryable   = "retryable"
	resultFatal       = "fatal"
	resultProbeFailed = "probe_failed"
)

// DispatcherConfig configures per-sink delivery.
type DispatcherConfig struct {
	// BatchSamples is the number of samples taken from the sink leg per batch.
	BatchSamples int
	// QueueCapacity is the number of batches queued per sink. Each queue
	// drops its oldest batch when full.
	QueueCapacity int
	Retry         retry.Config
	// DegradeAfter consecutive failed batches mark a sink degraded.
	DegradeAfter int
	// ProbeInterval spaces delivery attempts to a degraded sink; batches in
	// between are dropped.
	ProbeInterval  time.Duration
	DeliverTimeout time.Duration
}

// DefaultDispatcherConfig returns the dispatcher defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSamples:   256,
		QueueCapacity:  64,
		Retry:          retry.DefaultConfig(),
		DegradeAfter:   3,
		ProbeInterval:  5 * time.Second,
		DeliverTimeout: 10 * time.Second,
	}
}

// SinkStatus is a point-in-time view of one sink.
type SinkStatus struct {
	Name      string
	Degraded  bool
	Queued    int
	Delivered int64
	Failed    int64
}

// Dispatcher copies batches from the sink leg into a queue per sink and runs
// one delivery worker per sink.
type Dispatcher struct {
	cfg     DispatcherConfig
	leg     buffer.Buffer[sample.MetricSample]
	workers []*worker
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewDispatcher creates a dispatcher over sinks, reading from leg.
func NewDispatcher(cfg DispatcherConfig, leg buffer.Buffer[sample.MetricSample], sinks []Sink, deps Deps) (*Dispatcher, error) {
	if leg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Dispatcher", "NewDispatcher", "sink leg")
	}
	def := DefaultDispatcherConfig()
	if cfg.BatchSamples <= 0 {
		cfg.BatchSamples = def.BatchSamples
	}
	cfg.BatchSamples = min(cfg.BatchSamples, sample.MaxBatchSamples)
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.DegradeAfter <= 0 {
		cfg.DegradeAfter = def.DegradeAfter
	}
	cfg.ProbeInterval = orDefault(cfg.ProbeInterval, def.ProbeInterval)
	cfg.DeliverTimeout = orDefault(cfg.DeliverTimeout, def.DeliverTimeout)

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:     cfg,
		leg:     leg,
		logger:  logger.With("component", "sink-dispatcher"),
		metrics: deps.Metrics,
	}

	seen := make(map[string]bool, len(sinks))
	for _, s := range sinks {
		if seen[s.Name()] {
			return nil, errors.WrapInvalid(fmt.Errorf("duplicate sink name %q", s.Name()),
				"Dispatcher", "NewDispatcher", "register sink")
		}
		seen[s.Name()] = true

		w, err := newWorker(cfg, s, deps, logger)
		if err != nil {
			return nil, err
		}
		d.workers = append(d.workers, w)
	}
	return d, nil
}

// Run delivers until ctx is done. Each worker finishes its current delivery
// before returning; all sinks are closed afterwards.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}
	d.logger.Info("Sink dispatcher started", "sinks", len(d.workers))

	for {
		d.drainLeg()
		select {
		case <-ctx.Done():
			wg.Wait()
			d.abandon()
			d.closeSinks()
			d.logger.Info("Sink dispatcher stopped")
			return nil
		case <-d.leg.Ready():
		}
	}
}

func (d *Dispatcher) drainLeg() {
	for {
		items := d.leg.ReadBatch(d.cfg.BatchSamples)
		if len(items) == 0 {
			return
		}
		d.Dispatch(sample.SampleBatch{Samples: items})
	}
}

// Dispatch queues batch for every sink without blocking. Sinks only read
// the batch, so it is shared.
func (d *Dispatcher) Dispatch(batch sample.SampleBatch) {
	if batch.Len() == 0 {
		return
	}
	for _, w := range d.workers {
		if err := w.queue.Write(batch); err != nil {
			w.metrics.RecordDropped(w.stage, metric.ReasonSinkFailed, batch.Len())
		}
	}
}

// abandon counts the samples shutdown leaves undelivered: batches still
// queued for a sink, and samples on the sink leg that never reached a queue.
func (d *Dispatcher) abandon() {
	queued := 0
	for _, w := range d.workers {
		n := 0
		for {
			batch, ok := w.queue.Read()
			if !ok {
				break
			}
			n += batch.Len()
		}
		if n > 0 {
			w.failed.Add(int64(n))
			w.metrics.RecordDropped(w.stage, metric.ReasonShutdown, n)
			queued += n
		}
	}

	unread := 0
	for {
		items := d.leg.ReadBatch(d.cfg.BatchSamples)
		if len(items) == 0 {
			break
		}
		unread += len(items)
	}
	if unread > 0 {
		d.metrics.RecordDropped("sink-dispatcher", metric.ReasonShutdown, unread)
	}

	if queued+unread > 0 {
		d.logger.Warn("Sink dispatcher stopped with undelivered samples",
			"queued", queued, "unread", unread)
	}
}

func (d *Dispatcher) closeSinks() {
	for _, w := range d.workers {
		_ = w.queue.Close()
		if err := w.sink.Close(); err != nil {
			d.logger.Warn("Sink close failed", "sink", w.sink.Name(), "error", err)
		}
	}
}

// Status returns the state of every sink in registration order.
func (d *Dispatcher) Status() []SinkStatus {
	out := make([]SinkStatus, len(d.workers))
	for i, w := range d.workers {
		out[i] = SinkStatus{
			Name:      w.sink.Name(),
			Degraded:  w.degraded.Load(),
			Queued:    w.queue.Size(),
			Delivered: w.delivered.Load(),
			Failed:    w.failed.Load(),
		}
	}
	return out
}

type worker struct {
	sink    Sink
	cfg     DispatcherConfig
	queue   buffer.Buffer[sample.SampleBatch]
	logger  *slog.Logger
	metrics *metric.Metrics
	health  *health.Monitor
	stage   string

	// owned by the worker goroutine
	consecutive int
	probe       *rate.Limiter

	degraded  atomic.Bool
	delivered atomic.Int64
	failed    atomic.Int64
}

func newWorker(cfg DispatcherConfig, s Sink, deps Deps, logger *slog.Logger) (*worker, error) {
	w := &worker{
		sink:    s,
		cfg:     cfg,
		logger:  logger.With("component", "sink", "sink", s.Name()),
		metrics: deps.Metrics,
		health:  deps.Health,
		stage:   "sink:" + s.Name(),
	}
	queue, err := buffer.NewCircularBuffer[sample.SampleBatch](cfg.QueueCapacity,
		buffer.WithOverflowPolicy[sample.SampleBatch](buffer.DropOldest),
		buffer.WithDropCallback[sample.SampleBatch](func(b sample.SampleBatch) {
			w.metrics.RecordDropped(w.stage, metric.ReasonOverflow, b.Len())
		}),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "Dispatcher", "newWorker", "create sink queue")
	}
	w.queue = queue
	w.metrics.SetSinkDegraded(s.Name(), false)
	w.health.UpdateHealthy(w.stage, "delivering")
	return w, nil
}

func (w *worker) run(ctx context.Context) {
	for ctx.Err() == nil {
		batch, err := w.queue.ReadWithContext(ctx)
		if err != nil {
			return
		}
		w.handle(ctx, batch)
	}
}

func (w *worker) handle(ctx context.Context, batch sample.SampleBatch) {
	if w.degraded.Load() {
		w.probeDelivery(ctx, batch)
		return
	}

	start := time.Now()
	err := retry.Do(ctx, w.cfg.Retry, func() error {
		err := w.attempt(ctx, batch)
		if err != nil && !IsRetryable(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
	elapsed := time.Since(start).Seconds()

	if err == nil {
		w.metrics.RecordSinkDelivery(w.sink.Name(), resultOK, elapsed)
		w.delivered.Add(int64(batch.Len()))
		w.consecutive = 0
		return
	}

	result := resultRetryable
	if !IsRetryable(err) {
		result = resultFatal
	}
	w.metrics.RecordSinkDelivery(w.sink.Name(), result, elapsed)
	w.drop(batch)
	w.consecutive++
	w.logger.Debug("Sink delivery failed", "samples", batch.Len(), "result", result,
		"consecutive_failures", w.consecutive, "error", err)

	if w.consecutive >= w.cfg.DegradeAfter {
		w.degrade(err)
	}
}

// probeDelivery makes a single attempt when the probe limiter allows one and
// drops the batch otherwise.
func (w *worker) probeDelivery(ctx context.Context, batch sample.SampleBatch) {
	if !w.probe.Allow() {
		w.drop(batch)
		return
	}
	start := time.Now()
	err := w.attempt(ctx, batch)
	if err != nil {
		w.metrics.RecordSinkDelivery(w.sink.Name(), resultProbeFailed, time.Since(start).Seconds())
		w.drop(batch)
		w.logger.Debug("Degraded sink probe failed", "error", err)
		return
	}
	w.metrics.RecordSinkDelivery(w.sink.Name(), resultOK, time.Since(start).Seconds())
	w.delivered.Add(int64(batch.Len()))
	w.restore()
}

// attempt runs one Deliver call. Shutdown does not interrupt it; the
// deliver timeout bounds it.
func (w *worker) attempt(ctx context.Context, batch sample.SampleBatch) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.DeliverTimeout)
	defer cancel()
	return w.sink.Deliver(callCtx, batch)
}

func (w *worker) drop(batch sample.SampleBatch) {
	w.failed.Add(int64(batch.Len()))
	w.metrics.RecordDropped(w.stage, metric.ReasonSinkFailed, batch.Len())
}

func (w *worker) degrade(cause error) {
	if w.degraded.Swap(true) {
		return
	}
	w.probe = rate.NewLimiter(rate.Every(w.cfg.ProbeInterval), 1)
	w.probe.Allow()

	w.metrics.SetSinkDegraded(w.sink.Name(), true)
	w.health.UpdateError(w.stage, cause)
	w.logger.Warn("Sink degraded", "consecutive_failures", w.consecutive,
		"probe_interval", w.cfg.ProbeInterval, "error", cause)
}

func (w *worker) restore() {
	w.degraded.Store(false)
	w.consecutive = 0
	w.metrics.SetSinkDegraded(w.sink.Name(), false)
	w.health.UpdateHealthy(w.stage, "delivering")
	w.logger.Info("Sink recovered")
}
