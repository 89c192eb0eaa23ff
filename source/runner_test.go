package source

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/metricrelay/health"
	"github.com/c360/metricrelay/metric"
	"github.com/c360/metricrelay/pkg/buffer"
	"github.com/c360/metricrelay/plumbing"
	"github.com/c360/metricrelay/sample"
)

type collectingIngress struct {
	mu      sync.Mutex
	samples []sample.MetricSample
}

func (c *collectingIngress) Offer(_ context.Context, s sample.MetricSample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
	return nil
}

func (c *collectingIngress) snapshot() []sample.MetricSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sample.MetricSample(nil), c.samples...)
}

// scriptedSource answers Poll with script(call), call starting at 1.
type scriptedSource struct {
	id     string
	script func(call int) (RawSample, error)
	calls  atomic.Int32
	closed atomic.Bool
}

func (s *scriptedSource) ID() string { return s.id }

func (s *scriptedSource) Poll(context.Context) (RawSample, error) {
	return s.script(int(s.calls.Add(1)))
}

func (s *scriptedSource) Close() error {
	s.closed.Store(true)
	return nil
}

func okReading(int) (RawSample, error) {
	return RawSample{MetricID: "temp", Value: sample.Scalar(1), Unit: sample.UnitCelsius}, nil
}

type runnerHarness struct {
	r       *Runner
	metrics *metric.Metrics
	health  *health.Monitor
	cancel  context.CancelFunc
	done    chan error

	stopOnce sync.Once
	runErr   error
}

func (h *runnerHarness) stop() error {
	h.stopOnce.Do(func() {
		h.cancel()
		h.runErr = <-h.done
	})
	return h.runErr
}

func startRunner(t *testing.T, src Source, out Offerer, cfg RunnerConfig) *runnerHarness {
	t.Helper()
	h := &runnerHarness{metrics: metric.NewMetrics(), health: health.NewMonitor(), done: make(chan error, 1)}
	r, err := NewRunner(src, out, cfg, Deps{Metrics: h.metrics, Health: h.health})
	require.NoError(t, err)
	h.r = r

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- r.Run(ctx) }()
	t.Cleanup(func() { _ = h.stop() })
	return h
}

func TestRunner_StampsSequenceAndTime(t *testing.T) {
	out := &collectingIngress{}
	src := &scriptedSource{id: "board", script: okReading}
	origin := time.Now()
	h := startRunner(t, src, out, RunnerConfig{Interval: 2 * time.Millisecond, Origin: origin})

	require.Eventually(t, func() bool { return len(out.snapshot()) >= 10 }, 2*time.Second, time.Millisecond)

	samples := out.snapshot()
	for i, s := range samples {
		assert.Equal(t, "board", s.SourceID)
		assert.Equal(t, "temp", s.MetricID)
		assert.Equal(t, uint64(i), s.Sequence)
		assert.Positive(t, s.Timestamp.Wall)
		assert.GreaterOrEqual(t, s.Timestamp.Mono, int64(0))
		if i > 0 {
			assert.False(t, s.Timestamp.Before(samples[i-1].Timestamp))
		}
	}
	assert.GreaterOrEqual(t, h.r.Offered(), int64(10))

	require.NoError(t, h.stop())
	assert.True(t, src.closed.Load())
}

func TestRunner_UsesSourceSequenceAndTime(t *testing.T) {
	out := &collectingIngress{}
	at := time.Now().Add(-time.Minute)
	src := &scriptedSource{id: "rec", script: func(call int) (RawSample, error) {
		return RawSample{MetricID: "m", Value: sample.Scalar(2), Sequence: uint64(100 + call), Sequenced: true, At: at}, nil
	}}
	startRunner(t, src, out, RunnerConfig{Interval: 2 * time.Millisecond, Origin: at.Add(-time.Second)})

	require.Eventually(t, func() bool { return len(out.snapshot()) >= 2 }, 2*time.Second, time.Millisecond)
	samples := out.snapshot()
	assert.Equal(t, uint64(101), samples[0].Sequence)
	assert.Equal(t, uint64(102), samples[1].Sequence)
	assert.Equal(t, int64(time.Second), samples[0].Timestamp.Mono)
	assert.Equal(t, at.UnixNano(), samples[0].Timestamp.Wall)
}

func TestRunner_TransientErrorsDoNotDegrade(t *testing.T) {
	out := &collectingIngress{}
	src := &scriptedSource{id: "flaky", script: func(call int) (RawSample, error) {
		if call%2 == 0 {
			return RawSample{}, Transient(errors.New("EAGAIN"))
		}
		return okReading(call)
	}}
	h := startRunner(t, src, out, RunnerConfig{Interval: 2 * time.Millisecond})

	require.Eventually(t, func() bool { return h.r.Failures() >= 3 }, 2*time.Second, time.Millisecond)
	assert.False(t, h.r.Degraded())
	assert.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.SourcePollErrors.WithLabelValues("flaky", "transient")), float64(3))

	samples := out.snapshot()
	for i, s := range samples {
		assert.Equal(t, uint64(i), s.Sequence, "failed polls must not consume sequence numbers")
	}
}

func TestRunner_DropsReadingsTheCodecCannotCarry(t *testing.T) {
	out := &collectingIngress{}
	src := &scriptedSource{id: "replay", script: func(call int) (RawSample, error) {
		switch call % 4 {
		case 1:
			return RawSample{MetricID: "temp\xff", Value: sample.Scalar(1)}, nil
		case 2:
			return RawSample{MetricID: "temp", Value: sample.Scalar(1), Unit: "furlong"}, nil
		case 3:
			return RawSample{Value: sample.Scalar(1)}, nil
		}
		return okReading(call)
	}}
	h := startRunner(t, src, out, RunnerConfig{Interval: 2 * time.Millisecond})

	require.Eventually(t, func() bool { return len(out.snapshot()) >= 3 }, 2*time.Second, time.Millisecond)
	assert.False(t, h.r.Degraded())
	assert.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.SourcePollErrors.WithLabelValues("replay", "transient")), float64(9))

	for i, s := range out.snapshot() {
		assert.Equal(t, "temp", s.MetricID)
		assert.Equal(t, sample.UnitCelsius, s.Unit)
		assert.Equal(t, uint64(i), s.Sequence, "rejected readings must not consume sequence numbers")
	}
}

func TestRunner_PermanentErrorDegradesUntilSuccess(t *testing.T) {
	out := &collectingIngress{}
	var failing atomic.Bool
	failing.Store(true)
	src := &scriptedSource{id: "sensor", script: func(call int) (RawSample, error) {
		if failing.Load() {
			return RawSample{}, Permanent(errors.New("temp1_input: no such file"))
		}
		return okReading(call)
	}}
	h := startRunner(t, src, out, RunnerConfig{Interval: time.Millisecond, DegradedInterval: 50 * time.Millisecond})

	require.Eventually(t, h.r.Degraded, time.Second, time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SourceDegraded.WithLabelValues("sensor")))
	st, ok := h.health.Get("source:sensor")
	require.True(t, ok)
	assert.False(t, st.IsHealthy())

	// Degraded polling is paced by DegradedInterval, not Interval.
	before := h.r.Polls()
	time.Sleep(120 * time.Millisecond)
	assert.LessOrEqual(t, h.r.Polls()-before, int64(4))

	failing.Store(false)
	require.Eventually(t, func() bool { return !h.r.Degraded() }, time.Second, time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.SourceDegraded.WithLabelValues("sensor")))
	st, _ = h.health.Get("source:sensor")
	assert.True(t, st.IsHealthy())
	require.Eventually(t, func() bool { return len(out.snapshot()) > 0 }, time.Second, time.Millisecond)
}

func TestRunner_FeedsIngress(t *testing.T) {
	in, err := plumbing.NewIngress("rec", 64, buffer.DropOldest, plumbing.Deps{})
	require.NoError(t, err)

	seqs := []uint64{1, 2, 2, 1, 5}
	src := &scriptedSource{id: "rec", script: func(call int) (RawSample, error) {
		if call > len(seqs) {
			return RawSample{}, Permanent(errors.New("done"))
		}
		return RawSample{MetricID: "m", Value: sample.Scalar(0), Sequence: seqs[call-1], Sequenced: true}, nil
	}}
	h := startRunner(t, src, in, RunnerConfig{Interval: time.Millisecond})

	require.Eventually(t, h.r.Degraded, time.Second, time.Millisecond)
	assert.Equal(t, int64(3), h.r.Offered())
	assert.Equal(t, 3, in.Len())
	last, ok := in.Last()
	require.True(t, ok)
	assert.Equal(t, uint64(5), last)
}

func TestNewRunner_Defaults(t *testing.T) {
	_, err := NewRunner(nil, &collectingIngress{}, RunnerConfig{}, Deps{})
	assert.Error(t, err)

	r, err := NewRunner(&scriptedSource{id: "x", script: okReading}, &collectingIngress{}, RunnerConfig{Interval: 200 * time.Millisecond}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, r.cfg.DegradedInterval)
	assert.False(t, r.cfg.Origin.IsZero())
	assert.Equal(t, "x", r.ID())
}
