package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/metricrelay/health"
	"github.com/c360/metricrelay/metric"
	"github.com/c360/metricrelay/pkg/buffer"
	"github.com/c360/metricrelay/pkg/retry"
	"github.com/c360/metricrelay/sample"
)

func testDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSamples:  16,
		QueueCapacity: 16,
		Retry: retry.Config{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
		},
		DegradeAfter:   2,
		ProbeInterval:  20 * time.Millisecond,
		DeliverTimeout: time.Second,
	}
}

func newLeg(t *testing.T) buffer.Buffer[sample.MetricSample] {
	t.Helper()
	leg, err := buffer.NewCircularBuffer[sample.MetricSample](1024)
	require.NoError(t, err)
	return leg
}

type dispatcherHarness struct {
	d       *Dispatcher
	leg     buffer.Buffer[sample.MetricSample]
	metrics *metric.Metrics
	health  *health.Monitor
	cancel  context.CancelFunc
	done    chan error

	stopOnce sync.Once
	runErr   error
}

func startDispatcher(t *testing.T, cfg DispatcherConfig, sinks ...Sink) *dispatcherHarness {
	t.Helper()
	h := &dispatcherHarness{
		leg:     newLeg(t),
		metrics: metric.NewMetrics(),
		health:  health.NewMonitor(),
		done:    make(chan error, 1),
	}
	d, err := NewDispatcher(cfg, h.leg, sinks, Deps{Metrics: h.metrics, Health: h.health})
	require.NoError(t, err)
	h.d = d

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- d.Run(ctx) }()
	t.Cleanup(func() { _ = h.stop() })
	return h
}

// stop cancels Run and returns its result; it reports a timeout if Run hangs.
func (h *dispatcherHarness) stop() error {
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case h.runErr = <-h.done:
		case <-time.After(5 * time.Second):
			h.runErr = errors.New("dispatcher did not stop")
		}
	})
	return h.runErr
}

func (h *dispatcherHarness) status(name string) SinkStatus {
	for _, s := range h.d.Status() {
		if s.Name == name {
			return s
		}
	}
	return SinkStatus{}
}

func TestDispatcher_FailingSinkDoesNotBlockOthers(t *testing.T) {
	healthy := &fakeSink{name: "healthy"}
	broken := &fakeSink{name: "broken", fail: func(int) error { return Retryable(errors.New("unreachable")) }}
	h := startDispatcher(t, testDispatcherConfig(), broken, healthy)

	for i := 1; i <= 40; i++ {
		require.NoError(t, h.leg.Write(testBatch("hw", uint64(i)).Samples[0]))
	}

	require.Eventually(t, func() bool { return healthy.samples() == 40 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.status("broken").Degraded }, 3*time.Second, 10*time.Millisecond)

	assert.False(t, h.status("healthy").Degraded)
	assert.Equal(t, int64(40), h.status("healthy").Delivered)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SinkDegraded.WithLabelValues("broken")))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.SinkDegraded.WithLabelValues("healthy")))

	st, ok := h.health.Get("sink:broken")
	require.True(t, ok)
	assert.False(t, st.IsHealthy())
	st, ok = h.health.Get("sink:healthy")
	require.True(t, ok)
	assert.True(t, st.IsHealthy())

	require.NoError(t, h.stop())
	assert.True(t, healthy.closed.Load())
	assert.True(t, broken.closed.Load())
	assert.Positive(t, testutil.ToFloat64(h.metrics.SamplesDropped.WithLabelValues("sink:broken", metric.ReasonSinkFailed)))
}

func TestDispatcher_DegradeProbeAndRecover(t *testing.T) {
	cfg := testDispatcherConfig()
	cfg.Retry.MaxAttempts = 1
	flaky := &fakeSink{name: "flaky", fail: func(call int) error {
		if call <= 3 {
			return Retryable(errors.New("503"))
		}
		return nil
	}}
	h := startDispatcher(t, cfg, flaky)

	h.d.Dispatch(testBatch("hw", 1))
	h.d.Dispatch(testBatch("hw", 2))
	require.Eventually(t, func() bool { return h.status("flaky").Degraded }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), h.status("flaky").Failed)

	seq := uint64(3)
	require.Eventually(t, func() bool {
		h.d.Dispatch(testBatch("hw", seq))
		seq++
		return !h.status("flaky").Degraded
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, flaky.samples())
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.SinkDegraded.WithLabelValues("flaky")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SinkDeliveries.WithLabelValues("flaky", resultProbeFailed)))
	st, ok := h.health.Get("sink:flaky")
	require.True(t, ok)
	assert.True(t, st.IsHealthy())
}

func TestDispatcher_FatalIsNotRetried(t *testing.T) {
	cfg := testDispatcherConfig()
	cfg.Retry.MaxAttempts = 5
	cfg.DegradeAfter = 10
	bad := &fakeSink{name: "bad", fail: func(int) error { return Fatal(errors.New("400 bad request")) }}
	h := startDispatcher(t, cfg, bad)

	h.d.Dispatch(testBatch("hw", 1, 2, 3))
	require.Eventually(t, func() bool { return h.status("bad").Failed == 3 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), bad.calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SinkDeliveries.WithLabelValues("bad", resultFatal)))
	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.SamplesDropped.WithLabelValues("sink:bad", metric.ReasonSinkFailed)))
	assert.False(t, h.status("bad").Degraded)
}

func TestDispatcher_RetriesRetryableFailures(t *testing.T) {
	cfg := testDispatcherConfig()
	cfg.Retry.MaxAttempts = 3
	sink := &fakeSink{name: "tsdb", fail: func(call int) error {
		if call < 3 {
			return Retryable(errors.New("timeout"))
		}
		return nil
	}}
	h := startDispatcher(t, cfg, sink)

	h.d.Dispatch(testBatch("hw", 1))
	require.Eventually(t, func() bool { return sink.samples() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), sink.calls.Load())
	assert.Equal(t, int64(0), h.status("tsdb").Failed)
}

func TestDispatcher_QueueDropsOldest(t *testing.T) {
	cfg := testDispatcherConfig()
	cfg.QueueCapacity = 2
	slow := &fakeSink{name: "slow", delay: 200 * time.Millisecond}
	fast := &fakeSink{name: "fast"}
	h := startDispatcher(t, cfg, slow, fast)

	for i := 1; i <= 6; i++ {
		h.d.Dispatch(testBatch("hw", uint64(i)))
	}

	require.Eventually(t, func() bool { return fast.samples() == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.SamplesDropped.WithLabelValues("sink:slow", metric.ReasonOverflow)), float64(3))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.SamplesDropped.WithLabelValues("sink:fast", metric.ReasonOverflow)))

	// The newest batch survives.
	require.Eventually(t, func() bool {
		slow.mu.Lock()
		defer slow.mu.Unlock()
		n := len(slow.batches)
		return n > 0 && slow.batches[n-1].Samples[0].Sequence == 6
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDispatcher_ShutdownFinishesInFlightDelivery(t *testing.T) {
	slow := &fakeSink{name: "slow", delay: 100 * time.Millisecond}
	h := startDispatcher(t, testDispatcherConfig(), slow)

	h.d.Dispatch(testBatch("hw", 1))
	require.Eventually(t, func() bool { return slow.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.stop())
	assert.Equal(t, 1, slow.samples())
	assert.True(t, slow.closed.Load())
}

func TestDispatcher_ShutdownCountsQueuedBatches(t *testing.T) {
	slow := &fakeSink{name: "slow", delay: 100 * time.Millisecond}
	h := startDispatcher(t, testDispatcherConfig(), slow)

	h.d.Dispatch(testBatch("hw", 1))
	require.Eventually(t, func() bool { return slow.calls.Load() == 1 }, time.Second, time.Millisecond)
	h.d.Dispatch(testBatch("hw", 2, 3))
	h.d.Dispatch(testBatch("hw", 4))

	require.NoError(t, h.stop())
	assert.Equal(t, 1, slow.samples())
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.SamplesDropped.WithLabelValues("sink:slow", metric.ReasonShutdown)))
	assert.Equal(t, int64(3), h.status("slow").Failed)
	assert.Zero(t, h.status("slow").Queued)
}

func TestDispatcher_AbandonCountsUnreadLeg(t *testing.T) {
	leg := newLeg(t)
	for i := 1; i <= 5; i++ {
		require.NoError(t, leg.Write(testBatch("hw", uint64(i)).Samples[0]))
	}
	m := metric.NewMetrics()
	d, err := NewDispatcher(testDispatcherConfig(), leg, []Sink{&fakeSink{name: "a"}}, Deps{Metrics: m})
	require.NoError(t, err)

	d.abandon()
	assert.Equal(t, 5.0, testutil.ToFloat64(m.SamplesDropped.WithLabelValues("sink-dispatcher", metric.ReasonShutdown)))
	assert.True(t, leg.IsEmpty())

	d.abandon()
	assert.Equal(t, 5.0, testutil.ToFloat64(m.SamplesDropped.WithLabelValues("sink-dispatcher", metric.ReasonShutdown)))
}

func TestNewDispatcher_Validation(t *testing.T) {
	leg := newLeg(t)

	_, err := NewDispatcher(testDispatcherConfig(), nil, nil, Deps{})
	assert.Error(t, err)

	_, err = NewDispatcher(testDispatcherConfig(), leg, []Sink{&fakeSink{name: "a"}, &fakeSink{name: "a"}}, Deps{})
	assert.Error(t, err)

	d, err := NewDispatcher(DispatcherConfig{}, leg, []Sink{&fakeSink{name: "a"}}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, DefaultDispatcherConfig().QueueCapacity, d.cfg.QueueCapacity)
	assert.Equal(t, []SinkStatus{{Name: "a"}}, d.Status())
}
