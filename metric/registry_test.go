package metric

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/metricrelay/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.Same(t, registry.Metrics, registry.CoreMetrics())
}

func TestMetricsRegistry_RejectsDuplicates(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "test"})
	require.NoError(t, registry.RegisterCounter("relay", "test_counter", counter))

	err := registry.RegisterCounter("relay", "test_counter", counter)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "test"})
	err = registry.RegisterCounter("sink", "test_counter", other)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err), "prometheus name conflict is invalid, not fatal")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "test"})
	require.NoError(t, registry.RegisterGauge("buffer", "size", gauge))

	assert.True(t, registry.Unregister("buffer", "size"))
	assert.False(t, registry.Unregister("buffer", "size"))
	require.NoError(t, registry.RegisterGauge("buffer", "size", gauge))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordIngested("s")
		m.RecordDropped("network", ReasonOverflow, 3)
		m.SetRelayState("peer", 3)
		m.SetSinkDegraded("tsdb", true)
		m.RecordSinkDelivery("tsdb", "ok", 0.1)
	})

	var r *MetricsRegistry
	assert.Nil(t, r.CoreMetrics())
}

func TestServer_ExposesCoreMetrics(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.Metrics.RecordDropped("network", ReasonOverflow, 50)

	srv := NewServer("127.0.0.1:0", registry, nil)
	srv.Handle("/ping", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "pong")
	}))
	require.NoError(t, srv.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	}()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(strings.NewReader(string(body)))
	require.NoError(t, err)

	dropped, ok := families["metricrelay_samples_dropped_total"]
	require.True(t, ok, "dropped counter exported")
	require.Len(t, dropped.GetMetric(), 1)
	assert.Equal(t, 50.0, dropped.GetMetric()[0].GetCounter().GetValue())

	ping, err := http.Get("http://" + srv.Addr() + "/ping")
	require.NoError(t, err)
	defer ping.Body.Close()
	assert.Equal(t, http.StatusOK, ping.StatusCode)
}
