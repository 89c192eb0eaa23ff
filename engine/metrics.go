package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/metricrelay/metric"
)

// engineMetrics holds Prometheus metrics for engine lifecycle operations.
type engineMetrics struct {
	reloads        *prometheus.CounterVec   // by result (ok/invalid)
	reloadDuration *prometheus.HistogramVec // by result
	tasks          prometheus.Gauge         // running tasks
}

// newEngineMetrics creates and registers engine metrics with the provided registry.
func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &engineMetrics{
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metricrelay",
			Subsystem: "engine",
			Name:      "reloads_total",
			Help:      "Total number of transform reloads",
		}, []string{"result"}),

		reloadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "metricrelay",
			Subsystem: "engine",
			Name:      "reload_duration_seconds",
			Help:      "Transform reload duration in seconds",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		}, []string{"result"}),

		tasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "metricrelay",
			Subsystem: "engine",
			Name:      "tasks",
			Help:      "Current number of running engine tasks",
		}),
	}

	if err := registry.RegisterCounterVec("engine", "reloads", m.reloads); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("engine", "reload_duration", m.reloadDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "tasks", m.tasks); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *engineMetrics) recordReload(ok bool, seconds float64) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "invalid"
	}
	m.reloads.WithLabelValues(result).Inc()
	m.reloadDuration.WithLabelValues(result).Observe(seconds)
}

func (m *engineMetrics) taskStarted() {
	if m != nil {
		m.tasks.Inc()
	}
}

func (m *engineMetrics) taskStopped() {
	if m != nil {
		m.tasks.Dec()
	}
}
