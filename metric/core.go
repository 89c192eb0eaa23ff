package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "metricrelay"

// Drop reasons used as the "reason" label of SamplesDropped.
const (
	ReasonOverflow   = "overflow"
	ReasonSinkFailed = "sink_failed"
	ReasonDuplicate  = "duplicate"
	ReasonFiltered   = "filtered"
	ReasonEncode     = "encode_failed"
	ReasonShutdown   = "shutdown"
)

// Metrics contains the process-level relay metrics. All Record methods are safe
// on a nil receiver so components can run without a registry.
type Metrics struct {
	SamplesIngested  *prometheus.CounterVec
	SamplesDropped   *prometheus.CounterVec
	SequenceRejected *prometheus.CounterVec
	TransformEmitted *prometheus.CounterVec
	TransformResets  prometheus.Counter
	RelayState       *prometheus.GaugeVec
	RelayFrames      *prometheus.CounterVec
	RelayReconnects  *prometheus.CounterVec
	RelayAckedSeq    *prometheus.GaugeVec
	DedupDiscarded   *prometheus.CounterVec
	SinkDeliveries   *prometheus.CounterVec
	SinkDegraded     *prometheus.GaugeVec
	SinkLatency      *prometheus.HistogramVec
	SourceDegraded   *prometheus.GaugeVec
	SourcePollErrors *prometheus.CounterVec
}

// NewMetrics creates the relay metrics without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		SamplesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "samples", Name: "ingested_total",
			Help: "Samples accepted at ingress per source",
		}, []string{"source"}),
		SamplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "samples", Name: "dropped_total",
			Help: "Samples dropped per stage and reason",
		}, []string{"stage", "reason"}),
		SequenceRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "samples", Name: "sequence_rejected_total",
			Help: "Samples rejected at ingress for duplicate or out-of-order sequence",
		}, []string{"source", "kind"}),
		TransformEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transform", Name: "emitted_total",
			Help: "Derived samples emitted per stage kind",
		}, []string{"stage"}),
		TransformResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transform", Name: "resets_total",
			Help: "Explicit transform state resets caused by configuration reloads",
		}),
		RelayState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "state",
			Help: "Relay connection state (0=disconnected 1=connecting 2=handshaking 3=connected 4=backoff 5=shutting_down)",
		}, []string{"peer"}),
		RelayFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "frames_total",
			Help: "Relay frames by direction and type",
		}, []string{"peer", "direction", "type"}),
		RelayReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "reconnects_total",
			Help: "Relay sessions that failed and entered backoff",
		}, []string{"peer"}),
		RelayAckedSeq: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "acked_seq",
			Help: "Highest acknowledged frame sequence of the current session",
		}, []string{"peer"}),
		DedupDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "dedup_discarded_total",
			Help: "Received samples discarded as already seen",
		}, []string{"peer"}),
		SinkDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sink", Name: "deliveries_total",
			Help: "Sink batch deliveries by result",
		}, []string{"sink", "result"}),
		SinkDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sink", Name: "degraded",
			Help: "1 while the sink is degraded",
		}, []string{"sink"}),
		SinkLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sink", Name: "delivery_seconds",
			Help:    "Sink delivery duration including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),
		SourceDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "source", Name: "degraded",
			Help: "1 while the source reports permanent errors",
		}, []string{"source"}),
		SourcePollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "source", Name: "poll_errors_total",
			Help: "Source poll errors by class",
		}, []string{"source", "class"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SamplesIngested, m.SamplesDropped, m.SequenceRejected,
		m.TransformEmitted, m.TransformResets,
		m.RelayState, m.RelayFrames, m.RelayReconnects, m.RelayAckedSeq, m.DedupDiscarded,
		m.SinkDeliveries, m.SinkDegraded, m.SinkLatency,
		m.SourceDegraded, m.SourcePollErrors,
	}
}

// RecordIngested counts a sample accepted at ingress.
func (m *Metrics) RecordIngested(source string) {
	if m == nil {
		return
	}
	m.SamplesIngested.WithLabelValues(source).Inc()
}

// RecordDropped counts n samples lost at a stage.
func (m *Metrics) RecordDropped(stage, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SamplesDropped.WithLabelValues(stage, reason).Add(float64(n))
}

// RecordSequenceRejected counts a duplicate or out-of-order sample.
func (m *Metrics) RecordSequenceRejected(source, kind string) {
	if m == nil {
		return
	}
	m.SequenceRejected.WithLabelValues(source, kind).Inc()
}

// RecordEmitted counts derived samples per stage kind.
func (m *Metrics) RecordEmitted(stage string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TransformEmitted.WithLabelValues(stage).Add(float64(n))
}

// RecordTransformReset counts an explicit pipeline state reset.
func (m *Metrics) RecordTransformReset() {
	if m == nil {
		return
	}
	m.TransformResets.Inc()
}

// SetRelayState publishes the numeric state of a relay connection.
func (m *Metrics) SetRelayState(peer string, state int) {
	if m == nil {
		return
	}
	m.RelayState.WithLabelValues(peer).Set(float64(state))
}

// RecordFrame counts a frame sent ("out") or received ("in").
func (m *Metrics) RecordFrame(peer, direction, frameType string) {
	if m == nil {
		return
	}
	m.RelayFrames.WithLabelValues(peer, direction, frameType).Inc()
}

// RecordReconnect counts a session failure.
func (m *Metrics) RecordReconnect(peer string) {
	if m == nil {
		return
	}
	m.RelayReconnects.WithLabelValues(peer).Inc()
}

// SetAckedSeq publishes the acknowledged watermark.
func (m *Metrics) SetAckedSeq(peer string, seq uint64) {
	if m == nil {
		return
	}
	m.RelayAckedSeq.WithLabelValues(peer).Set(float64(seq))
}

// RecordDedup counts received samples discarded as duplicates.
func (m *Metrics) RecordDedup(peer string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DedupDiscarded.WithLabelValues(peer).Add(float64(n))
}

// RecordSinkDelivery counts a delivery result ("ok", "retryable", "fatal", "probe_failed").
func (m *Metrics) RecordSinkDelivery(sink, result string, seconds float64) {
	if m == nil {
		return
	}
	m.SinkDeliveries.WithLabelValues(sink, result).Inc()
	m.SinkLatency.WithLabelValues(sink).Observe(seconds)
}

// SetSinkDegraded flips the degraded gauge for a sink.
func (m *Metrics) SetSinkDegraded(sink string, degraded bool) {
	if m == nil {
		return
	}
	m.SinkDegraded.WithLabelValues(sink).Set(boolGauge(degraded))
}

// SetSourceDegraded flips the degraded gauge for a source.
func (m *Metrics) SetSourceDegraded(source string, degraded bool) {
	if m == nil {
		return
	}
	m.SourceDegraded.WithLabelValues(source).Set(boolGauge(degraded))
}

// RecordPollError counts a source poll error by class.
func (m *Metrics) RecordPollError(source, class string) {
	if m == nil {
		return
	}
	m.SourcePollErrors.WithLabelValues(source, class).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
