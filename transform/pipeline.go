// Package transform turns raw samples into derived series: detrended residuals,
// spectral summaries and windowed aggregates. The stateless map and
// drop_component stages reshape samples between them.
//
// A Pipeline holds one state entry per metric, identified by source_id and
// metric_id, created on the first sample of that metric and kept until
// Reload. Two sources reporting the same metric_id never share state.
// Ingest is deterministic: identical sample histories produce bit-identical
// outputs. The pipeline is driven by a single task; the mutex only serializes
// Reload against Ingest.
package transform

import (
	"log/slog"
	"sync"

	"github.com/c360/metricrelay/metric"
	"github.com/c360/metricrelay/sample"
)

// stage is one step of a chain. It consumes one sample and returns zero or
// more outputs; it owns its state exclusively.
type stage interface {
	apply(in sample.MetricSample) []sample.MetricSample
}

func newStage(cfg StageConfig) stage {
	switch cfg.Kind {
	case StageDetrend:
		return newDetrender(cfg)
	case StageSpectral:
		return newSpectral(cfg)
	case StageWindow:
		return newAggregator(cfg)
	case StageMap:
		return newRenamer(cfg)
	case StageDropComponent:
		return componentDropper{index: cfg.Component}
	}
	return nil
}

// metricKey identifies a metric. Metric ids are only unique within their
// source.
type metricKey struct {
	source string
	metric string
}

// metricState is the transform state of one metric: the stage states of every
// chain that selected it, nil for chains that did not.
type metricState struct {
	chains [][]stage
}

// Pipeline applies the configured chains to every ingested sample.
type Pipeline struct {
	mu      sync.Mutex
	cfg     Config
	states  map[metricKey]*metricState
	seqs    map[string]uint64
	metrics *metric.Metrics
	logger  *slog.Logger
	resets  int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records emitted, filtered and reset counts.
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// New validates cfg and returns an empty pipeline.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:    cfg,
		states: make(map[metricKey]*metricState),
		seqs:   make(map[string]uint64),
		logger: slog.Default().With("component", "transform"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Ingest processes one raw sample and returns the samples to forward:
// the raw sample itself when passthrough applies, followed by the outputs of
// every chain in configuration order.
//
// Derived samples get SourceID "<source>/<chain>" and a sequence from a
// counter per derived source, so their dedup keys never collide with raw ones.
func (p *Pipeline) Ingest(in sample.MetricSample) []sample.MetricSample {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []sample.MetricSample
	if p.cfg.Passthrough {
		if matchAny(p.cfg.DropRaw, in.MetricID) {
			p.metrics.RecordDropped("transform", metric.ReasonFiltered, 1)
		} else {
			out = append(out, in)
		}
	}

	st := p.state(metricKey{source: in.SourceID, metric: in.MetricID})
	for i, stages := range st.chains {
		if stages == nil {
			continue
		}
		chain := p.cfg.Chains[i].Name
		derived := runChain(stages, in)
		if len(derived) == 0 {
			continue
		}
		sourceID := in.SourceID + "/" + chain
		for _, d := range derived {
			d.SourceID = sourceID
			d.Sequence = p.seqs[sourceID]
			p.seqs[sourceID]++
			out = append(out, d)
		}
		p.metrics.RecordEmitted(chain, len(derived))
	}
	return out
}

func runChain(stages []stage, in sample.MetricSample) []sample.MetricSample {
	batch := []sample.MetricSample{in}
	for _, s := range stages {
		var next []sample.MetricSample
		for _, item := range batch {
			next = append(next, s.apply(item)...)
		}
		if len(next) == 0 {
			return nil
		}
		batch = next
	}
	return batch
}

// state returns the metric's state, creating it on first use.
func (p *Pipeline) state(key metricKey) *metricState {
	if st, ok := p.states[key]; ok {
		return st
	}
	metricID := key.metric
	st := &metricState{chains: make([][]stage, len(p.cfg.Chains))}
	for i, chain := range p.cfg.Chains {
		if len(chain.Match) > 0 && !matchAny(chain.Match, metricID) {
			continue
		}
		if matchAny(chain.Drop, metricID) {
			continue
		}
		stages := make([]stage, len(chain.Stages))
		for j, sc := range chain.Stages {
			stages[j] = newStage(sc)
		}
		st.chains[i] = stages
	}
	p.states[key] = st
	p.logger.Debug("Created transform state", "source_id", key.source, "metric_id", metricID)
	return st
}

// Reload replaces the configuration and discards every metric's state.
// Derived sequence counters survive so receivers keep accepting derived
// samples after the reset.
func (p *Pipeline) Reload(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	discarded := len(p.states)
	p.cfg = cfg
	p.states = make(map[metricKey]*metricState)
	p.resets++
	p.metrics.RecordTransformReset()
	p.logger.Info("Transform configuration reloaded, state reset",
		"discarded_states", discarded, "chains", len(cfg.Chains))
	return nil
}

// States returns the number of metrics with live state.
func (p *Pipeline) States() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states)
}

// Resets returns how many times Reload discarded state.
func (p *Pipeline) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}
