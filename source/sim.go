package source

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/c360/metricrelay/sample"
)

// Waveform selects the shape of a simulated metric.
type Waveform string

// Waveforms.
const (
	WaveConstant Waveform = "constant"
	WaveRamp     Waveform = "ramp"
	WaveSine     Waveform = "sine"
)

// SimMetric describes one generated metric. The value at simulated time t
// (seconds) is:
//
//	constant: Offset
//	ramp:     Offset + Slope*t
//	sine:     Offset + Amplitude*sin(2*pi*t/Period)
//
// plus normal noise with standard deviation Noise.
type SimMetric struct {
	ID        string
	Unit      sample.Unit
	Waveform  Waveform
	Offset    float64
	Slope     float64
	Amplitude float64
	Period    time.Duration
	Noise     float64
}

// SimConfig configures a simulated source.
type SimConfig struct {
	Metrics []SimMetric
	// Step is the simulated time between two readings of the same metric.
	Step time.Duration
	Seed uint64
}

// Sim is a deterministic generator. Each Poll returns the next metric in
// turn; simulated time advances by Step once every metric has been read.
type Sim struct {
	id      string
	metrics []SimMetric
	step    time.Duration
	rng     *rand.Rand
	polls   uint64
}

// NewSim creates a simulated source.
func NewSim(id string, cfg SimConfig) (*Sim, error) {
	if len(cfg.Metrics) == 0 {
		return nil, fmt.Errorf("sim source needs at least one metric")
	}
	for _, m := range cfg.Metrics {
		if m.ID == "" {
			return nil, fmt.Errorf("sim metric without id")
		}
		switch m.Waveform {
		case WaveConstant, WaveRamp:
		case WaveSine:
			if m.Period <= 0 {
				return nil, fmt.Errorf("sim metric %s: sine needs a positive period", m.ID)
			}
		default:
			return nil, fmt.Errorf("sim metric %s: unknown waveform %q", m.ID, m.Waveform)
		}
		if m.Noise < 0 {
			return nil, fmt.Errorf("sim metric %s: negative noise", m.ID)
		}
	}
	step := cfg.Step
	if step <= 0 {
		step = time.Second
	}
	return &Sim{
		id:      id,
		metrics: append([]SimMetric(nil), cfg.Metrics...),
		step:    step,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// ID implements Source
func (s *Sim) ID() string { return s.id }

// Poll implements Source
func (s *Sim) Poll(ctx context.Context) (RawSample, error) {
	if err := ctx.Err(); err != nil {
		return RawSample{}, Transient(err)
	}
	n := uint64(len(s.metrics))
	m := s.metrics[s.polls%n]
	t := (time.Duration(s.polls/n) * s.step).Seconds()
	s.polls++

	return RawSample{
		MetricID: m.ID,
		Value:    sample.Scalar(s.value(m, t)),
		Unit:     m.Unit,
	}, nil
}

func (s *Sim) value(m SimMetric, t float64) float64 {
	v := m.Offset
	switch m.Waveform {
	case WaveRamp:
		v += m.Slope * t
	case WaveSine:
		v += m.Amplitude * math.Sin(2*math.Pi*t/m.Period.Seconds())
	}
	if m.Noise > 0 {
		v += s.rng.NormFloat64() * m.Noise
	}
	return v
}
