package transform

import (
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/c360/metricrelay/sample"
)

const spectralSuffix = "_spectral"

// spectral keeps the last size samples and, once the buffer is full and every
// hop samples thereafter, emits one vector sample:
//
//	[dominant_frequency, dominant_magnitude, band_power_0 ... band_power_{B-1}]
//
// Magnitudes are single-sided amplitudes: |X_k| * 2/N with DC and Nyquist
// halved. The dominant bin ignores DC. Frequencies are in Hz when the buffer
// spans a positive monotonic interval, otherwise in cycles per sample.
type spectral struct {
	size  int
	hop   int
	bands int

	values []float64
	monos  []int64
	head   int
	count  uint64

	fft    *fourier.FFT
	seq    []float64
	coeffs []complex128
	mags   []float64
}

func newSpectral(cfg StageConfig) *spectral {
	return &spectral{
		size:   cfg.Size,
		hop:    cfg.Hop,
		bands:  cfg.Bands,
		values: make([]float64, cfg.Size),
		monos:  make([]int64, cfg.Size),
		fft:    fourier.NewFFT(cfg.Size),
		seq:    make([]float64, cfg.Size),
		coeffs: make([]complex128, cfg.Size/2+1),
		mags:   make([]float64, cfg.Size/2+1),
	}
}

func (s *spectral) apply(in sample.MetricSample) []sample.MetricSample {
	s.values[s.head] = in.Value.Float()
	s.monos[s.head] = in.Timestamp.Mono
	s.head = (s.head + 1) % s.size
	s.count++

	n := uint64(s.size)
	if s.count < n || (s.count-n)%uint64(s.hop) != 0 {
		return nil
	}

	summary := s.summarize()
	return []sample.MetricSample{
		in.Derive(in.SourceID, in.MetricID+spectralSuffix, in.Sequence, in.Timestamp, sample.Vector(summary)),
	}
}

// summarize runs the FFT over the buffer in arrival order.
func (s *spectral) summarize() []float64 {
	for i := 0; i < s.size; i++ {
		s.seq[i] = s.values[(s.head+i)%s.size]
	}
	s.coeffs = s.fft.Coefficients(s.coeffs, s.seq)

	scale := 2 / float64(s.size)
	last := len(s.coeffs) - 1
	for k, c := range s.coeffs {
		m := cmplx.Abs(c) * scale
		if k == 0 || (k == last && s.size%2 == 0) {
			m /= 2
		}
		s.mags[k] = m
	}

	dominant := 1
	for k := 2; k <= last; k++ {
		if s.mags[k] > s.mags[dominant] {
			dominant = k
		}
	}

	out := make([]float64, 2+s.bands)
	out[0] = s.fft.Freq(dominant) * s.sampleRate()
	out[1] = s.mags[dominant]

	bins := last // bins 1..last
	for b := 0; b < s.bands; b++ {
		lo := 1 + b*bins/s.bands
		hi := 1 + (b+1)*bins/s.bands
		var power float64
		for k := lo; k < hi; k++ {
			power += s.mags[k] * s.mags[k]
		}
		out[2+b] = power
	}
	return out
}

// sampleRate estimates samples per second from the buffer's monotonic span,
// or returns 1 so that frequencies stay in cycles per sample.
func (s *spectral) sampleRate() float64 {
	oldest := s.monos[s.head]
	newest := s.monos[(s.head+s.size-1)%s.size]
	span := newest - oldest
	if span <= 0 {
		return 1
	}
	return float64(s.size-1) * 1e9 / float64(span)
}
