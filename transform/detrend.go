package transform

import (
	"math"

	"github.com/c360/metricrelay/sample"
)

const detrendSuffix = "_detrended"

// detrender removes a moving-average or least-squares line fitted over the
// last window samples and emits the residual of each sample.
//
// Running sums are updated per sample and recomputed from the ring every
// window samples, which bounds float drift at O(1) amortized cost. x values
// are seconds relative to base so the sums keep their precision.
type detrender struct {
	mode DetrendMode
	size int

	xs, ys []float64
	head   int
	n      int

	base    int64
	hasBase bool
	sinceRe int

	sx, sy, sxx, sxy float64
}

func newDetrender(cfg StageConfig) *detrender {
	return &detrender{
		mode: cfg.Mode,
		size: cfg.Window,
		xs:   make([]float64, cfg.Window),
		ys:   make([]float64, cfg.Window),
	}
}

func (d *detrender) apply(in sample.MetricSample) []sample.MetricSample {
	y := in.Value.Float()
	if !d.hasBase {
		d.base = in.Timestamp.Mono
		d.hasBase = true
	}
	x := float64(in.Timestamp.Mono-d.base) / 1e9

	if d.n == d.size {
		old := d.head
		d.sx -= d.xs[old]
		d.sy -= d.ys[old]
		d.sxx -= d.xs[old] * d.xs[old]
		d.sxy -= d.xs[old] * d.ys[old]
		d.n--
	}
	d.xs[d.head] = x
	d.ys[d.head] = y
	d.head = (d.head + 1) % d.size
	d.n++
	d.sx += x
	d.sy += y
	d.sxx += x * x
	d.sxy += x * y

	d.sinceRe++
	if d.sinceRe >= d.size {
		d.rebase()
	}

	residual := y - d.fit(d.xs[(d.head+d.size-1)%d.size])
	return []sample.MetricSample{
		in.Derive(in.SourceID, in.MetricID+detrendSuffix, in.Sequence, in.Timestamp, sample.Scalar(residual)),
	}
}

func (d *detrender) fit(x float64) float64 {
	n := float64(d.n)
	mean := d.sy / n
	if d.mode == DetrendConstant || d.n < 2 {
		return mean
	}
	denom := n*d.sxx - d.sx*d.sx
	if denom <= 1e-12*n*d.sxx || denom == 0 {
		return mean
	}
	slope := (n*d.sxy - d.sx*d.sy) / denom
	intercept := (d.sy - slope*d.sx) / n
	return intercept + slope*x
}

// rebase moves the x origin to the oldest retained sample and recomputes the
// sums from the ring.
func (d *detrender) rebase() {
	d.sinceRe = 0
	oldest := (d.head + d.size - d.n) % d.size
	shiftNs := int64(math.Round(d.xs[oldest] * 1e9))
	shift := float64(shiftNs) / 1e9
	d.base += shiftNs

	d.sx, d.sy, d.sxx, d.sxy = 0, 0, 0, 0
	for i := 0; i < d.n; i++ {
		j := (oldest + i) % d.size
		d.xs[j] -= shift
		d.sx += d.xs[j]
		d.sy += d.ys[j]
		d.sxx += d.xs[j] * d.xs[j]
		d.sxy += d.xs[j] * d.ys[j]
	}
}
