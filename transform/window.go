package transform

import (
	"math"

	"github.com/c360/metricrelay/sample"
)

const windowSuffix = "_window"

// aggregator summarizes tumbling windows of width on the monotonic clock.
// Windows are aligned to multiples of width. The summary of a window is
// emitted when the first sample past its end arrives, as the vector
//
//	[count, mean, min, max, variance, rms]
//
// using Welford's update; variance is the population variance.
type aggregator struct {
	width int64

	open      bool
	start     int64
	wallStart int64

	count    float64
	mean     float64
	m2       float64
	sumSq    float64
	min, max float64
}

func newAggregator(cfg StageConfig) *aggregator {
	return &aggregator{width: int64(cfg.Width)}
}

func (a *aggregator) apply(in sample.MetricSample) []sample.MetricSample {
	start := floorDiv(in.Timestamp.Mono, a.width) * a.width

	var out []sample.MetricSample
	if a.open && start > a.start {
		ts := sample.Timestamp{Mono: a.start, Wall: a.wallStart}
		out = append(out, in.Derive(in.SourceID, in.MetricID+windowSuffix, in.Sequence, ts, sample.Vector(a.summary())))
		a.open = false
	}
	if !a.open {
		a.reset(start, in.Timestamp.Wall-(in.Timestamp.Mono-start))
	}
	a.add(in.Value.Float())
	return out
}

func (a *aggregator) reset(start, wallStart int64) {
	*a = aggregator{
		width:     a.width,
		open:      true,
		start:     start,
		wallStart: wallStart,
		min:       math.Inf(1),
		max:       math.Inf(-1),
	}
}

func (a *aggregator) add(x float64) {
	a.count++
	delta := x - a.mean
	a.mean += delta / a.count
	a.m2 += delta * (x - a.mean)
	a.sumSq += x * x
	a.min = math.Min(a.min, x)
	a.max = math.Max(a.max, x)
}

func (a *aggregator) summary() []float64 {
	return []float64{
		a.count,
		a.mean,
		a.min,
		a.max,
		a.m2 / a.count,
		math.Sqrt(a.sumSq / a.count),
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
