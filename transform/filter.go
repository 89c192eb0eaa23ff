package transform

import (
	"maps"

	"github.com/c360/metricrelay/sample"
)

// renamer maps metric ids through a fixed table. Ids missing from the table
// pass unchanged.
type renamer struct {
	to map[string]string
}

func newRenamer(cfg StageConfig) renamer {
	return renamer{to: maps.Clone(cfg.Rename)}
}

func (r renamer) apply(in sample.MetricSample) []sample.MetricSample {
	if to, ok := r.to[in.MetricID]; ok {
		in.MetricID = to
	}
	return []sample.MetricSample{in}
}

// componentDropper removes one component from vector values. Scalars and
// vectors too short to have the component pass unchanged; a vector left
// without components is dropped.
type componentDropper struct {
	index int
}

func (d componentDropper) apply(in sample.MetricSample) []sample.MetricSample {
	if !in.Value.IsVector() || d.index >= in.Value.Len() {
		return []sample.MetricSample{in}
	}
	if in.Value.Len() == 1 {
		return nil
	}
	components := in.Value.Components()
	components = append(components[:d.index], components[d.index+1:]...)
	in.Value = sample.Vector(components)
	return []sample.MetricSample{in}
}
