// Package sample defines the measurement data model shared by every stage of
// the relay: samples, their timestamps and values, and size-bounded batches.
//
// MetricSample is immutable once created. Producers hand a sample off on
// enqueue and never touch it again; Value copies vector components on the way
// in and on the way out so a retained slice cannot alias another sample.
package sample

import (
	"fmt"
	"math"
	"time"
)

// Timestamp pairs a monotonic clock reading with a wall-clock estimate.
// Mono orders samples and drives all transform arithmetic; Wall is for display.
type Timestamp struct {
	Mono int64 // nanoseconds on the producing source's monotonic clock
	Wall int64 // unix nanoseconds, best estimate
}

// NewTimestamp captures a timestamp relative to the given monotonic origin.
func NewTimestamp(origin, now time.Time) Timestamp {
	return Timestamp{
		Mono: int64(now.Sub(origin)),
		Wall: now.UnixNano(),
	}
}

// Time returns the wall-clock estimate as a time.Time.
func (t Timestamp) Time() time.Time {
	return time.Unix(0, t.Wall)
}

// Sub returns the monotonic distance t - other.
func (t Timestamp) Sub(other Timestamp) time.Duration {
	return time.Duration(t.Mono - other.Mono)
}

// Before reports whether t is strictly earlier than other on the monotonic clock.
func (t Timestamp) Before(other Timestamp) bool {
	return t.Mono < other.Mono
}

// Value is either a scalar or a fixed-length vector of float64.
type Value struct {
	vector   []float64
	scalar   float64
	isVector bool
}

// Scalar creates a scalar value.
func Scalar(f float64) Value {
	return Value{scalar: f}
}

// Vector creates a vector value. The components are copied.
func Vector(components []float64) Value {
	v := make([]float64, len(components))
	copy(v, components)
	return Value{vector: v, isVector: true}
}

// IsVector reports whether the value carries a vector.
func (v Value) IsVector() bool { return v.isVector }

// Len returns 1 for scalars and the component count for vectors.
func (v Value) Len() int {
	if v.isVector {
		return len(v.vector)
	}
	return 1
}

// Float returns the scalar, or the first component of a vector.
// An empty vector yields NaN.
func (v Value) Float() float64 {
	if !v.isVector {
		return v.scalar
	}
	if len(v.vector) == 0 {
		return math.NaN()
	}
	return v.vector[0]
}

// Components returns a copy of the vector components; a scalar yields a
// one-element slice.
func (v Value) Components() []float64 {
	if !v.isVector {
		return []float64{v.scalar}
	}
	out := make([]float64, len(v.vector))
	copy(out, v.vector)
	return out
}

// At returns component i without copying. i must be < Len().
func (v Value) At(i int) float64 {
	if !v.isVector {
		return v.scalar
	}
	return v.vector[i]
}

// Equal compares values under float bit-equality, so NaN payloads and signed
// zeros must match exactly.
func (v Value) Equal(other Value) bool {
	if v.isVector != other.isVector {
		return false
	}
	if !v.isVector {
		return math.Float64bits(v.scalar) == math.Float64bits(other.scalar)
	}
	if len(v.vector) != len(other.vector) {
		return false
	}
	for i := range v.vector {
		if math.Float64bits(v.vector[i]) != math.Float64bits(other.vector[i]) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer
func (v Value) String() string {
	if v.isVector {
		return fmt.Sprintf("%v", v.vector)
	}
	return fmt.Sprintf("%g", v.scalar)
}

// MetricSample is one measurement. (SourceID, Sequence) identifies it.
type MetricSample struct {
	SourceID  string
	MetricID  string
	Sequence  uint64
	Timestamp Timestamp
	Value     Value
	Unit      Unit
}

// Key returns the deduplication key of the sample.
func (s MetricSample) Key() Key {
	return Key{SourceID: s.SourceID, Sequence: s.Sequence}
}

// Derive builds a sample produced from s by a transform stage. The caller
// assigns the derived source and sequence.
func (s MetricSample) Derive(sourceID, metricID string, seq uint64, ts Timestamp, v Value) MetricSample {
	return MetricSample{
		SourceID:  sourceID,
		MetricID:  metricID,
		Sequence:  seq,
		Timestamp: ts,
		Value:     v,
		Unit:      s.Unit,
	}
}

// String implements fmt.Stringer
func (s MetricSample) String() string {
	return fmt.Sprintf("%s#%d %s=%s%s", s.SourceID, s.Sequence, s.MetricID, s.Value, s.Unit)
}

// Key is the (source_id, sequence) pair identifying a sample.
type Key struct {
	SourceID string
	Sequence uint64
}
