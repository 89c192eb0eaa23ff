// Package codec implements the binary encoding of sample batches carried in
// relay Data frames and in raw archive files.
//
// All integers are big-endian. A batch is
//
//	[u8 schema_version][u32 count] sample*
//
// and each sample is
//
//	[u16 len][source_id][u16 len][metric_id][u16 len][unit]
//	[u64 sequence][i64 mono_ns][i64 wall_ns][u8 kind] value
//
// where value is [u64 float bits] for kind 0 (scalar) or
// [u32 n][n x u64 float bits] for kind 1 (vector). Floats travel as their IEEE
// bit patterns, so decoding reproduces every value bit for bit.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/c360/metricrelay/sample"
)

// SchemaVersion is the newest batch layout this package reads and writes.
const SchemaVersion uint8 = 1

const (
	kindScalar uint8 = 0
	kindVector uint8 = 1
)

// Encode serializes the batch.
func Encode(batch sample.SampleBatch) ([]byte, error) {
	return AppendEncode(make([]byte, 0, batch.EncodedSize()), batch)
}

// AppendEncode appends the encoded batch to dst. On error dst is returned
// unchanged.
func AppendEncode(dst []byte, batch sample.SampleBatch) ([]byte, error) {
	if len(batch.Samples) > sample.MaxBatchSamples {
		return dst, malformed(0, "batch holds %d samples, limit %d", len(batch.Samples), sample.MaxBatchSamples)
	}

	start := len(dst)
	out := append(dst, SchemaVersion)
	out = binary.BigEndian.AppendUint32(out, uint32(len(batch.Samples)))

	for i := range batch.Samples {
		var err error
		out, err = appendSample(out, &batch.Samples[i])
		if err != nil {
			return dst[:start], fmt.Errorf("sample %d: %w", i, err)
		}
	}
	return out, nil
}

// Check reports whether s can be encoded. Every sample Check accepts decodes
// back unchanged.
func Check(s *sample.MetricSample) error {
	return check(s, 0)
}

func check(s *sample.MetricSample, off int) error {
	if !s.Unit.Valid() {
		return malformed(off, "unknown unit %q", s.Unit)
	}
	fields := [...]struct{ name, value string }{
		{"source_id", s.SourceID},
		{"metric_id", s.MetricID},
		{"unit", string(s.Unit)},
	}
	for _, f := range fields {
		if len(f.value) > sample.MaxStringLen {
			return malformed(off, "%s of %d bytes exceeds %d", f.name, len(f.value), sample.MaxStringLen)
		}
		if !utf8.ValidString(f.value) {
			return malformed(off, "%s is not valid UTF-8", f.name)
		}
	}
	if s.Value.IsVector() && s.Value.Len() > sample.MaxVectorLen {
		return malformed(off, "vector of %d components exceeds %d", s.Value.Len(), sample.MaxVectorLen)
	}
	return nil
}

func appendSample(out []byte, s *sample.MetricSample) ([]byte, error) {
	if err := check(s, len(out)); err != nil {
		return out, err
	}
	for _, str := range [...]string{s.SourceID, s.MetricID, string(s.Unit)} {
		out = binary.BigEndian.AppendUint16(out, uint16(len(str)))
		out = append(out, str...)
	}
	out = binary.BigEndian.AppendUint64(out, s.Sequence)
	out = binary.BigEndian.AppendUint64(out, uint64(s.Timestamp.Mono))
	out = binary.BigEndian.AppendUint64(out, uint64(s.Timestamp.Wall))

	if !s.Value.IsVector() {
		out = append(out, kindScalar)
		return binary.BigEndian.AppendUint64(out, math.Float64bits(s.Value.Float())), nil
	}

	n := s.Value.Len()
	out = append(out, kindVector)
	out = binary.BigEndian.AppendUint32(out, uint32(n))
	for i := 0; i < n; i++ {
		out = binary.BigEndian.AppendUint64(out, math.Float64bits(s.Value.At(i)))
	}
	return out, nil
}

// Decode parses a buffer holding exactly one batch.
func Decode(buf []byte) (sample.SampleBatch, error) {
	batch, n, err := DecodePrefix(buf)
	if err != nil {
		return sample.SampleBatch{}, err
	}
	if n != len(buf) {
		return sample.SampleBatch{}, malformed(n, "%d trailing bytes", len(buf)-n)
	}
	return batch, nil
}

// DecodePrefix parses the batch at the start of buf and returns it with the
// number of bytes consumed. ErrTruncated means buf ends before the batch does
// and the caller should retry with more bytes.
func DecodePrefix(buf []byte) (sample.SampleBatch, int, error) {
	r := reader{buf: buf}

	version, err := r.u8("schema version")
	if err != nil {
		return sample.SampleBatch{}, 0, err
	}
	switch {
	case version == 0:
		return sample.SampleBatch{}, 0, malformed(0, "schema version 0")
	case version > SchemaVersion:
		return sample.SampleBatch{}, 0, &CodecError{
			Kind:   KindVersionMismatch,
			Detail: fmt.Sprintf("schema version %d, supported up to %d", version, SchemaVersion),
		}
	}

	count, err := r.u32("sample count")
	if err != nil {
		return sample.SampleBatch{}, 0, err
	}
	if count > sample.MaxBatchSamples {
		return sample.SampleBatch{}, 0, malformed(1, "sample count %d exceeds %d", count, sample.MaxBatchSamples)
	}

	samples := make([]sample.MetricSample, 0, count)
	for i := uint32(0); i < count; i++ {
		s, err := r.sample()
		if err != nil {
			return sample.SampleBatch{}, 0, err
		}
		samples = append(samples, s)
	}
	return sample.SampleBatch{Samples: samples}, r.off, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) need(n int, what string) error {
	if len(r.buf)-r.off < n {
		return truncated(r.off, "%s needs %d bytes, %d available", what, n, len(r.buf)-r.off)
	}
	return nil
}

func (r *reader) u8(what string) (uint8, error) {
	if err := r.need(1, what); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16(what string) (uint16, error) {
	if err := r.need(2, what); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32(what string) (uint32, error) {
	if err := r.need(4, what); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64(what string) (uint64, error) {
	if err := r.need(8, what); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) str(what string) (string, error) {
	n, err := r.u16(what + " length")
	if err != nil {
		return "", err
	}
	if err := r.need(int(n), what); err != nil {
		return "", err
	}
	s := string(r.buf[r.off : r.off+int(n)])
	if !utf8.ValidString(s) {
		return "", malformed(r.off, "%s is not valid UTF-8", what)
	}
	r.off += int(n)
	return s, nil
}

func (r *reader) sample() (sample.MetricSample, error) {
	var s sample.MetricSample
	var err error

	if s.SourceID, err = r.str("source_id"); err != nil {
		return s, err
	}
	if s.MetricID, err = r.str("metric_id"); err != nil {
		return s, err
	}
	unitOff := r.off
	unit, err := r.str("unit")
	if err != nil {
		return s, err
	}
	s.Unit = sample.Unit(unit)
	if !s.Unit.Valid() {
		return s, malformed(unitOff, "unknown unit %q", unit)
	}

	if s.Sequence, err = r.u64("sequence"); err != nil {
		return s, err
	}
	mono, err := r.u64("mono timestamp")
	if err != nil {
		return s, err
	}
	wall, err := r.u64("wall timestamp")
	if err != nil {
		return s, err
	}
	s.Timestamp = sample.Timestamp{Mono: int64(mono), Wall: int64(wall)}

	kindOff := r.off
	kind, err := r.u8("value kind")
	if err != nil {
		return s, err
	}
	switch kind {
	case kindScalar:
		bits, err := r.u64("scalar value")
		if err != nil {
			return s, err
		}
		s.Value = sample.Scalar(math.Float64frombits(bits))
	case kindVector:
		nOff := r.off
		n, err := r.u32("vector length")
		if err != nil {
			return s, err
		}
		if n > sample.MaxVectorLen {
			return s, malformed(nOff, "vector length %d exceeds %d", n, sample.MaxVectorLen)
		}
		if err := r.need(8*int(n), "vector components"); err != nil {
			return s, err
		}
		components := make([]float64, n)
		for i := range components {
			components[i] = math.Float64frombits(binary.BigEndian.Uint64(r.buf[r.off:]))
			r.off += 8
		}
		s.Value = sample.Vector(components)
	default:
		return s, malformed(kindOff, "unknown value kind %d", kind)
	}
	return s, nil
}
