package sample

// Batch limits. A batch is one Data frame payload, so MaxBatchBytes stays well
// below the relay's frame size limit.
const (
	MaxBatchSamples = 1024
	MaxBatchBytes   = 256 * 1024
	MaxVectorLen    = 4096
	MaxStringLen    = 1<<16 - 1

	batchHeaderSize = 1 + 4
	fixedSampleSize = 2 + 2 + 2 + 8 + 8 + 8 + 1
)

// SampleBatch is an ordered group of samples sharing one transmission window.
type SampleBatch struct {
	Samples []MetricSample
}

// NewBatch wraps samples into a batch.
func NewBatch(samples ...MetricSample) SampleBatch {
	return SampleBatch{Samples: samples}
}

// Len returns the number of samples in the batch.
func (b SampleBatch) Len() int { return len(b.Samples) }

// EncodedSize returns the wire size of the batch.
func (b SampleBatch) EncodedSize() int {
	n := batchHeaderSize
	for i := range b.Samples {
		n += EncodedSize(b.Samples[i])
	}
	return n
}

// EncodedSize predicts the number of bytes s occupies inside an encoded batch.
func EncodedSize(s MetricSample) int {
	n := fixedSampleSize + len(s.SourceID) + len(s.MetricID) + len(s.Unit)
	if s.Value.IsVector() {
		return n + 4 + 8*s.Value.Len()
	}
	return n + 8
}

// Batcher groups a stream of samples into batches bounded by sample count and
// encoded size. It is not safe for concurrent use.
type Batcher struct {
	maxSamples int
	maxBytes   int
	current    []MetricSample
	size       int
}

// NewBatcher creates a batcher. Non-positive limits fall back to the package maximums.
func NewBatcher(maxSamples, maxBytes int) *Batcher {
	if maxSamples <= 0 || maxSamples > MaxBatchSamples {
		maxSamples = MaxBatchSamples
	}
	if maxBytes <= 0 || maxBytes > MaxBatchBytes {
		maxBytes = MaxBatchBytes
	}
	return &Batcher{maxSamples: maxSamples, maxBytes: maxBytes, size: batchHeaderSize}
}

// Add appends s. When s does not fit into the pending batch, the pending batch
// is returned complete and s starts the next one. A single sample larger than
// the byte limit still gets a batch of its own.
func (b *Batcher) Add(s MetricSample) (SampleBatch, bool) {
	sz := EncodedSize(s)
	var out SampleBatch
	ready := false
	if len(b.current) > 0 && (len(b.current) >= b.maxSamples || b.size+sz > b.maxBytes) {
		out, ready = b.Flush()
	}
	b.current = append(b.current, s)
	b.size += sz
	return out, ready
}

// Pending returns the number of samples waiting for the next Flush.
func (b *Batcher) Pending() int { return len(b.current) }

// Full reports whether the pending batch reached the sample limit.
func (b *Batcher) Full() bool { return len(b.current) >= b.maxSamples }

// Flush returns the pending batch, if any, and starts a new one.
func (b *Batcher) Flush() (SampleBatch, bool) {
	if len(b.current) == 0 {
		return SampleBatch{}, false
	}
	out := SampleBatch{Samples: b.current}
	b.current = nil
	b.size = batchHeaderSize
	return out, true
}
