package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/c360/metricrelay/codec"
	"github.com/c360/metricrelay/relay"
	"github.com/c360/metricrelay/sample"
)

// Archive formats.
const (
	FormatJSONL  = "jsonl"
	FormatFrames = "frames"
)

// ArchiveConfig configures the file archiver.
type ArchiveConfig struct {
	Path string
	// Format is "jsonl" (one JSON object per sample) or "frames" (relay Data
	// frames carrying encoded batches, readable with relay.ReadFrame).
	Format     string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Archive appends batches to a size-rotated file.
type Archive struct {
	name   string
	format string

	mu  sync.Mutex
	out io.WriteCloser
	seq uint64
}

// NewArchive creates an archive sink writing through lumberjack.
func NewArchive(name string, cfg ArchiveConfig) (*Archive, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("archive path is required")
	}
	out := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return newArchive(name, cfg.Format, out)
}

func newArchive(name, format string, out io.WriteCloser) (*Archive, error) {
	if format == "" {
		format = FormatJSONL
	}
	if format != FormatJSONL && format != FormatFrames {
		return nil, fmt.Errorf("unknown archive format %q", format)
	}
	return &Archive{name: name, format: format, out: out}, nil
}

// Name implements Sink
func (a *Archive) Name() string { return a.name }

// Deliver implements Sink. Encoding problems are Fatal, write failures
// Retryable. A batch is rendered completely before anything is written.
func (a *Archive) Deliver(_ context.Context, batch sample.SampleBatch) error {
	if batch.Len() == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		data []byte
		err  error
	)
	if a.format == FormatFrames {
		data, err = a.frame(batch)
	} else {
		data, err = MarshalJSONLines(batch)
	}
	if err != nil {
		return Fatal(err)
	}

	if _, err := a.out.Write(data); err != nil {
		return Retryable(fmt.Errorf("archive write: %w", err))
	}
	if a.format == FormatFrames {
		a.seq++
	}
	return nil
}

func (a *Archive) frame(batch sample.SampleBatch) ([]byte, error) {
	payload, err := codec.Encode(batch)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := relay.WriteFrame(&buf, relay.Frame{Type: relay.FrameData, Seq: a.seq + 1, Payload: payload}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Close implements Sink
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.out.Close()
}

// jsonSample is the archive and websocket representation of a sample.
type jsonSample struct {
	Source string    `json:"source"`
	Metric string    `json:"metric"`
	Seq    uint64    `json:"seq"`
	MonoNS int64     `json:"mono_ns"`
	Wall   time.Time `json:"wall"`
	Unit   string    `json:"unit,omitempty"`
	Value  any       `json:"value"`
}

func toJSON(s sample.MetricSample) jsonSample {
	js := jsonSample{
		Source: s.SourceID,
		Metric: s.MetricID,
		Seq:    s.Sequence,
		MonoNS: s.Timestamp.Mono,
		Wall:   s.Timestamp.Time().UTC(),
		Unit:   string(s.Unit),
	}
	if s.Value.IsVector() {
		js.Value = s.Value.Components()
	} else {
		js.Value = s.Value.Float()
	}
	return js
}

// MarshalJSONLines renders one JSON object per sample, newline terminated.
// NaN and infinite values cannot be represented and fail the batch.
func MarshalJSONLines(batch sample.SampleBatch) ([]byte, error) {
	var out []byte
	for _, s := range batch.Samples {
		line, err := json.Marshal(toJSON(s))
		if err != nil {
			return nil, fmt.Errorf("encode sample %s/%s#%d: %w", s.SourceID, s.MetricID, s.Sequence, err)
		}
		out = append(out, line...)
		out = append(out, '\n')
	}
	return out, nil
}
