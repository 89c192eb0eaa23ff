package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/c360/metricrelay/sample"
)

// ReplayConfig configures a replay source.
type ReplayConfig struct {
	// Path is a CSV file with rows "metric,mono_ns,value". A first row whose
	// mono_ns column is not a number is taken as a header.
	Path string
	Unit sample.Unit
}

// Replay returns the rows of a recorded CSV file in order, one per Poll.
// Capture times are the replay start plus each row's mono_ns offset. At the
// end of the file every Poll returns a Permanent io.EOF.
type Replay struct {
	id    string
	unit  sample.Unit
	file  *os.File
	rows  *csv.Reader
	start time.Time
	line  int
	done  bool
}

// NewReplay opens the recording.
func NewReplay(id string, cfg ReplayConfig) (*Replay, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("replay path is required")
	}
	if cfg.Unit != sample.UnitNone && !cfg.Unit.Valid() {
		return nil, fmt.Errorf("unknown unit %q", cfg.Unit)
	}
	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	return newReplay(id, cfg.Unit, f), nil
}

func newReplay(id string, unit sample.Unit, f *os.File) *Replay {
	rows := csv.NewReader(f)
	rows.FieldsPerRecord = 3
	rows.TrimLeadingSpace = true
	rows.Comment = '#'
	return &Replay{id: id, unit: unit, file: f, rows: rows, start: time.Now()}
}

// ID implements Source
func (r *Replay) ID() string { return r.id }

// Poll implements Source. A malformed row is skipped with a Transient error.
func (r *Replay) Poll(ctx context.Context) (RawSample, error) {
	if err := ctx.Err(); err != nil {
		return RawSample{}, Transient(err)
	}
	if r.done {
		return RawSample{}, Permanent(io.EOF)
	}

	for {
		record, err := r.rows.Read()
		if err == io.EOF {
			r.done = true
			return RawSample{}, Permanent(io.EOF)
		}
		r.line++
		if err != nil {
			return RawSample{}, Transient(fmt.Errorf("replay %s: %w", r.file.Name(), err))
		}

		mono, err := strconv.ParseInt(strings.TrimSpace(record[1]), 10, 64)
		if err != nil {
			if r.line == 1 {
				continue
			}
			return RawSample{}, Transient(fmt.Errorf("replay line %d: bad mono_ns: %w", r.line, err))
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(record[2]), 64)
		if err != nil {
			return RawSample{}, Transient(fmt.Errorf("replay line %d: bad value: %w", r.line, err))
		}
		metricID := strings.TrimSpace(record[0])
		if metricID == "" {
			return RawSample{}, Transient(fmt.Errorf("replay line %d: empty metric", r.line))
		}
		if !utf8.ValidString(metricID) {
			return RawSample{}, Transient(fmt.Errorf("replay line %d: metric is not valid UTF-8", r.line))
		}
		return RawSample{
			MetricID: metricID,
			Value:    sample.Scalar(value),
			Unit:     r.unit,
			At:       r.start.Add(time.Duration(mono)),
		}, nil
	}
}

// Close releases the file.
func (r *Replay) Close() error { return r.file.Close() }
