package source

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/c360/metricrelay/sample"
)

// DefaultHwmonRoot is where Linux exposes hardware monitoring chips.
const DefaultHwmonRoot = "/sys/class/hwmon"

// HwmonSensor maps temp<Index>_input of the chip to a metric.
type HwmonSensor struct {
	Index  int
	Metric string
}

// HwmonConfig configures a hwmon source.
type HwmonConfig struct {
	// Root defaults to DefaultHwmonRoot.
	Root string
	// Chip is the content of the chip's "name" file, e.g. "coretemp".
	Chip    string
	Sensors []HwmonSensor
}

// Hwmon reads temperature inputs of one hwmon chip. Each Poll reads the
// next sensor in turn.
type Hwmon struct {
	id      string
	dir     string
	sensors []HwmonSensor
	next    int
}

// NewHwmon locates the chip by name under the root directory.
func NewHwmon(id string, cfg HwmonConfig) (*Hwmon, error) {
	if cfg.Chip == "" {
		return nil, fmt.Errorf("hwmon chip name is required")
	}
	if len(cfg.Sensors) == 0 {
		return nil, fmt.Errorf("hwmon source needs at least one sensor")
	}
	for _, s := range cfg.Sensors {
		if s.Metric == "" || s.Index < 1 {
			return nil, fmt.Errorf("hwmon sensor needs a metric and an index >= 1")
		}
	}
	root := cfg.Root
	if root == "" {
		root = DefaultHwmonRoot
	}
	dir, err := findChip(root, cfg.Chip)
	if err != nil {
		return nil, err
	}
	return &Hwmon{id: id, dir: dir, sensors: append([]HwmonSensor(nil), cfg.Sensors...)}, nil
}

// findChip returns the directory below root whose name file reads chip.
// Unreadable entries are skipped.
func findChip(root, chip string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("read hwmon root: %w", err)
	}
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		name, err := os.ReadFile(filepath.Join(dir, "name"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(name)) == chip {
			return dir, nil
		}
	}
	return "", fmt.Errorf("no hwmon chip named %q under %s", chip, root)
}

// ID implements Source
func (h *Hwmon) ID() string { return h.id }

// Dir returns the resolved chip directory.
func (h *Hwmon) Dir() string { return h.dir }

// Poll implements Source. Inputs hold millidegrees Celsius. A missing or
// unparsable input is Permanent; EAGAIN and EBUSY are Transient.
func (h *Hwmon) Poll(_ context.Context) (RawSample, error) {
	s := h.sensors[h.next]
	h.next = (h.next + 1) % len(h.sensors)

	path := filepath.Join(h.dir, "temp"+strconv.Itoa(s.Index)+"_input")
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, syscall.EAGAIN) || stderrors.Is(err, syscall.EBUSY) {
			return RawSample{}, Transient(err)
		}
		if stderrors.Is(err, os.ErrNotExist) {
			return RawSample{}, Permanent(err)
		}
		return RawSample{}, Transient(err)
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return RawSample{}, Permanent(fmt.Errorf("parse %s: %w", path, err))
	}
	return RawSample{
		MetricID: s.Metric,
		Value:    sample.Scalar(float64(milli) / 1000),
		Unit:     sample.UnitCelsius,
	}, nil
}
