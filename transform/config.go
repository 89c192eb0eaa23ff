package transform

import (
	"fmt"
	"path"
	"time"

	"github.com/c360/metricrelay/errors"
)

// StageKind names a transform stage.
type StageKind string

// Stage kinds.
const (
	StageDetrend       StageKind = "detrend"
	StageSpectral      StageKind = "spectral"
	StageWindow        StageKind = "window"
	StageMap           StageKind = "map"
	StageDropComponent StageKind = "drop_component"
)

// DetrendMode selects the trend model removed by the detrend stage.
type DetrendMode string

// Detrend modes.
const (
	DetrendConstant DetrendMode = "constant"
	DetrendLinear   DetrendMode = "linear"
)

// Stage parameter bounds.
const (
	MaxDetrendWindow = 1 << 16
	MaxSpectralSize  = 1 << 14
	MaxSpectralBands = 64
)

// Config describes the whole pipeline.
type Config struct {
	// Passthrough forwards every raw sample alongside the derived ones.
	Passthrough bool
	// DropRaw excludes matching metrics from passthrough.
	DropRaw []string
	Chains  []ChainConfig
}

// ChainConfig is an ordered list of stages applied to the metrics it matches.
type ChainConfig struct {
	Name   string
	Match  []string // globs on metric_id; empty matches every metric
	Drop   []string // globs on metric_id excluded after Match
	Stages []StageConfig
}

// StageConfig configures one stage. Only the fields of its Kind are read.
type StageConfig struct {
	Kind StageKind

	// detrend
	Mode   DetrendMode
	Window int

	// spectral
	Size  int
	Hop   int
	Bands int

	// window
	Width time.Duration

	// map: metric_id renames, old to new
	Rename map[string]string

	// drop_component: index of the vector component to remove
	Component int
}

// Validate checks the configuration without building any state.
func (c Config) Validate() error {
	if err := validateGlobs(c.DropRaw); err != nil {
		return errors.WrapInvalid(err, "transform", "Validate", "drop_raw")
	}
	seen := make(map[string]struct{}, len(c.Chains))
	for i, chain := range c.Chains {
		if chain.Name == "" {
			return errors.WrapInvalid(fmt.Errorf("chain %d has no name", i), "transform", "Validate", "chain")
		}
		if _, dup := seen[chain.Name]; dup {
			return errors.WrapInvalid(fmt.Errorf("duplicate chain %q", chain.Name), "transform", "Validate", "chain")
		}
		seen[chain.Name] = struct{}{}
		if err := chain.validate(); err != nil {
			return errors.WrapInvalid(err, "transform", "Validate", "chain "+chain.Name)
		}
	}
	return nil
}

func (c ChainConfig) validate() error {
	if err := validateGlobs(c.Match); err != nil {
		return err
	}
	if err := validateGlobs(c.Drop); err != nil {
		return err
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("no stages")
	}
	for i, st := range c.Stages {
		if err := st.validate(); err != nil {
			return fmt.Errorf("stage %d (%s): %w", i, st.Kind, err)
		}
	}
	return nil
}

func (s StageConfig) validate() error {
	switch s.Kind {
	case StageDetrend:
		if s.Mode != DetrendConstant && s.Mode != DetrendLinear {
			return fmt.Errorf("unknown detrend mode %q", s.Mode)
		}
		if s.Window < 1 || s.Window > MaxDetrendWindow {
			return fmt.Errorf("window %d outside [1, %d]", s.Window, MaxDetrendWindow)
		}
	case StageSpectral:
		if s.Size < 2 || s.Size > MaxSpectralSize {
			return fmt.Errorf("size %d outside [2, %d]", s.Size, MaxSpectralSize)
		}
		if s.Hop < 1 || s.Hop > s.Size {
			return fmt.Errorf("hop %d outside [1, %d]", s.Hop, s.Size)
		}
		if s.Bands < 1 || s.Bands > MaxSpectralBands || s.Bands > s.Size/2 {
			return fmt.Errorf("bands %d outside [1, min(%d, size/2)]", s.Bands, MaxSpectralBands)
		}
	case StageWindow:
		if s.Width <= 0 {
			return fmt.Errorf("width must be positive")
		}
	case StageMap:
		if len(s.Rename) == 0 {
			return fmt.Errorf("rename is empty")
		}
		for from, to := range s.Rename {
			if from == "" || to == "" {
				return fmt.Errorf("rename %q -> %q: empty metric id", from, to)
			}
		}
	case StageDropComponent:
		if s.Component < 0 {
			return fmt.Errorf("component %d is negative", s.Component)
		}
	default:
		return fmt.Errorf("unknown stage kind %q", s.Kind)
	}
	return nil
}

func validateGlobs(globs []string) error {
	for _, g := range globs {
		if _, err := path.Match(g, ""); err != nil {
			return fmt.Errorf("pattern %q: %w", g, err)
		}
	}
	return nil
}

func matchAny(globs []string, metricID string) bool {
	for _, g := range globs {
		if ok, _ := path.Match(g, metricID); ok {
			return true
		}
	}
	return false
}
