package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/c360/metricrelay/errors"
	"github.com/c360/metricrelay/pkg/buffer"
	"github.com/c360/metricrelay/sample"
	"github.com/c360/metricrelay/sink"
	"github.com/c360/metricrelay/source"
)

// Validate checks the semantic rules of a configuration with defaults
// applied. The first problem found is returned.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "config", "Validate", "semantic check")
	}
	return nil
}

func (c *Config) validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log.format %q: want json or text", c.Log.Format)
	}
	if c.HTTP.Addr != "" {
		if err := validateHostPort(c.HTTP.Addr); err != nil {
			return fmt.Errorf("http.addr: %w", err)
		}
	}

	buffers := []struct {
		name string
		cfg  BufferConfig
	}{
		{"ingress", c.Buffers.Ingress},
		{"network", c.Buffers.Network},
		{"sinks", c.Buffers.Sinks},
	}
	for _, b := range buffers {
		if b.cfg.Capacity < 1 {
			return fmt.Errorf("buffers.%s.capacity must be positive", b.name)
		}
		if _, err := buffer.ParsePolicy(b.cfg.Policy); err != nil {
			return fmt.Errorf("buffers.%s.policy: %w", b.name, err)
		}
	}

	if len(c.Sources) == 0 && c.Relay.Listen == "" {
		return fmt.Errorf("nothing to ingest: configure sources or relay.listen")
	}
	ids := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if strings.Contains(s.ID, "/") {
			return fmt.Errorf("source %s: id must not contain '/'", s.ID)
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate source id %q", s.ID)
		}
		ids[s.ID] = true
		if err := s.validate(); err != nil {
			return fmt.Errorf("source %s: %w", s.ID, err)
		}
	}

	if err := c.Transform.Pipeline().Validate(); err != nil {
		return err
	}
	if err := c.Relay.validate(); err != nil {
		return err
	}

	names := make(map[string]bool, len(c.Sinks))
	for i, s := range c.Sinks {
		if s.Name == "" {
			return fmt.Errorf("sinks[%d]: name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate sink name %q", s.Name)
		}
		names[s.Name] = true
		if err := s.validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.Name, err)
		}
	}

	if c.NeedsNATS() && c.NATS.CircuitMaxWait.D() < time.Second {
		return fmt.Errorf("nats.circuit_max_wait must be at least 1s")
	}

	d := c.Dispatcher
	if d.Retry.MaxDelay < d.Retry.InitialDelay {
		return fmt.Errorf("dispatcher.retry.max_delay must be >= initial_delay")
	}
	return nil
}

func (s SourceConfig) validate() error {
	if !source.Kind(s.Kind).Valid() {
		return fmt.Errorf("unknown kind %q", s.Kind)
	}
	if s.DegradedInterval < s.Interval {
		return fmt.Errorf("degraded_interval must be >= interval")
	}
	switch source.Kind(s.Kind) {
	case source.KindSim:
		if len(s.Sim.Metrics) == 0 {
			return fmt.Errorf("sim needs at least one metric")
		}
		for _, m := range s.Sim.Metrics {
			if err := validateUnit(m.Unit); err != nil {
				return fmt.Errorf("metric %s: %w", m.ID, err)
			}
		}
	case source.KindHwmon:
		if s.Hwmon.Chip == "" || len(s.Hwmon.Sensors) == 0 {
			return fmt.Errorf("hwmon needs a chip and at least one sensor")
		}
	case source.KindReplay:
		if s.Replay.Path == "" {
			return fmt.Errorf("replay needs a path")
		}
		if err := validateUnit(s.Replay.Unit); err != nil {
			return err
		}
	}
	return nil
}

func (r RelayConfig) validate() error {
	if r.Target != "" {
		if err := validateHostPort(r.Target); err != nil {
			return fmt.Errorf("relay.target: %w", err)
		}
	}
	if r.Listen != "" {
		if err := validateHostPort(r.Listen); err != nil {
			return fmt.Errorf("relay.listen: %w", err)
		}
	}
	if r.Backoff.Max < r.Backoff.Min {
		return fmt.Errorf("relay.backoff.max must be >= min")
	}
	if r.Backoff.Factor < 1 {
		return fmt.Errorf("relay.backoff.factor must be >= 1")
	}
	if r.Backoff.Jitter > 1 {
		return fmt.Errorf("relay.backoff.jitter must be within [0, 1]")
	}
	if r.LivenessTimeout <= r.HeartbeatInterval {
		return fmt.Errorf("relay.liveness_timeout must exceed heartbeat_interval")
	}
	if r.BatchSamples > sample.MaxBatchSamples {
		return fmt.Errorf("relay.batch_samples above %d", sample.MaxBatchSamples)
	}
	return r.TLS.validate(r.Listen != "")
}

func (t RelayTLSConfig) validate(listening bool) error {
	if !t.Enabled {
		return nil
	}
	if (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("relay.tls: cert_file and key_file go together")
	}
	if listening && t.CertFile == "" {
		return fmt.Errorf("relay.tls: a listener needs cert_file and key_file")
	}
	if (t.RequireClientCert || len(t.AllowedClientCNs) > 0) && len(t.ClientCAFiles) == 0 {
		return fmt.Errorf("relay.tls: client certificate checks need client_ca_files")
	}
	switch t.MinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("relay.tls.min_version %q: want 1.2 or 1.3", t.MinVersion)
	}
	return nil
}

func (s SinkConfig) validate() error {
	switch sink.Kind(s.Kind) {
	case sink.KindTSDB:
		if s.TSDB.URL == "" {
			return fmt.Errorf("tsdb.url is required")
		}
		u, err := url.Parse(s.TSDB.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("tsdb.url must be an http(s) URL")
		}
	case sink.KindPubSub:
	case sink.KindArchive:
		if s.Archive.Path == "" {
			return fmt.Errorf("archive.path is required")
		}
		switch s.Archive.Format {
		case "", sink.FormatJSONL, sink.FormatFrames:
		default:
			return fmt.Errorf("archive.format %q: want %s or %s", s.Archive.Format, sink.FormatJSONL, sink.FormatFrames)
		}
	case sink.KindWebSocket:
		if err := validateHostPort(s.WebSocket.Addr); err != nil {
			return fmt.Errorf("websocket.addr: %w", err)
		}
		if s.WebSocket.Path != "" && !strings.HasPrefix(s.WebSocket.Path, "/") {
			return fmt.Errorf("websocket.path must start with '/'")
		}
	default:
		return fmt.Errorf("unknown kind %q", s.Kind)
	}
	return nil
}

func validateHostPort(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if port == "" {
		return fmt.Errorf("missing port in %q", addr)
	}
	return nil
}

func validateUnit(u string) error {
	if u == "" {
		return nil
	}
	if _, err := sample.ParseUnit(u); err != nil {
		return err
	}
	return nil
}
