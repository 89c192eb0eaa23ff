package config

import (
	"log/slog"
	"time"

	"github.com/c360/metricrelay/natsclient"
	"github.com/c360/metricrelay/pkg/buffer"
	"github.com/c360/metricrelay/pkg/retry"
	"github.com/c360/metricrelay/pkg/tlsutil"
	"github.com/c360/metricrelay/relay"
	"github.com/c360/metricrelay/sample"
	"github.com/c360/metricrelay/sink"
	"github.com/c360/metricrelay/source"
	"github.com/c360/metricrelay/transform"
)

// The conversions below assume a validated configuration with defaults
// applied.

// OverflowPolicy returns the parsed policy.
func (b BufferConfig) OverflowPolicy() buffer.OverflowPolicy {
	p, _ := buffer.ParsePolicy(b.Policy)
	return p
}

// Pipeline returns the transform pipeline configuration.
func (t TransformConfig) Pipeline() transform.Config {
	out := transform.Config{
		Passthrough: t.Passthrough,
		DropRaw:     t.DropRaw,
		Chains:      make([]transform.ChainConfig, len(t.Chains)),
	}
	for i, c := range t.Chains {
		chain := transform.ChainConfig{
			Name:   c.Name,
			Match:  c.Match,
			Drop:   c.Drop,
			Stages: make([]transform.StageConfig, len(c.Stages)),
		}
		for j, s := range c.Stages {
			chain.Stages[j] = transform.StageConfig{
				Kind:      transform.StageKind(s.Kind),
				Mode:      transform.DetrendMode(s.Mode),
				Window:    s.Window,
				Size:      s.Size,
				Hop:       s.Hop,
				Bands:     s.Bands,
				Width:     s.Width.D(),
				Rename:    s.Rename,
				Component: s.Component,
			}
		}
		out.Chains[i] = chain
	}
	return out
}

func (r RelayConfig) backoff() retry.BackoffConfig {
	return retry.BackoffConfig{
		Min:    r.Backoff.Min.D(),
		Max:    r.Backoff.Max.D(),
		Factor: r.Backoff.Factor,
		Jitter: r.Backoff.Jitter,
	}
}

// Sender returns the relay initiator configuration.
func (r RelayConfig) Sender() relay.SenderConfig {
	return relay.SenderConfig{
		Target:            r.Target,
		HeartbeatInterval: r.HeartbeatInterval.D(),
		LivenessTimeout:   r.LivenessTimeout.D(),
		HandshakeTimeout:  r.HandshakeTimeout.D(),
		WriteTimeout:      r.WriteTimeout.D(),
		DrainTimeout:      r.DrainTimeout.D(),
		ResendCapacity:    r.ResendCapacity,
		BatchSamples:      r.BatchSamples,
		BatchBytes:        r.BatchBytes,
		Backoff:           r.backoff(),
	}
}

// Listener returns the relay responder configuration.
func (r RelayConfig) Listener() relay.ListenerConfig {
	return relay.ListenerConfig{
		Addr:              r.Listen,
		HeartbeatInterval: r.HeartbeatInterval.D(),
		LivenessTimeout:   r.LivenessTimeout.D(),
		HandshakeTimeout:  r.HandshakeTimeout.D(),
		WriteTimeout:      r.WriteTimeout.D(),
		SessionTimeout:    r.SessionTimeout.D(),
		Bind: retry.Config{
			MaxAttempts:  r.BindAttempts,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
		},
	}
}

// ServerTLS returns the listener TLS settings, or nil when TLS is off.
func (r RelayConfig) ServerTLS() *tlsutil.ServerConfig {
	if !r.TLS.Enabled {
		return nil
	}
	return &tlsutil.ServerConfig{
		CertFile:          r.TLS.CertFile,
		KeyFile:           r.TLS.KeyFile,
		MinVersion:        r.TLS.MinVersion,
		ClientCAFiles:     r.TLS.ClientCAFiles,
		RequireClientCert: r.TLS.RequireClientCert,
		AllowedClientCNs:  r.TLS.AllowedClientCNs,
	}
}

// ClientTLS returns the sender TLS settings, or nil when TLS is off.
func (r RelayConfig) ClientTLS() *tlsutil.ClientConfig {
	if !r.TLS.Enabled {
		return nil
	}
	return &tlsutil.ClientConfig{
		CAFiles:            r.TLS.CAFiles,
		ServerName:         r.TLS.ServerName,
		InsecureSkipVerify: r.TLS.InsecureSkipVerify,
		MinVersion:         r.TLS.MinVersion,
		CertFile:           r.TLS.CertFile,
		KeyFile:            r.TLS.KeyFile,
	}
}

// Source returns the source configuration.
func (s SourceConfig) Source() source.Config {
	out := source.Config{ID: s.ID, Kind: source.Kind(s.Kind)}
	switch out.Kind {
	case source.KindSim:
		out.Sim = source.SimConfig{Step: s.Sim.Step.D(), Seed: s.Sim.Seed}
		for _, m := range s.Sim.Metrics {
			out.Sim.Metrics = append(out.Sim.Metrics, source.SimMetric{
				ID:        m.ID,
				Unit:      sample.Unit(m.Unit),
				Waveform:  source.Waveform(m.Waveform),
				Offset:    m.Offset,
				Slope:     m.Slope,
				Amplitude: m.Amplitude,
				Period:    m.Period.D(),
				Noise:     m.Noise,
			})
		}
	case source.KindHwmon:
		out.Hwmon = source.HwmonConfig{Root: s.Hwmon.Root, Chip: s.Hwmon.Chip}
		for _, sensor := range s.Hwmon.Sensors {
			out.Hwmon.Sensors = append(out.Hwmon.Sensors, source.HwmonSensor{Index: sensor.Index, Metric: sensor.Metric})
		}
	case source.KindReplay:
		out.Replay = source.ReplayConfig{Path: s.Replay.Path, Unit: sample.Unit(s.Replay.Unit)}
	}
	return out
}

// Runner returns the polling configuration of the source.
func (s SourceConfig) Runner(origin time.Time) source.RunnerConfig {
	return source.RunnerConfig{
		Interval:         s.Interval.D(),
		DegradedInterval: s.DegradedInterval.D(),
		Origin:           origin,
	}
}

// Sink returns the sink configuration.
func (s SinkConfig) Sink() sink.Config {
	return sink.Config{
		Name: s.Name,
		Kind: sink.Kind(s.Kind),
		TSDB: sink.TSDBConfig{
			URL:      s.TSDB.URL,
			Database: s.TSDB.Database,
			Headers:  s.TSDB.Headers,
			Timeout:  s.TSDB.Timeout.D(),
		},
		PubSub: sink.PubSubConfig{Subject: s.PubSub.Subject},
		Archive: sink.ArchiveConfig{
			Path:       s.Archive.Path,
			Format:     s.Archive.Format,
			MaxSizeMB:  s.Archive.MaxSizeMB,
			MaxBackups: s.Archive.MaxBackups,
			MaxAgeDays: s.Archive.MaxAgeDays,
			Compress:   s.Archive.Compress,
		},
		WebSocket: sink.WebSocketConfig{
			Addr:         s.WebSocket.Addr,
			Path:         s.WebSocket.Path,
			SendBuffer:   s.WebSocket.SendBuffer,
			WriteTimeout: s.WebSocket.WriteTimeout.D(),
			PingInterval: s.WebSocket.PingInterval.D(),
		},
	}
}

// Sink returns the dispatcher configuration.
func (d DispatcherConfig) Sink() sink.DispatcherConfig {
	jitter := d.Retry.Jitter == nil || *d.Retry.Jitter
	return sink.DispatcherConfig{
		BatchSamples:  d.BatchSamples,
		QueueCapacity: d.QueueCapacity,
		Retry: retry.Config{
			MaxAttempts:  d.Retry.MaxAttempts,
			InitialDelay: d.Retry.InitialDelay.D(),
			MaxDelay:     d.Retry.MaxDelay.D(),
			Multiplier:   d.Retry.Multiplier,
			AddJitter:    jitter,
		},
		DegradeAfter:   d.DegradeAfter,
		ProbeInterval:  d.ProbeInterval.D(),
		DeliverTimeout: d.DeliverTimeout.D(),
	}
}

// NeedsNATS reports whether any sink publishes through NATS.
func (c *Config) NeedsNATS() bool {
	for _, s := range c.Sinks {
		if s.Kind == string(sink.KindPubSub) {
			return true
		}
	}
	return false
}

// ClientOptions returns the NATS client options.
func (n NATSConfig) ClientOptions(logger *slog.Logger) []natsclient.ClientOption {
	opts := []natsclient.ClientOption{
		natsclient.WithName(n.Name),
		natsclient.WithTimeout(n.Timeout.D()),
		natsclient.WithReconnect(n.MaxReconnects, n.ReconnectWait.D()),
		natsclient.WithPing(n.PingInterval.D(), n.MaxPingsOut),
		natsclient.WithDrainTimeout(n.DrainTimeout.D()),
		natsclient.WithCircuitBreaker(n.CircuitTrips, n.CircuitMaxWait.D()),
	}
	if logger != nil {
		opts = append(opts, natsclient.WithLogger(logger))
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}
	return opts
}
