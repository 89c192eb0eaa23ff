package config

import (
	"os"
	"time"
)

// Config is the complete process configuration.
type Config struct {
	NodeID     string           `yaml:"node_id"`
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	NATS       NATSConfig       `yaml:"nats"`
	Buffers    BuffersConfig    `yaml:"buffers"`
	Sources    []SourceConfig   `yaml:"sources"`
	Transform  TransformConfig  `yaml:"transform"`
	Relay      RelayConfig      `yaml:"relay"`
	Sinks      []SinkConfig     `yaml:"sinks"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
}

// LogConfig selects the root logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// HTTPConfig configures the /metrics and /healthz endpoint.
type HTTPConfig struct {
	// Addr is empty to disable the endpoint.
	Addr string `yaml:"addr"`
}

// NATSConfig configures the connection used by pubsub sinks.
type NATSConfig struct {
	URL            string   `yaml:"url"`
	Name           string   `yaml:"name"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	MaxReconnects  int      `yaml:"max_reconnects"`
	ReconnectWait  Duration `yaml:"reconnect_wait"`
	Timeout        Duration `yaml:"timeout"`
	PingInterval   Duration `yaml:"ping_interval"`
	MaxPingsOut    int      `yaml:"max_pings_outstanding"`
	DrainTimeout   Duration `yaml:"drain_timeout"`
	CircuitTrips   int      `yaml:"circuit_trips"`
	CircuitMaxWait Duration `yaml:"circuit_max_wait"`
}

// BufferConfig sizes one bounded queue.
type BufferConfig struct {
	Capacity int    `yaml:"capacity"`
	Policy   string `yaml:"policy"` // drop-oldest, drop-newest, block
}

// BuffersConfig sizes the queues between stages.
type BuffersConfig struct {
	// Ingress is applied to the queue of every source.
	Ingress BufferConfig `yaml:"ingress"`
	// Network feeds the relay sender.
	Network BufferConfig `yaml:"network"`
	// Sinks feeds the sink dispatcher.
	Sinks BufferConfig `yaml:"sinks"`
}

// SourceConfig configures one source and its polling.
type SourceConfig struct {
	ID               string       `yaml:"id"`
	Kind             string       `yaml:"kind"`
	Interval         Duration     `yaml:"interval"`
	DegradedInterval Duration     `yaml:"degraded_interval"`
	Sim              SimConfig    `yaml:"sim"`
	Hwmon            HwmonConfig  `yaml:"hwmon"`
	Replay           ReplayConfig `yaml:"replay"`
}

// SimConfig configures a simulated source.
type SimConfig struct {
	Step    Duration          `yaml:"step"`
	Seed    uint64            `yaml:"seed"`
	Metrics []SimMetricConfig `yaml:"metrics"`
}

// SimMetricConfig describes one simulated metric.
type SimMetricConfig struct {
	ID        string   `yaml:"id"`
	Unit      string   `yaml:"unit"`
	Waveform  string   `yaml:"waveform"`
	Offset    float64  `yaml:"offset"`
	Slope     float64  `yaml:"slope"`
	Amplitude float64  `yaml:"amplitude"`
	Period    Duration `yaml:"period"`
	Noise     float64  `yaml:"noise"`
}

// HwmonConfig configures a hwmon source.
type HwmonConfig struct {
	Root    string              `yaml:"root"`
	Chip    string              `yaml:"chip"`
	Sensors []HwmonSensorConfig `yaml:"sensors"`
}

// HwmonSensorConfig maps one temperature input to a metric.
type HwmonSensorConfig struct {
	Index  int    `yaml:"index"`
	Metric string `yaml:"metric"`
}

// ReplayConfig configures a replay source.
type ReplayConfig struct {
	Path string `yaml:"path"`
	Unit string `yaml:"unit"`
}

// TransformConfig configures the transform pipeline.
type TransformConfig struct {
	Passthrough bool          `yaml:"passthrough"`
	DropRaw     []string      `yaml:"drop_raw"`
	Chains      []ChainConfig `yaml:"chains"`
}

// ChainConfig is one ordered list of stages.
type ChainConfig struct {
	Name   string        `yaml:"name"`
	Match  []string      `yaml:"match"`
	Drop   []string      `yaml:"drop"`
	Stages []StageConfig `yaml:"stages"`
}

// StageConfig configures one transform stage.
type StageConfig struct {
	Kind      string            `yaml:"kind"`
	Mode      string            `yaml:"mode"`
	Window    int               `yaml:"window"`
	Size      int               `yaml:"size"`
	Hop       int               `yaml:"hop"`
	Bands     int               `yaml:"bands"`
	Width     Duration          `yaml:"width"`
	Rename    map[string]string `yaml:"rename"`
	Component int               `yaml:"component"`
}

// RelayConfig configures both relay roles. An empty Target disables the
// sender; an empty Listen disables the listener.
type RelayConfig struct {
	Target            string         `yaml:"target"`
	Listen            string         `yaml:"listen"`
	HeartbeatInterval Duration       `yaml:"heartbeat_interval"`
	LivenessTimeout   Duration       `yaml:"liveness_timeout"`
	HandshakeTimeout  Duration       `yaml:"handshake_timeout"`
	WriteTimeout      Duration       `yaml:"write_timeout"`
	DrainTimeout      Duration       `yaml:"drain_timeout"`
	SessionTimeout    Duration       `yaml:"session_timeout"`
	BindAttempts      int            `yaml:"bind_attempts"`
	ResendCapacity    int            `yaml:"resend_capacity"`
	BatchSamples      int            `yaml:"batch_samples"`
	BatchBytes        int            `yaml:"batch_bytes"`
	Backoff           BackoffConfig  `yaml:"backoff"`
	TLS               RelayTLSConfig `yaml:"tls"`
}

// RelayTLSConfig secures relay links. The certificate is presented by the
// listener, and by the sender when the listener requires client
// certificates.
type RelayTLSConfig struct {
	Enabled            bool     `yaml:"enabled"`
	CertFile           string   `yaml:"cert_file"`
	KeyFile            string   `yaml:"key_file"`
	CAFiles            []string `yaml:"ca_files"`
	ServerName         string   `yaml:"server_name"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	MinVersion         string   `yaml:"min_version"`
	ClientCAFiles      []string `yaml:"client_ca_files"`
	RequireClientCert  bool     `yaml:"require_client_cert"`
	AllowedClientCNs   []string `yaml:"allowed_client_cns"`
}

// BackoffConfig configures reconnect backoff.
type BackoffConfig struct {
	Min    Duration `yaml:"min"`
	Max    Duration `yaml:"max"`
	Factor float64  `yaml:"factor"`
	Jitter float64  `yaml:"jitter"`
}

// SinkConfig configures one sink.
type SinkConfig struct {
	Name      string          `yaml:"name"`
	Kind      string          `yaml:"kind"`
	TSDB      TSDBConfig      `yaml:"tsdb"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	Archive   ArchiveConfig   `yaml:"archive"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// TSDBConfig configures a line-protocol writer.
type TSDBConfig struct {
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  Duration          `yaml:"timeout"`
}

// PubSubConfig configures a NATS publisher.
type PubSubConfig struct {
	Subject string `yaml:"subject"`
}

// ArchiveConfig configures a rotated archive file.
type ArchiveConfig struct {
	Path       string `yaml:"path"`
	Format     string `yaml:"format"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// WebSocketConfig configures the live push endpoint.
type WebSocketConfig struct {
	Addr         string   `yaml:"addr"`
	Path         string   `yaml:"path"`
	SendBuffer   int      `yaml:"send_buffer"`
	WriteTimeout Duration `yaml:"write_timeout"`
	PingInterval Duration `yaml:"ping_interval"`
}

// DispatcherConfig configures sink delivery.
type DispatcherConfig struct {
	BatchSamples   int         `yaml:"batch_samples"`
	QueueCapacity  int         `yaml:"queue_capacity"`
	DegradeAfter   int         `yaml:"degrade_after"`
	ProbeInterval  Duration    `yaml:"probe_interval"`
	DeliverTimeout Duration    `yaml:"deliver_timeout"`
	Retry          RetryConfig `yaml:"retry"`
}

// RetryConfig configures per-batch sink retries.
type RetryConfig struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	Jitter       *bool    `yaml:"jitter"`
}

func setDuration(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeID = host
		} else {
			c.NodeID = "metricrelay"
		}
	}
	setString(&c.Log.Level, "info")
	setString(&c.Log.Format, "json")

	setString(&c.NATS.URL, "nats://localhost:4222")
	setString(&c.NATS.Name, "metricrelay-"+c.NodeID)
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	setDuration(&c.NATS.ReconnectWait, 2*time.Second)
	setDuration(&c.NATS.Timeout, 5*time.Second)
	setDuration(&c.NATS.PingInterval, 30*time.Second)
	setInt(&c.NATS.MaxPingsOut, 2)
	setDuration(&c.NATS.DrainTimeout, 10*time.Second)
	setInt(&c.NATS.CircuitTrips, 5)
	setDuration(&c.NATS.CircuitMaxWait, time.Minute)

	setInt(&c.Buffers.Ingress.Capacity, 256)
	setString(&c.Buffers.Ingress.Policy, "drop-oldest")
	setInt(&c.Buffers.Network.Capacity, 100)
	setString(&c.Buffers.Network.Policy, "drop-oldest")
	setInt(&c.Buffers.Sinks.Capacity, 1024)
	setString(&c.Buffers.Sinks.Policy, "block")

	for i := range c.Sources {
		s := &c.Sources[i]
		setDuration(&s.Interval, time.Second)
		setDuration(&s.DegradedInterval, 10*s.Interval.D())
		if s.Kind == "sim" {
			setDuration(&s.Sim.Step, s.Interval.D())
		}
	}

	r := &c.Relay
	setDuration(&r.HeartbeatInterval, 5*time.Second)
	setDuration(&r.LivenessTimeout, 15*time.Second)
	setDuration(&r.HandshakeTimeout, 5*time.Second)
	setDuration(&r.WriteTimeout, 5*time.Second)
	setDuration(&r.DrainTimeout, 5*time.Second)
	setDuration(&r.SessionTimeout, 5*time.Minute)
	setInt(&r.BindAttempts, 5)
	setInt(&r.ResendCapacity, 256)
	setInt(&r.BatchSamples, 256)
	setInt(&r.BatchBytes, 64*1024)
	setDuration(&r.Backoff.Min, 250*time.Millisecond)
	setDuration(&r.Backoff.Max, 30*time.Second)
	if r.Backoff.Factor <= 0 {
		r.Backoff.Factor = 2
	}
	if r.Backoff.Jitter <= 0 {
		r.Backoff.Jitter = 0.2
	}

	d := &c.Dispatcher
	setInt(&d.BatchSamples, 256)
	setInt(&d.QueueCapacity, 64)
	setInt(&d.DegradeAfter, 3)
	setDuration(&d.ProbeInterval, 5*time.Second)
	setDuration(&d.DeliverTimeout, 10*time.Second)
	setInt(&d.Retry.MaxAttempts, 3)
	setDuration(&d.Retry.InitialDelay, 100*time.Millisecond)
	setDuration(&d.Retry.MaxDelay, 5*time.Second)
	if d.Retry.Multiplier <= 0 {
		d.Retry.Multiplier = 2
	}
	if d.Retry.Jitter == nil {
		jitter := true
		d.Retry.Jitter = &jitter
	}
}
