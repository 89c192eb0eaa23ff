package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/metricrelay/errors"
	"github.com/c360/metricrelay/natsclient"
	"github.com/c360/metricrelay/pkg/buffer"
	"github.com/c360/metricrelay/relay"
	"github.com/c360/metricrelay/sink"
	"github.com/c360/metricrelay/source"
	"github.com/c360/metricrelay/transform"
)

const fullYAML = `
node_id: edge-1
log: {level: debug, format: text}
http: {addr: ":9090"}
buffers:
  network: {capacity: 50, policy: drop-newest}
sources:
  - id: sim
    kind: sim
    interval: 100ms
    sim:
      seed: 7
      metrics:
        - {id: temp, unit: "°C", waveform: sine, offset: 20, amplitude: 2, period: 1m, noise: 0.1}
        - {id: load, waveform: ramp, slope: 0.5}
  - id: board
    kind: hwmon
    hwmon: {chip: coretemp, sensors: [{index: 1, metric: cpu_temp}]}
transform:
  passthrough: true
  drop_raw: ["load"]
  chains:
    - name: trend
      match: ["temp*"]
      stages: [{kind: detrend, mode: linear, window: 16}]
    - name: spectrum
      stages:
        - {kind: spectral, size: 64, hop: 32, bands: 8}
        - {kind: window, width: 10s}
    - name: named
      match: ["hwmon*"]
      stages:
        - kind: map
          rename: {hwmon0_temp1: cpu_temp}
        - {kind: drop_component, component: 2}
relay:
  target: collector:7070
  backoff: {min: 100ms, max: 10s, factor: 3, jitter: 0.1}
sinks:
  - name: influx
    kind: tsdb
    tsdb: {url: "http://influx:8086", database: metrics, timeout: 2s}
  - name: bus
    kind: pubsub
    pubsub: {subject: "metrics.{{.Source}}.{{.Metric}}"}
  - name: disk
    kind: archive
    archive: {path: /var/lib/metricrelay/a.frames, format: frames, max_size_mb: 5}
dispatcher:
  degrade_after: 5
  retry: {max_attempts: 4, jitter: false}
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile_Full(t *testing.T) {
	cfg, err := NewLoader().LoadFile(writeConfig(t, "metricrelay.yaml", fullYAML))
	require.NoError(t, err)

	assert.Equal(t, "edge-1", cfg.NodeID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)

	assert.Equal(t, 50, cfg.Buffers.Network.Capacity)
	assert.Equal(t, buffer.DropNewest, cfg.Buffers.Network.OverflowPolicy())
	assert.Equal(t, 1024, cfg.Buffers.Sinks.Capacity)
	assert.Equal(t, buffer.Block, cfg.Buffers.Sinks.OverflowPolicy())

	require.Len(t, cfg.Sources, 2)
	sim := cfg.Sources[0].Source()
	assert.Equal(t, source.KindSim, sim.Kind)
	assert.Equal(t, 100*time.Millisecond, sim.Sim.Step)
	assert.Equal(t, uint64(7), sim.Sim.Seed)
	require.Len(t, sim.Sim.Metrics, 2)
	assert.Equal(t, source.WaveSine, sim.Sim.Metrics[0].Waveform)
	assert.Equal(t, time.Minute, sim.Sim.Metrics[0].Period)

	runner := cfg.Sources[1].Runner(time.Time{})
	assert.Equal(t, time.Second, runner.Interval)
	assert.Equal(t, 10*time.Second, runner.DegradedInterval)
	assert.Equal(t, "cpu_temp", cfg.Sources[1].Source().Hwmon.Sensors[0].Metric)

	pipeline := cfg.Transform.Pipeline()
	require.NoError(t, pipeline.Validate())
	require.Len(t, pipeline.Chains, 3)
	assert.Equal(t, transform.StageWindow, pipeline.Chains[1].Stages[1].Kind)
	assert.Equal(t, 10*time.Second, pipeline.Chains[1].Stages[1].Width)
	assert.Equal(t, map[string]string{"hwmon0_temp1": "cpu_temp"}, pipeline.Chains[2].Stages[0].Rename)
	assert.Equal(t, transform.StageDropComponent, pipeline.Chains[2].Stages[1].Kind)
	assert.Equal(t, 2, pipeline.Chains[2].Stages[1].Component)

	sender := cfg.Relay.Sender()
	assert.Equal(t, "collector:7070", sender.Target)
	assert.Equal(t, 3.0, sender.Backoff.Factor)
	assert.Equal(t, 100*time.Millisecond, sender.Backoff.Min)
	assert.Equal(t, relay.DefaultSenderConfig().HeartbeatInterval, sender.HeartbeatInterval)

	require.Len(t, cfg.Sinks, 3)
	assert.Equal(t, sink.KindTSDB, cfg.Sinks[0].Sink().Kind)
	assert.Equal(t, 2*time.Second, cfg.Sinks[0].Sink().TSDB.Timeout)
	assert.Equal(t, sink.FormatFrames, cfg.Sinks[2].Sink().Archive.Format)
	assert.True(t, cfg.NeedsNATS())
	client, err := natsclient.NewClient(cfg.NATS.URL, cfg.NATS.ClientOptions(nil)...)
	require.NoError(t, err, "defaults must satisfy every client option")
	assert.Equal(t, natsclient.StatusDisconnected, client.Status())

	d := cfg.Dispatcher.Sink()
	assert.Equal(t, 5, d.DegradeAfter)
	assert.Equal(t, 4, d.Retry.MaxAttempts)
	assert.False(t, d.Retry.AddJitter)
	assert.Equal(t, 64, d.QueueCapacity)
}

func TestLoad_JSONFile(t *testing.T) {
	path := writeConfig(t, "c.json", `{"node_id": "n1", "relay": {"listen": ":7070"}}`)
	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "n1", cfg.NodeID)
	assert.Equal(t, ":7070", cfg.Relay.Listener().Addr)
	assert.Equal(t, 5*time.Minute, cfg.Relay.Listener().SessionTimeout)
	assert.Equal(t, 5, cfg.Relay.Listener().Bind.MaxAttempts)
	assert.False(t, cfg.NeedsNATS())
}

func TestLoad_LayersAndEnvironment(t *testing.T) {
	base := writeConfig(t, "base.yaml", `
node_id: base
log: {level: info}
relay: {listen: ":7070", heartbeat_interval: 2s}
`)
	override := writeConfig(t, "site.yaml", `
log: {format: text}
relay: {heartbeat_interval: 1s}
`)
	t.Setenv("METRICRELAY_NODE_ID", "from-env")
	t.Setenv("METRICRELAY_RELAY_TARGET", "upstream:7070")

	l := NewLoader()
	l.AddLayer(base)
	l.AddLayer(override)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.NodeID)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, ":7070", cfg.Relay.Listen)
	assert.Equal(t, "upstream:7070", cfg.Relay.Target)
	assert.Equal(t, time.Second, cfg.Relay.HeartbeatInterval.D())
}

func TestLoad_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown top-level key", "node_id: a\nrelay: {listen: ':1'}\nbogus: 1\n"},
		{"bad duration", "relay: {listen: ':1', heartbeat_interval: 5}\n"},
		{"bad duration string", "relay: {listen: ':1', heartbeat_interval: soon}\n"},
		{"unknown source kind", "sources: [{id: a, kind: modbus}]\n"},
		{"source without id", "sources: [{kind: sim}]\n"},
		{"bad policy", "relay: {listen: ':1'}\nbuffers: {sinks: {policy: lifo}}\n"},
		{"bad stage kind", "relay: {listen: ':1'}\ntransform: {chains: [{name: c, stages: [{kind: fft}]}]}\n"},
		{"empty rename", "relay: {listen: ':1'}\ntransform: {chains: [{name: c, stages: [{kind: map, rename: {}}]}]}\n"},
		{"negative component", "relay: {listen: ':1'}\ntransform: {chains: [{name: c, stages: [{kind: drop_component, component: -1}]}]}\n"},
		{"jitter above one", "relay: {listen: ':1', backoff: {jitter: 2}}\n"},
		{"slash in source id", "sources: [{id: a/b, kind: sim, sim: {metrics: [{id: x, waveform: constant}]}}]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().LoadFile(writeConfig(t, "c.yaml", tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "got %v", err)
		})
	}
}

func TestLoad_FileErrors(t *testing.T) {
	_, err := NewLoader().LoadFile(writeConfig(t, "c.toml", "node_id = 'a'"))
	assert.Error(t, err)

	_, err = NewLoader().LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = NewLoader().LoadFile(writeConfig(t, "c.yaml", "node_id: [unterminated"))
	assert.Error(t, err)

	dir := filepath.Join(t.TempDir(), "dir.yaml")
	require.NoError(t, os.Mkdir(dir, 0o755))
	_, err = NewLoader().LoadFile(dir)
	assert.Error(t, err)
}

func validConfig() *Config {
	cfg := &Config{
		NodeID: "n",
		Sources: []SourceConfig{{
			ID: "sim", Kind: "sim",
			Sim: SimConfig{Metrics: []SimMetricConfig{{ID: "x", Waveform: "constant"}}},
		}},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"nothing to ingest", func(c *Config) { c.Sources = nil }},
		{"duplicate source", func(c *Config) { c.Sources = append(c.Sources, c.Sources[0]) }},
		{"degraded faster than normal", func(c *Config) { c.Sources[0].DegradedInterval = Duration(time.Millisecond) }},
		{"unknown unit", func(c *Config) { c.Sources[0].Sim.Metrics[0].Unit = "furlong" }},
		{"hwmon without sensors", func(c *Config) {
			c.Sources = append(c.Sources, SourceConfig{ID: "hw", Kind: "hwmon", Interval: Duration(time.Second), DegradedInterval: Duration(time.Second), Hwmon: HwmonConfig{Chip: "k10temp"}})
		}},
		{"hop above size", func(c *Config) {
			c.Transform.Chains = []ChainConfig{{Name: "s", Stages: []StageConfig{{Kind: "spectral", Size: 8, Hop: 16, Bands: 2}}}}
		}},
		{"backoff inverted", func(c *Config) { c.Relay.Backoff.Max = Duration(time.Millisecond) }},
		{"liveness below heartbeat", func(c *Config) { c.Relay.LivenessTimeout = Duration(time.Second) }},
		{"bad relay target", func(c *Config) { c.Relay.Target = "collector" }},
		{"tls listener without certificate", func(c *Config) {
			c.Relay.Listen = ":7070"
			c.Relay.TLS = RelayTLSConfig{Enabled: true}
		}},
		{"tls key without cert", func(c *Config) { c.Relay.TLS = RelayTLSConfig{Enabled: true, KeyFile: "k.pem"} }},
		{"tls client CN check without CAs", func(c *Config) {
			c.Relay.TLS = RelayTLSConfig{Enabled: true, AllowedClientCNs: []string{"edge-1"}}
		}},
		{"tls bad min version", func(c *Config) { c.Relay.TLS = RelayTLSConfig{Enabled: true, MinVersion: "1.1"} }},
		{"duplicate sink", func(c *Config) {
			s := SinkConfig{Name: "a", Kind: "archive", Archive: ArchiveConfig{Path: "/tmp/a"}}
			c.Sinks = []SinkConfig{s, s}
		}},
		{"nats breaker wait below a second", func(c *Config) {
			c.Sinks = []SinkConfig{{Name: "bus", Kind: "pubsub", PubSub: PubSubConfig{Subject: "metrics"}}}
			c.NATS.CircuitMaxWait = Duration(time.Millisecond)
		}},
		{"tsdb bad url", func(c *Config) { c.Sinks = []SinkConfig{{Name: "t", Kind: "tsdb", TSDB: TSDBConfig{URL: "influx:8086"}}} }},
		{"websocket bad path", func(c *Config) {
			c.Sinks = []SinkConfig{{Name: "w", Kind: "websocket", WebSocket: WebSocketConfig{Addr: ":8081", Path: "ws"}}}
		}},
		{"retry inverted", func(c *Config) { c.Dispatcher.Retry.MaxDelay = Duration(time.Millisecond) }},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }},
	}

	require.NoError(t, validConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
		})
	}
}

func TestRelayTLS(t *testing.T) {
	r := RelayConfig{Listen: ":7070"}
	assert.Nil(t, r.ServerTLS())
	assert.Nil(t, r.ClientTLS())

	r.TLS = RelayTLSConfig{
		Enabled: true, CertFile: "node.pem", KeyFile: "node-key.pem",
		CAFiles: []string{"ca.pem"}, ServerName: "collector", MinVersion: "1.3",
		ClientCAFiles: []string{"edges.pem"}, RequireClientCert: true,
	}
	server := r.ServerTLS()
	require.NotNil(t, server)
	assert.Equal(t, "node.pem", server.CertFile)
	assert.Equal(t, []string{"edges.pem"}, server.ClientCAFiles)
	assert.True(t, server.RequireClientCert)

	client := r.ClientTLS()
	require.NotNil(t, client)
	assert.Equal(t, []string{"ca.pem"}, client.CAFiles)
	assert.Equal(t, "collector", client.ServerName)
	assert.Equal(t, "node-key.pem", client.KeyFile)
	assert.Equal(t, "1.3", client.MinVersion)
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{Sources: []SourceConfig{{ID: "s", Kind: "sim", Interval: Duration(200 * time.Millisecond)}}}
	cfg.ApplyDefaults()

	assert.NotEmpty(t, cfg.NodeID)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 2*time.Second, cfg.Sources[0].DegradedInterval.D())
	assert.Equal(t, 200*time.Millisecond, cfg.Sources[0].Sim.Step.D())
	assert.Equal(t, 100, cfg.Buffers.Network.Capacity)
	assert.Equal(t, "drop-oldest", cfg.Buffers.Network.Policy)
	assert.Equal(t, 250*time.Millisecond, cfg.Relay.Backoff.Min.D())
	assert.Equal(t, 30*time.Second, cfg.Relay.Backoff.Max.D())
	assert.Equal(t, 0.2, cfg.Relay.Backoff.Jitter)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)
	assert.Equal(t, 30*time.Second, cfg.NATS.PingInterval.D())
	assert.Equal(t, 5, cfg.NATS.CircuitTrips)
	require.NotNil(t, cfg.Dispatcher.Retry.Jitter)
	assert.True(t, *cfg.Dispatcher.Retry.Jitter)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg, err := NewLoader().LoadFile(writeConfig(t, "metricrelay.yaml", fullYAML))
	require.NoError(t, err)

	data, err := Marshal(cfg)
	require.NoError(t, err)

	// The dump carries zero values for unused kinds, so only decoding is checked.
	l := NewLoader()
	l.EnableValidation(false)
	again, err := l.LoadFile(writeConfig(t, "dump.yaml", string(data)))
	require.NoError(t, err)

	redump, err := Marshal(again)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(redump))
	assert.Equal(t, cfg.Relay.Backoff, again.Relay.Backoff)
	assert.Equal(t, cfg.Sources[0].Sim.Metrics, again.Sources[0].Sim.Metrics)
}

func TestSchemaIsEmbedded(t *testing.T) {
	assert.Contains(t, string(Schema()), `"$schema"`)
	s, err := compiledSchema()
	require.NoError(t, err)
	assert.NotNil(t, s)
}
