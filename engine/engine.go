package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/metricrelay/config"
	"github.com/c360/metricrelay/errors"
	"github.com/c360/metricrelay/health"
	"github.com/c360/metricrelay/metric"
	"github.com/c360/metricrelay/natsclient"
	"github.com/c360/metricrelay/pkg/buffer"
	"github.com/c360/metricrelay/pkg/retry"
	"github.com/c360/metricrelay/pkg/tlsutil"
	"github.com/c360/metricrelay/plumbing"
	"github.com/c360/metricrelay/relay"
	"github.com/c360/metricrelay/sample"
	"github.com/c360/metricrelay/sink"
	"github.com/c360/metricrelay/source"
	"github.com/c360/metricrelay/transform"
)

// Leg names.
const (
	LegNetwork = "network"
	LegSinks   = "sinks"
)

// Deps are the process-wide collaborators. Nil fields get private defaults.
type Deps struct {
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
	Health   *health.Monitor
}

// Engine owns every task built from one configuration.
type Engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	health   *health.Monitor
	em       *engineMetrics

	sources    []source.Source
	ingress    []*plumbing.Ingress
	runners    []*source.Runner
	pipeline   *transform.Pipeline
	pipe       *plumbing.Runner
	fanout     *plumbing.FanOut
	sender     *relay.Sender
	listener   *relay.Listener
	nats       *natsclient.Client
	dispatcher *sink.Dispatcher

	running atomic.Bool
}

// New builds the engine for cfg, which must be validated with defaults
// applied. Nothing runs until Run.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Engine", "New", "configuration")
	}
	e := &Engine{
		cfg:      cfg,
		logger:   deps.Logger,
		registry: deps.Registry,
		health:   deps.Health,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.registry == nil {
		e.registry = metric.NewMetricsRegistry()
	}
	if e.health == nil {
		e.health = health.NewMonitor()
	}
	e.metrics = e.registry.CoreMetrics()

	em, err := newEngineMetrics(e.registry)
	if err != nil {
		e.logger.Error("Failed to initialize engine metrics", "error", err)
		em = nil // Continue without metrics
	}
	e.em = em

	built := false
	defer func() {
		if !built {
			e.abort()
		}
	}()

	if err := e.buildPipeline(); err != nil {
		return nil, err
	}
	if err := e.buildSources(); err != nil {
		return nil, err
	}
	if err := e.buildOutputs(); err != nil {
		return nil, err
	}

	built = true
	e.logger.Info("Engine built",
		"node_id", cfg.NodeID,
		"sources", len(e.runners),
		"sinks", len(cfg.Sinks),
		"relay_target", cfg.Relay.Target,
		"relay_listen", cfg.Relay.Listen)
	return e, nil
}

func (e *Engine) plumbingDeps() plumbing.Deps {
	return plumbing.Deps{Metrics: e.metrics, Registry: e.registry, Logger: e.logger}
}

func (e *Engine) buildPipeline() error {
	p, err := transform.New(e.cfg.Transform.Pipeline(),
		transform.WithLogger(e.logger),
		transform.WithMetrics(e.metrics))
	if err != nil {
		return errors.WrapInvalid(err, "Engine", "New", "build transform pipeline")
	}
	e.pipeline = p
	return nil
}

func (e *Engine) buildSources() error {
	origin := time.Now()
	bufCfg := e.cfg.Buffers.Ingress
	srcDeps := source.Deps{Logger: e.logger, Metrics: e.metrics, Health: e.health}

	for _, sc := range e.cfg.Sources {
		src, err := source.New(sc.Source())
		if err != nil {
			return err
		}
		e.sources = append(e.sources, src)

		in, err := plumbing.NewIngress(sc.ID, bufCfg.Capacity, bufCfg.OverflowPolicy(), e.plumbingDeps())
		if err != nil {
			return errors.WrapInvalid(err, "Engine", "New", "ingress for source "+sc.ID)
		}
		e.ingress = append(e.ingress, in)

		r, err := source.NewRunner(src, in, sc.Runner(origin), srcDeps)
		if err != nil {
			return err
		}
		e.runners = append(e.runners, r)
	}
	return nil
}

func (e *Engine) buildOutputs() error {
	var legs []*plumbing.Leg

	var network *plumbing.Leg
	if e.cfg.Relay.Target != "" {
		b := e.cfg.Buffers.Network
		leg, err := plumbing.NewLeg(LegNetwork, b.Capacity, b.OverflowPolicy(), e.plumbingDeps())
		if err != nil {
			return errors.WrapInvalid(err, "Engine", "New", "network leg")
		}
		network = leg
		legs = append(legs, leg)
	}

	var sinkLeg *plumbing.Leg
	if len(e.cfg.Sinks) > 0 {
		b := e.cfg.Buffers.Sinks
		leg, err := plumbing.NewLeg(LegSinks, b.Capacity, b.OverflowPolicy(), e.plumbingDeps())
		if err != nil {
			return errors.WrapInvalid(err, "Engine", "New", "sinks leg")
		}
		sinkLeg = leg
		legs = append(legs, leg)
	}

	e.fanout = plumbing.NewFanOut(e.logger.With("component", "fanout"), legs...)
	e.pipe = plumbing.NewRunner(plumbing.NewMerger(e.ingress...), e.pipeline, e.fanout, e.logger)
	if len(legs) == 0 {
		e.logger.Warn("No relay target and no sinks configured, samples are discarded")
	}

	if network != nil {
		opts := []relay.SenderOption{
			relay.WithSenderLogger(e.logger),
			relay.WithSenderMetrics(e.metrics),
			relay.WithStateHook(e.relayStateChanged),
		}
		if tc := e.cfg.Relay.ClientTLS(); tc != nil {
			clientTLS, err := tlsutil.LoadClientConfig(*tc)
			if err != nil {
				return err
			}
			opts = append(opts, relay.WithTLS(clientTLS))
		}
		s, err := relay.NewSender(e.cfg.Relay.Sender(), network.Queue(), opts...)
		if err != nil {
			return errors.WrapInvalid(err, "Engine", "New", "relay sender")
		}
		e.sender = s
	}

	if e.cfg.Relay.Listen != "" {
		opts := []relay.ListenerOption{
			relay.WithListenerLogger(e.logger),
			relay.WithListenerMetrics(e.metrics),
		}
		if tc := e.cfg.Relay.ServerTLS(); tc != nil {
			serverTLS, err := tlsutil.LoadServerConfig(*tc)
			if err != nil {
				return err
			}
			opts = append(opts, relay.WithListenerTLS(serverTLS))
		}
		l, err := relay.NewListener(e.cfg.Relay.Listener(), e.deliverRelayed, opts...)
		if err != nil {
			return errors.WrapInvalid(err, "Engine", "New", "relay listener")
		}
		e.listener = l
	}

	if sinkLeg != nil {
		return e.buildSinks(sinkLeg)
	}
	return nil
}

func (e *Engine) buildSinks(leg *plumbing.Leg) error {
	if e.cfg.NeedsNATS() {
		c, err := natsclient.NewClient(e.cfg.NATS.URL, e.cfg.NATS.ClientOptions(e.logger)...)
		if err != nil {
			return errors.WrapInvalid(err, "Engine", "New", "NATS client")
		}
		c.OnHealthChange(func(healthy bool) {
			if !healthy {
				e.health.UpdateDegraded("nats", "disconnected")
				return
			}
			snap := c.Snapshot()
			e.health.UpdateHealthy("nats", fmt.Sprintf("connected, rtt %v", snap.RTT.Round(time.Microsecond)))
		})
		e.nats = c
	}

	deps := sink.Deps{Logger: e.logger, Metrics: e.metrics, Health: e.health, NATS: e.nats}
	sinks := make([]sink.Sink, 0, len(e.cfg.Sinks))
	for _, sc := range e.cfg.Sinks {
		s, err := sink.New(sc.Sink(), deps)
		if err != nil {
			closeSinks(sinks)
			return err
		}
		sinks = append(sinks, s)
	}

	d, err := sink.NewDispatcher(e.cfg.Dispatcher.Sink(), leg.Queue(), sinks, deps)
	if err != nil {
		closeSinks(sinks)
		return err
	}
	e.dispatcher = d
	return nil
}

func closeSinks(sinks []sink.Sink) {
	for _, s := range sinks {
		_ = s.Close()
	}
}

// abort frees what New acquired when New fails part way. Source runners
// close their sources when Run ends, so only an engine that never ran
// closes them here.
func (e *Engine) abort() {
	for _, src := range e.sources {
		if c, ok := src.(io.Closer); ok {
			_ = c.Close()
		}
	}
	e.release()
}

// release closes the queues.
func (e *Engine) release() {
	for _, in := range e.ingress {
		_ = in.Close()
	}
	if e.fanout != nil {
		e.fanout.Close()
	}
}

// deliverRelayed publishes a batch received from a peer on every leg. The
// samples were transformed on the sending node.
func (e *Engine) deliverRelayed(ctx context.Context, batch sample.SampleBatch) error {
	return e.fanout.Publish(ctx, batch.Samples)
}

func (e *Engine) relayStateChanged(st relay.State) {
	name := "relay:" + e.cfg.Relay.Target
	switch st {
	case relay.StateConnected:
		e.health.UpdateHealthy(name, "connected")
	case relay.StateBackoff:
		e.health.UpdateDegraded(name, "reconnecting")
	case relay.StateShuttingDown:
		e.health.UpdateDegraded(name, "shutting down")
	}
}

// Run starts every task and blocks until ctx is done or a task fails. It
// can be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Run", "start tasks")
	}
	defer e.release()

	g, gctx := errgroup.WithContext(ctx)
	spawn := func(name string, run func(context.Context) error) {
		g.Go(func() error {
			e.em.taskStarted()
			defer e.em.taskStopped()
			err := run(gctx)
			if err == nil || gctx.Err() != nil {
				return nil
			}
			class := errors.Classify(err)
			e.logger.Error("Task failed", "task", name, "class", class.String(), "error", err)
			switch class {
			case errors.ErrorInvalid:
				return errors.WrapInvalid(err, "Engine", "Run", "task "+name)
			case errors.ErrorTransient:
				return errors.WrapTransient(err, "Engine", "Run", "task "+name)
			default:
				return errors.WrapFatal(err, "Engine", "Run", "task "+name)
			}
		})
	}

	if e.nats != nil {
		spawn("nats", e.connectNATS)
	}
	if e.dispatcher != nil {
		spawn("sink-dispatcher", e.dispatcher.Run)
	}
	if e.listener != nil {
		spawn("relay-listener", e.listener.Run)
	}
	if e.sender != nil {
		spawn("relay-sender", e.sender.Run)
	}
	spawn("pipeline", e.pipe.Run)
	for _, r := range e.runners {
		spawn("source:"+r.ID(), r.Run)
	}

	e.logger.Info("Engine started", "node_id", e.cfg.NodeID)
	err := g.Wait()
	if e.nats != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), e.cfg.NATS.DrainTimeout.D()+time.Second)
		if cerr := e.nats.Close(closeCtx); cerr != nil {
			e.logger.Warn("NATS close failed", "error", cerr)
		}
		cancel()
	}
	if err != nil {
		e.logger.Error("Engine stopped with error", "error", err)
		return err
	}
	e.logger.Info("Engine stopped")
	return nil
}

// connectNATS retries the initial connection until it succeeds. Later
// reconnects are handled by the NATS library.
func (e *Engine) connectNATS(ctx context.Context) error {
	backoff := retry.NewBackoff(e.cfg.Relay.Sender().Backoff)
	for {
		err := e.nats.Connect(ctx)
		if err == nil {
			return nil
		}
		snap := e.nats.Snapshot()
		e.health.UpdateDegraded("nats", snap.Status.String())
		e.logger.Warn("NATS connect failed, retrying", "error", err, "attempt", backoff.Attempts()+1,
			"failures", snap.Failures, "circuit_cool_down", snap.CoolDown)
		if backoff.Wait(ctx) != nil {
			return nil
		}
	}
}

// Reload applies the transform section of cfg. Transform state is reset;
// every other section is ignored until restart.
func (e *Engine) Reload(cfg *config.Config) error {
	start := time.Now()
	err := e.pipeline.Reload(cfg.Transform.Pipeline())
	e.em.recordReload(err == nil, time.Since(start).Seconds())
	if err != nil {
		return errors.WrapInvalid(err, "Engine", "Reload", "transform configuration")
	}
	return nil
}

// Health aggregates the status of every source, sink and relay peer.
func (e *Engine) Health() health.Status {
	return e.health.AggregateHealth(e.cfg.NodeID)
}

// Registry returns the metrics registry the engine reports to.
func (e *Engine) Registry() *metric.MetricsRegistry { return e.registry }

// Monitor returns the health monitor the engine reports to.
func (e *Engine) Monitor() *health.Monitor { return e.health }

// Pipeline returns the transform pipeline.
func (e *Engine) Pipeline() *transform.Pipeline { return e.pipeline }

// Sources returns the source runners in configuration order.
func (e *Engine) Sources() []*source.Runner { return e.runners }

// Sender returns the relay sender, or nil without relay.target.
func (e *Engine) Sender() *relay.Sender { return e.sender }

// Dispatcher returns the sink dispatcher, or nil without sinks.
func (e *Engine) Dispatcher() *sink.Dispatcher { return e.dispatcher }

// ListenerAddr returns the bound relay listener address, or nil when the
// listener is disabled or not yet listening.
func (e *Engine) ListenerAddr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// LegStats returns the buffer statistics of every leg by name.
func (e *Engine) LegStats() map[string]*buffer.Statistics {
	out := make(map[string]*buffer.Statistics)
	for _, l := range e.fanout.Legs() {
		out[l.Name()] = l.Stats()
	}
	return out
}
