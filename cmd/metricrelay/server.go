package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/c360/metricrelay/config"
	"github.com/c360/metricrelay/engine"
	"github.com/c360/metricrelay/health"
	"github.com/c360/metricrelay/metric"
)

// newHTTPServer serves /metrics and /healthz.
func newHTTPServer(addr string, registry *metric.MetricsRegistry, monitor *health.Monitor, nodeID string, logger *slog.Logger) *metric.Server {
	srv := metric.NewServer(addr, registry, logger)
	srv.Handle("/healthz", monitor.Handler(nodeID))
	return srv
}

// runServer runs the engine until ctx is done, reloading on every value
// received from reload. Shutdown is bounded by cli.ShutdownTimeout.
func runServer(ctx context.Context, cli *CLIConfig, cfg *config.Config, reload <-chan os.Signal, logger *slog.Logger) error {
	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	eng, err := engine.New(cfg, engine.Deps{Logger: logger, Registry: registry, Health: monitor})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	if cfg.HTTP.Addr != "" {
		srv := newHTTPServer(cfg.HTTP.Addr, registry, monitor, cfg.NodeID, logger)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start http server: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(stopCtx); err != nil {
				logger.Warn("HTTP server shutdown failed", "error", err)
			}
		}()
	}

	engineCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- eng.Run(engineCtx) }()
	logger.Info("metricrelay started", "node_id", cfg.NodeID)

	for {
		select {
		case <-reload:
			reloadConfig(cli, eng, logger)
		case err := <-done:
			return err
		case <-ctx.Done():
			logger.Info("Received shutdown signal", "timeout", cli.ShutdownTimeout)
			cancel()
			select {
			case err := <-done:
				if err == nil {
					logger.Info("metricrelay shutdown complete")
				}
				return err
			case <-time.After(cli.ShutdownTimeout):
				return fmt.Errorf("graceful shutdown timed out after %s", cli.ShutdownTimeout)
			}
		}
	}
}

// reloadConfig re-reads the configuration files and applies the transform
// section. A broken file leaves the running configuration in place.
func reloadConfig(cli *CLIConfig, eng *engine.Engine, logger *slog.Logger) {
	cfg, err := loadConfig(cli)
	if err != nil {
		logger.Error("Reload rejected", "error", err)
		return
	}
	if err := eng.Reload(cfg); err != nil {
		logger.Error("Reload rejected", "error", err)
		return
	}
	logger.Info("Transform configuration reloaded", "chains", len(cfg.Transform.Chains))
}
