package main

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// bindFlags registers the persistent flags with environment fallbacks.
// Empty log settings defer to the configuration file.
func bindFlags(fs *pflag.FlagSet, cfg *CLIConfig) {
	fs.StringSliceVarP(&cfg.ConfigPaths, "config", "c",
		getEnvList("METRICRELAY_CONFIG", []string{"metricrelay.yaml"}),
		"Configuration file; repeat to layer files, later wins (env: METRICRELAY_CONFIG, comma separated)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("METRICRELAY_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error (env: METRICRELAY_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("METRICRELAY_LOG_FORMAT", ""),
		"Log format: json, text (env: METRICRELAY_LOG_FORMAT)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("METRICRELAY_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: METRICRELAY_SHUTDOWN_TIMEOUT)")
}

func validateFlags(cfg *CLIConfig) error {
	if len(cfg.ConfigPaths) == 0 {
		return fmt.Errorf("at least one --config file is required")
	}
	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}

	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
