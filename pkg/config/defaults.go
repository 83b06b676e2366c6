package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and
// environment variables to fill in any missing values with sensible
// defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyClientDefaults(&cfg.Client)
	applyGSSDefaults(&cfg.GSS)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyClientDefaults sets client binding defaults.
func applyClientDefaults(cfg *ClientConfig) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
}

// applyGSSDefaults sets RPCSEC_GSS defaults.
func applyGSSDefaults(cfg *GSSConfig) {
	if cfg.Mechanism == "" {
		cfg.Mechanism = "krb5"
	}
	if cfg.Service == "" {
		cfg.Service = "integrity"
	}
	if cfg.PipefsDir == "" {
		cfg.PipefsDir = "/var/run/drpc/pipefs"
	}
	if cfg.ExpiredCredRetryDelay == 0 {
		cfg.ExpiredCredRetryDelay = 5 * time.Second
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:9464"
	}
}
