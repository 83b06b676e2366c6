package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete drpc client configuration.
//
// This structure captures all configurable aspects of the RPC client
// including:
//   - Logging configuration
//   - Target server and program binding
//   - RPCSEC_GSS settings (mechanism, service, upcall pipes)
//   - Metrics exposure
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DRPC_*) (highest priority)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Client contains the target server binding
	Client ClientConfig `mapstructure:"client"`

	// GSS contains RPCSEC_GSS settings
	GSS GSSConfig `mapstructure:"gss"`

	// Metrics controls Prometheus metrics exposure
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ClientConfig describes the RPC server binding.
type ClientConfig struct {
	// Address is the server endpoint as host:port
	Address string `mapstructure:"address" validate:"required,hostname_port"`

	// Program is the ONC RPC program number to call
	Program uint32 `mapstructure:"program" validate:"required"`

	// Version is the program version
	Version uint32 `mapstructure:"version" validate:"required"`

	// Timeout bounds one complete call
	Timeout time.Duration `mapstructure:"timeout" validate:"required,gt=0"`
}

// GSSConfig contains RPCSEC_GSS settings.
type GSSConfig struct {
	// Mechanism selects the GSS mechanism by name
	// Valid values: krb5
	Mechanism string `mapstructure:"mechanism" validate:"required"`

	// Service selects the protection level applied to call bodies
	// Valid values: none, integrity, privacy
	Service string `mapstructure:"service" validate:"required,oneof=none integrity privacy"`

	// Principal is the target service principal for v1 upcalls
	Principal string `mapstructure:"principal"`

	// PipefsDir is the directory the upcall pipe nodes are created in
	PipefsDir string `mapstructure:"pipefs_dir" validate:"required"`

	// ExpiredCredRetryDelay is the cooling-off window after the daemon
	// reports an expired key
	ExpiredCredRetryDelay time.Duration `mapstructure:"expired_cred_retry_delay" validate:"gte=0"`

	// Mech holds mechanism-specific settings, decoded by the selected
	// mechanism's factory
	Mech map[string]any `mapstructure:"mech"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	// Enabled turns the metrics registry on
	Enabled bool `mapstructure:"enabled"`

	// Listen is the address the metrics endpoint binds to
	Listen string `mapstructure:"listen"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DRPC_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Configure viper
	setupViper(v, configPath)

	// Read configuration file if it exists
	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	// Unmarshal into config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Set up environment variable support
	// Environment variables use DRPC_ prefix and underscores
	// Example: DRPC_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DRPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file search
	if configPath != "" {
		// Use explicitly specified config file
		v.SetConfigFile(configPath)
	} else {
		// Use default location: $XDG_CONFIG_HOME/drpc/config.{yaml,toml}
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml") // Primary format
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		// Check if error is "config file not found"
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return nil
		}
		// Other errors are problems
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	// Check XDG_CONFIG_HOME
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "drpc")
	}

	// Fall back to ~/.config
	home, err := os.UserHomeDir()
	if err != nil {
		// If we can't get home dir, use current directory as last resort
		return "."
	}

	return filepath.Join(home, ".config", "drpc")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
