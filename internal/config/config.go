// Package config provides YAML configuration loading and validation for the
// connector.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the connector.
type Config struct {
	// ListeningAddress is the listen address of the HTTP server. Defaults to
	// "127.0.0.1:3040" when omitted.
	ListeningAddress string `yaml:"listening-address"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log-level"`

	// Sozu describes how to reach the proxy.
	Sozu SozuConfig `yaml:"sozu"`

	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Authorization protects the scrape endpoint. Disabled when
	// JWTPublicKey is empty.
	Authorization AuthorizationConfig `yaml:"authorization"`

	HTTP HTTPConfig `yaml:"http"`
}

// SozuConfig locates the proxy command socket and tunes the session.
type SozuConfig struct {
	// Configuration is the path to the proxy's own TOML configuration file,
	// from which command_socket is read.
	Configuration string `yaml:"configuration"`

	// CommandSocket overrides the socket path. When set, Configuration is
	// not read.
	CommandSocket string `yaml:"command-socket"`

	// Timeout bounds each read on the command socket.
	Timeout time.Duration `yaml:"timeout"`

	// MaxResurrections is how many times a failed channel is recreated
	// within one scrape.
	MaxResurrections int `yaml:"max-resurrections"`

	// MaxProcessingWaits bounds the "processing" replies accepted for one
	// request.
	MaxProcessingWaits int `yaml:"max-processing-waits"`

	// MaxFrameSize bounds a single frame in bytes.
	MaxFrameSize int `yaml:"max-frame-size"`

	// Query is forwarded with every metrics request.
	Query QueryConfig `yaml:"query"`
}

// QueryConfig holds the metrics filters forwarded to the proxy.
type QueryConfig struct {
	ClusterIDs  []string `yaml:"cluster-ids"`
	BackendIDs  []string `yaml:"backend-ids"`
	MetricNames []string `yaml:"metric-names"`
	NoClusters  bool     `yaml:"no-clusters"`
	Workers     bool     `yaml:"workers"`
}

// TelemetryConfig controls the connector's own metrics.
type TelemetryConfig struct {
	// ConnectorMetrics prepends the connector's metrics to every scrape.
	// Defaults to true.
	ConnectorMetrics bool `yaml:"connector-metrics"`
}

// AuthorizationConfig configures bearer-token checks on /metrics.
type AuthorizationConfig struct {
	// JWTPublicKey is the path to a PEM-encoded RSA public key.
	JWTPublicKey string `yaml:"jwt-public-key"`
	Issuer       string `yaml:"issuer"`
	Audience     string `yaml:"audience"`
}

// HTTPConfig tunes the HTTP server.
type HTTPConfig struct {
	ReadTimeout  time.Duration `yaml:"read-timeout"`
	WriteTimeout time.Duration `yaml:"write-timeout"`
	IdleTimeout  time.Duration `yaml:"idle-timeout"`

	// Compress gzips scrape responses for clients that accept it. Defaults
	// to true.
	Compress bool `yaml:"compress"`
}

const (
	defaultListeningAddress = "127.0.0.1:3040"
	defaultLogLevel         = "info"
)

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Default returns the configuration used for every key a file omits.
func Default() Config {
	return Config{
		ListeningAddress: defaultListeningAddress,
		LogLevel:         defaultLogLevel,
		Sozu: SozuConfig{
			Timeout:            5 * time.Second,
			MaxResurrections:   3,
			MaxProcessingWaits: 16,
			MaxFrameSize:       2_000_000,
		},
		Telemetry: TelemetryConfig{ConnectorMetrics: true},
		HTTP: HTTPConfig{
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			Compress:     true,
		},
	}
}

// LoadConfig reads the YAML file at path, unmarshals it over [Default],
// applies defaults to keys left empty, and validates the result. All
// validation failures are reported together.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in fields that were present but empty.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.ListeningAddress == "" {
		cfg.ListeningAddress = defaultListeningAddress
	}
}

// validate checks that all required fields are populated and that numeric
// fields are in range.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Sozu.Configuration == "" && cfg.Sozu.CommandSocket == "" {
		errs = append(errs, errors.New("one of sozu.configuration or sozu.command-socket is required"))
	}
	if cfg.Sozu.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("sozu.timeout must be positive, got %s", cfg.Sozu.Timeout))
	}
	if cfg.Sozu.MaxResurrections < 0 {
		errs = append(errs, fmt.Errorf("sozu.max-resurrections must not be negative, got %d", cfg.Sozu.MaxResurrections))
	}
	if cfg.Sozu.MaxProcessingWaits < 0 {
		errs = append(errs, fmt.Errorf("sozu.max-processing-waits must not be negative, got %d", cfg.Sozu.MaxProcessingWaits))
	}
	if cfg.Sozu.MaxFrameSize <= 0 {
		errs = append(errs, fmt.Errorf("sozu.max-frame-size must be positive, got %d", cfg.Sozu.MaxFrameSize))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log-level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Authorization.JWTPublicKey == "" && (cfg.Authorization.Issuer != "" || cfg.Authorization.Audience != "") {
		errs = append(errs, errors.New("authorization.issuer and authorization.audience require authorization.jwt-public-key"))
	}
	for _, t := range []struct {
		name string
		d    time.Duration
	}{
		{"http.read-timeout", cfg.HTTP.ReadTimeout},
		{"http.write-timeout", cfg.HTTP.WriteTimeout},
		{"http.idle-timeout", cfg.HTTP.IdleTimeout},
	} {
		if t.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", t.name, t.d))
		}
	}

	return errors.Join(errs...)
}
