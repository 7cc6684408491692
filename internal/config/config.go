// Copyright 2025 The Upkeep Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates upkeep configuration.
//
// One file serves both binaries: upkeepd reads everything, upkeep (the
// CLI) reads only the connection settings. Precedence is environment
// variables over file values over defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/upkeep-run/upkeep/pkg/errors"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the complete upkeep configuration.
type Config struct {
	// Socket is the Unix socket path the CLI dials. Empty falls back
	// to the daemon's listen socket, then the default path.
	// Environment: UPKEEP_SOCKET
	Socket string `yaml:"socket,omitempty"`

	// APIKey authenticates the CLI against the daemon.
	// Environment: UPKEEP_API_KEY
	APIKey string `yaml:"api_key,omitempty"`

	// Listen configures the daemon's API listener.
	Listen ListenConfig `yaml:"listen,omitempty"`

	// PIDFile is the path to the PID file. Empty means no PID file.
	// Environment: UPKEEP_PID_FILE
	PIDFile string `yaml:"pid_file,omitempty"`

	// DataDir is the directory for daemon state: run history, run logs.
	// Environment: UPKEEP_DATA_DIR
	// Default: ~/.upkeep/data (or XDG_DATA_HOME/upkeep)
	DataDir string `yaml:"data_dir,omitempty"`

	// JobsDir is the directory scanned for job definition files.
	// Environment: UPKEEP_JOBS_DIR
	// Default: ./jobs
	JobsDir string `yaml:"jobs_dir,omitempty"`

	// MaxConcurrentRuns limits concurrent job executions.
	// Environment: UPKEEP_MAX_CONCURRENT_RUNS
	// Default: 10
	MaxConcurrentRuns int `yaml:"max_concurrent_runs,omitempty"`

	// DefaultStepTimeout bounds a step when the definition does not set
	// its own timeout.
	// Environment: UPKEEP_DEFAULT_STEP_TIMEOUT
	// Default: 30m
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout,omitempty"`

	// RunTimeout bounds a run end to end.
	// Environment: UPKEEP_RUN_TIMEOUT
	// Default: 6h
	RunTimeout time.Duration `yaml:"run_timeout,omitempty"`

	// DrainTimeout is the maximum duration to wait for active runs
	// during shutdown. On SIGTERM the daemon stops accepting new runs
	// and waits up to this duration before forcing shutdown.
	// Environment: UPKEEP_DRAIN_TIMEOUT
	// Default: 30s
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`

	// CancelGrace is how long cleanup steps may keep running after a
	// run is cancelled.
	// Environment: UPKEEP_CANCEL_GRACE
	// Default: 30s
	CancelGrace time.Duration `yaml:"cancel_grace,omitempty"`

	// KeepTemp keeps per-run scratch directories after the run ends.
	// Environment: UPKEEP_KEEP_TEMP
	// Default: false
	KeepTemp bool `yaml:"keep_temp"`

	// Retention controls pruning of terminal run records and logs.
	Retention RetentionConfig `yaml:"retention,omitempty"`

	// Log is the daemon's logging configuration.
	Log LogConfig `yaml:"log,omitempty"`

	// Auth configures API authentication. With no keys and no JWT
	// secret auth is disabled and socket permissions are the boundary.
	Auth AuthConfig `yaml:"auth,omitempty"`

	// DispatchRate rate-limits manual dispatches per caller.
	DispatchRate RateConfig `yaml:"dispatch_rate,omitempty"`

	// Backend selects the run history store.
	Backend BackendConfig `yaml:"backend,omitempty"`

	// Observability configures OpenTelemetry tracing.
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// ListenConfig configures how the daemon listens for API connections.
type ListenConfig struct {
	// SocketPath is the Unix socket to listen on.
	// Environment: UPKEEP_LISTEN_SOCKET
	// Default: ~/.upkeep/upkeep.sock (or XDG_RUNTIME_DIR/upkeep/upkeep.sock)
	SocketPath string `yaml:"socket_path,omitempty"`

	// TCPAddr is a TCP address to listen on. Takes precedence over the
	// socket when set.
	// Environment: UPKEEP_TCP_ADDR
	TCPAddr string `yaml:"tcp_addr,omitempty"`

	// AllowRemote permits binding to non-localhost interfaces.
	AllowRemote bool `yaml:"allow_remote"`

	// TLSCert is the path to the TLS certificate for the TCP listener.
	TLSCert string `yaml:"tls_cert,omitempty"`

	// TLSKey is the path to the TLS private key.
	TLSKey string `yaml:"tls_key,omitempty"`
}

// RetentionConfig controls pruning of terminal run records.
type RetentionConfig struct {
	// MaxAge is how long terminal runs and their logs are kept.
	// Default: 720h (30 days)
	MaxAge time.Duration `yaml:"max_age,omitempty"`

	// Interval is how often the retention loop prunes.
	// Default: 1h
	Interval time.Duration `yaml:"interval,omitempty"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: UPKEEP_LOG_LEVEL
	// Default: info
	Level string `yaml:"level,omitempty"`

	// Format sets the output format (json, text).
	// Environment: UPKEEP_LOG_FORMAT
	// Default: text
	Format string `yaml:"format,omitempty"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	// APIKeys are the static keys the daemon accepts.
	APIKeys []string `yaml:"api_keys,omitempty"`

	// JWTSecret signs and verifies HS256 tokens. Empty disables JWT
	// auth.
	// Environment: UPKEEP_JWT_SECRET
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

// RateConfig configures the dispatch rate limiter.
type RateConfig struct {
	// RPS is the sustained dispatch rate per caller.
	// Default: 1
	RPS float64 `yaml:"rps,omitempty"`

	// Burst is the short-term burst allowance.
	// Default: 5
	Burst int `yaml:"burst,omitempty"`
}

// BackendConfig selects the run history store.
type BackendConfig struct {
	// Type is the backend type: "memory" or "sqlite".
	// Default: memory
	Type string `yaml:"type,omitempty"`

	// Path is the SQLite database path. Empty means upkeep.db under
	// the data directory.
	Path string `yaml:"path,omitempty"`

	// WAL enables Write-Ahead Logging for concurrent reads.
	WAL bool `yaml:"wal"`
}

// ObservabilityConfig configures OpenTelemetry tracing.
type ObservabilityConfig struct {
	// Enabled turns on span export. Metrics are served either way.
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this daemon in exported traces.
	// Default: upkeepd
	ServiceName string `yaml:"service_name,omitempty"`

	// Endpoint is the OTLP collector endpoint. Empty uses the
	// exporter's own default (localhost:4317 for grpc).
	Endpoint string `yaml:"endpoint,omitempty"`

	// Protocol selects the exporter: grpc, http, or stdout.
	// Default: grpc
	Protocol string `yaml:"protocol,omitempty"`

	// Insecure disables TLS on the exporter connection.
	Insecure bool `yaml:"insecure"`

	// SampleRate is the trace sampling ratio in (0, 1].
	// Default: 1.0
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	socketPath := defaultSocketPath()
	dataDir := defaultDataDir()

	return &Config{
		Listen: ListenConfig{
			SocketPath:  socketPath,
			AllowRemote: false,
		},
		DataDir:            dataDir,
		JobsDir:            "./jobs",
		MaxConcurrentRuns:  10,
		DefaultStepTimeout: 30 * time.Minute,
		RunTimeout:         6 * time.Hour,
		DrainTimeout:       30 * time.Second,
		CancelGrace:        30 * time.Second,
		KeepTemp:           false,
		PIDFile:            "", // No PID file by default
		Retention: RetentionConfig{
			MaxAge:   30 * 24 * time.Hour,
			Interval: time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		DispatchRate: RateConfig{
			RPS:   1,
			Burst: 5,
		},
		Backend: BackendConfig{
			Type: "memory",
		},
		Observability: ObservabilityConfig{
			Enabled:     false, // Opt-in
			ServiceName: "upkeepd",
			Protocol:    "grpc",
			SampleRate:  1.0, // Sample all by default
		},
	}
}

// Load loads configuration from environment variables and optionally
// from a YAML file. Environment variables take precedence over
// file-based configuration. If configPath is empty, only environment
// variables are used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	// Load from file if path provided
	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &errors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	// Override with environment variables
	cfg.loadFromEnv()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, &errors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values with sensible defaults. This
// allows minimal configs (e.g., just a jobs_dir) to work without
// specifying every field.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Listen.SocketPath == "" {
		c.Listen.SocketPath = defaults.Listen.SocketPath
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	if c.JobsDir == "" {
		c.JobsDir = defaults.JobsDir
	}
	if c.MaxConcurrentRuns == 0 {
		c.MaxConcurrentRuns = defaults.MaxConcurrentRuns
	}
	if c.DefaultStepTimeout == 0 {
		c.DefaultStepTimeout = defaults.DefaultStepTimeout
	}
	if c.RunTimeout == 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = defaults.DrainTimeout
	}
	if c.CancelGrace == 0 {
		c.CancelGrace = defaults.CancelGrace
	}
	if c.Retention.MaxAge == 0 {
		c.Retention.MaxAge = defaults.Retention.MaxAge
	}
	if c.Retention.Interval == 0 {
		c.Retention.Interval = defaults.Retention.Interval
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.DispatchRate.RPS == 0 {
		c.DispatchRate.RPS = defaults.DispatchRate.RPS
	}
	if c.DispatchRate.Burst == 0 {
		c.DispatchRate.Burst = defaults.DispatchRate.Burst
	}
	if c.Backend.Type == "" {
		c.Backend.Type = defaults.Backend.Type
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = defaults.Observability.ServiceName
	}
	if c.Observability.Protocol == "" {
		c.Observability.Protocol = defaults.Observability.Protocol
	}
	if c.Observability.SampleRate == 0 {
		c.Observability.SampleRate = defaults.Observability.SampleRate
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	// Client connection settings
	if val := os.Getenv("UPKEEP_SOCKET"); val != "" {
		c.Socket = val
	}
	if val := os.Getenv("UPKEEP_API_KEY"); val != "" {
		c.APIKey = val
	}

	// Listener settings
	if val := os.Getenv("UPKEEP_LISTEN_SOCKET"); val != "" {
		c.Listen.SocketPath = val
	}
	if val := os.Getenv("UPKEEP_TCP_ADDR"); val != "" {
		c.Listen.TCPAddr = val
	}

	// Daemon settings
	if val := os.Getenv("UPKEEP_PID_FILE"); val != "" {
		c.PIDFile = val
	}
	if val := os.Getenv("UPKEEP_DATA_DIR"); val != "" {
		c.DataDir = val
	}
	if val := os.Getenv("UPKEEP_JOBS_DIR"); val != "" {
		c.JobsDir = val
	}
	if val := os.Getenv("UPKEEP_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("UPKEEP_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("UPKEEP_MAX_CONCURRENT_RUNS"); val != "" {
		if runs, err := strconv.Atoi(val); err == nil {
			c.MaxConcurrentRuns = runs
		}
	}
	if val := os.Getenv("UPKEEP_DEFAULT_STEP_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.DefaultStepTimeout = duration
		}
	}
	if val := os.Getenv("UPKEEP_RUN_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.RunTimeout = duration
		}
	}
	if val := os.Getenv("UPKEEP_DRAIN_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.DrainTimeout = duration
		}
	}
	if val := os.Getenv("UPKEEP_CANCEL_GRACE"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.CancelGrace = duration
		}
	}
	if val := os.Getenv("UPKEEP_KEEP_TEMP"); val != "" {
		c.KeepTemp = val == "1" || strings.ToLower(val) == "true"
	}
	if val := os.Getenv("UPKEEP_JWT_SECRET"); val != "" {
		c.Auth.JWTSecret = val
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.MaxConcurrentRuns < 1 {
		errs = append(errs, fmt.Sprintf("max_concurrent_runs must be at least 1, got %d", c.MaxConcurrentRuns))
	}
	if c.DefaultStepTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("default_step_timeout must be positive, got %v", c.DefaultStepTimeout))
	}
	if c.RunTimeout < 0 {
		errs = append(errs, fmt.Sprintf("run_timeout must be non-negative, got %v", c.RunTimeout))
	}
	if c.DrainTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("drain_timeout must be positive, got %v", c.DrainTimeout))
	}
	if c.CancelGrace <= 0 {
		errs = append(errs, fmt.Sprintf("cancel_grace must be positive, got %v", c.CancelGrace))
	}

	if c.Retention.MaxAge < 0 {
		errs = append(errs, fmt.Sprintf("retention.max_age must be non-negative, got %v", c.Retention.MaxAge))
	}
	if c.Retention.MaxAge > 0 && c.Retention.Interval <= 0 {
		errs = append(errs, fmt.Sprintf("retention.interval must be positive, got %v", c.Retention.Interval))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, fmt.Sprintf("auth.jwt_secret must be at least 16 characters, got %d", len(c.Auth.JWTSecret)))
	}

	if c.DispatchRate.RPS < 0 {
		errs = append(errs, fmt.Sprintf("dispatch_rate.rps must be non-negative, got %v", c.DispatchRate.RPS))
	}
	if c.DispatchRate.Burst < 0 {
		errs = append(errs, fmt.Sprintf("dispatch_rate.burst must be non-negative, got %d", c.DispatchRate.Burst))
	}

	validBackends := map[string]bool{"memory": true, "sqlite": true}
	if !validBackends[c.Backend.Type] {
		errs = append(errs, fmt.Sprintf("backend.type must be one of [memory, sqlite], got %q", c.Backend.Type))
	}

	validProtocols := map[string]bool{"grpc": true, "http": true, "stdout": true}
	if !validProtocols[c.Observability.Protocol] {
		errs = append(errs, fmt.Sprintf("observability.protocol must be one of [grpc, http, stdout], got %q", c.Observability.Protocol))
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("observability.sample_rate must be between 0 and 1, got %v", c.Observability.SampleRate))
	}

	if (c.Listen.TLSCert != "") != (c.Listen.TLSKey != "") {
		errs = append(errs, "listen.tls_cert and listen.tls_key must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// BackendPath returns the SQLite database path, defaulting to a file
// under the data directory. Resolved lazily so environment overrides
// of the data directory are honored.
func (c *Config) BackendPath() string {
	if c.Backend.Path != "" {
		return c.Backend.Path
	}
	return filepath.Join(c.DataDir, "upkeep.db")
}

// LogDir returns the directory for stored run logs.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// defaultSocketPath returns the default Unix socket path.
func defaultSocketPath() string {
	// Use XDG_RUNTIME_DIR if available (Linux)
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "upkeep", "upkeep.sock")
	}

	// Fall back to ~/.upkeep/upkeep.sock
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/upkeep.sock"
	}

	return filepath.Join(homeDir, ".upkeep", "upkeep.sock")
}

// defaultDataDir returns the default data directory.
func defaultDataDir() string {
	// Use XDG_DATA_HOME if available
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "upkeep")
	}

	// Fall back to ~/.upkeep/data
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/upkeep-data"
	}

	return filepath.Join(homeDir, ".upkeep", "data")
}
