// Package config provides the bridge's ambient configuration schema and
// loader. The service registry itself is never configuration-driven — per
// spec.md §6 it is memory-only and begins empty on every restart — so this
// package covers only bridge-level tuning knobs: listen address, logging,
// and restart/timeout overrides.
package config

import "time"

// Config is the root configuration structure for the bridge.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Restart     RestartConfig     `yaml:"restart"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the bridge listens on, e.g. "127.0.0.1:8752".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`

	// LogFile, if set, rotates structured logs through lumberjack instead of
	// stderr.
	LogFile string `yaml:"log_file"`

	// DefaultCommand and DefaultArgs back an auto-registering spawn when a
	// client omits an explicit command (mirrored by the CLI's positional
	// default-MCP-command argument).
	DefaultCommand string   `yaml:"default_command"`
	DefaultArgs    []string `yaml:"default_args"`
}

// LogLevel is a validated slog level name.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is a known level name, or empty (meaning "use
// the default").
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, "":
		return true
	default:
		return false
	}
}

// RestartConfig overrides the restart-backoff tuning from spec.md §4.2. Zero
// values fall back to the spec's constants; this section lets an operator
// tune backoff without a rebuild, not change the algorithm's shape.
type RestartConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DiagnosticsConfig controls the optional live-process diagnostics agent
// and the Prometheus metrics/health endpoint.
type DiagnosticsConfig struct {
	// Addr, if set, is where gops listens for diagnostic connections
	// (e.g. "127.0.0.1:0" for an ephemeral port).
	Addr string `yaml:"addr"`

	// MetricsAddr, if set, serves /metrics, /healthz, /readyz.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration used when no file is present, or when a
// loaded file omits a section.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     "127.0.0.1:8752",
			LogLevel:       LogLevelInfo,
			DefaultCommand: "node",
		},
		Restart: RestartConfig{
			MaxAttempts:    5,
			BaseDelay:      5 * time.Second,
			RequestTimeout: 180 * time.Second,
		},
	}
}

// applyDefaults fills zero-valued fields of cfg from Default(). Used after
// decoding a partial YAML file.
func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = d.Server.ListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = d.Server.LogLevel
	}
	if cfg.Server.DefaultCommand == "" {
		cfg.Server.DefaultCommand = d.Server.DefaultCommand
	}
	if cfg.Restart.MaxAttempts == 0 {
		cfg.Restart.MaxAttempts = d.Restart.MaxAttempts
	}
	if cfg.Restart.BaseDelay == 0 {
		cfg.Restart.BaseDelay = d.Restart.BaseDelay
	}
	if cfg.Restart.RequestTimeout == 0 {
		cfg.Restart.RequestTimeout = d.Restart.RequestTimeout
	}
}
