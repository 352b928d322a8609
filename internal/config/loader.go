package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Unlike a conventional ambient config, a missing file here is not
// fatal — the bridge's Non-goals explicitly exclude persisted state, and the
// registry/CLI positional arguments are sufficient to run without any file
// on disk. A missing path returns [Default] with a logged notice; any other
// read or parse error is still returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config file not found, using defaults", "path", path)
			return Default(), nil
		}
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills unset fields from
// [Default], and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Restart.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("restart.max_attempts must be at least 1, got %d", cfg.Restart.MaxAttempts))
	}
	if cfg.Restart.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("restart.base_delay must not be negative"))
	}
	if cfg.Restart.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("restart.request_timeout must be positive"))
	}

	return errors.Join(errs...)
}
