package config

import (
	"strings"
	"testing"
)

func TestLoad_MissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.Server.ListenAddr != Default().Server.ListenAddr {
		t.Errorf("expected defaults for an empty path, got %+v", cfg)
	}
}

func TestLoad_NonexistentFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/bridge.yaml")
	if err != nil {
		t.Fatalf("Load of a missing file should not be fatal: %v", err)
	}
	if cfg.Server.ListenAddr != Default().Server.ListenAddr {
		t.Errorf("expected defaults for a missing file, got %+v", cfg)
	}
}

func TestLoadFromReader_ValidYAML(t *testing.T) {
	yaml := `
server:
  listen_addr: "0.0.0.0:9000"
  log_level: "debug"
restart:
  max_attempts: 3
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("unexpected listen addr: %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogLevelDebug {
		t.Errorf("unexpected log level: %q", cfg.Server.LogLevel)
	}
	if cfg.Restart.MaxAttempts != 3 {
		t.Errorf("unexpected max attempts: %d", cfg.Restart.MaxAttempts)
	}
	// Unset fields fall back to defaults.
	if cfg.Restart.RequestTimeout != Default().Restart.RequestTimeout {
		t.Errorf("expected default request timeout to fill in, got %v", cfg.Restart.RequestTimeout)
	}
}

func TestLoadFromReader_InvalidLogLevel(t *testing.T) {
	yaml := `
server:
  log_level: "verbose"
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected an error for an invalid log level")
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	yaml := `
server:
  bogus_field: 1
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected an error for an unknown field with strict decoding")
	}
}

func TestValidate_RejectsNonPositiveMaxAttempts(t *testing.T) {
	cfg := Default()
	cfg.Restart.MaxAttempts = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for max_attempts=0")
	}
}
