package config

import "testing"

func TestLogLevel_IsValid(t *testing.T) {
	cases := map[LogLevel]bool{
		LogLevelDebug: true,
		LogLevelInfo:  true,
		LogLevelWarn:  true,
		LogLevelError: true,
		"":            true,
		"trace":       false,
	}
	for level, want := range cases {
		if got := level.IsValid(); got != want {
			t.Errorf("LogLevel(%q).IsValid() = %v, want %v", level, got, want)
		}
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.ListenAddr != "127.0.0.1:8752" {
		t.Errorf("unexpected default listen addr: %q", cfg.Server.ListenAddr)
	}
	if cfg.Restart.MaxAttempts != 5 {
		t.Errorf("unexpected default max attempts: %d", cfg.Restart.MaxAttempts)
	}
}

func TestApplyDefaults_FillsOnlyZeroFields(t *testing.T) {
	cfg := &Config{Server: ServerConfig{ListenAddr: "0.0.0.0:9000"}}
	applyDefaults(cfg)

	if cfg.Server.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("expected explicit listen addr to survive, got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogLevelInfo {
		t.Errorf("expected default log level to fill in, got %q", cfg.Server.LogLevel)
	}
	if cfg.Restart.MaxAttempts != 5 {
		t.Errorf("expected default restart.max_attempts to fill in, got %d", cfg.Restart.MaxAttempts)
	}
}
