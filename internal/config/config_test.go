package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keylink.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, `
daemon:
  host: 10.0.0.5
  port: 42001
  connect_timeout: 3s
logging:
  level: debug
`)

	cfg, err := LoadAndValidate(path)
	if err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}

	if cfg.Daemon.Host != "10.0.0.5" {
		t.Errorf("Host = %s, want 10.0.0.5", cfg.Daemon.Host)
	}
	if cfg.Daemon.Port != 42001 {
		t.Errorf("Port = %d, want 42001", cfg.Daemon.Port)
	}
	if cfg.Daemon.ConnectTimeout != 3*time.Second {
		t.Errorf("ConnectTimeout = %v, want 3s", cfg.Daemon.ConnectTimeout)
	}
	// Unset fields get defaults
	if cfg.Daemon.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("RequestTimeout = %v, want default %v", cfg.Daemon.RequestTimeout, DefaultRequestTimeout)
	}
	if cfg.Daemon.RetryBackoff != DefaultRetryBackoff {
		t.Errorf("RetryBackoff = %v, want default %v", cfg.Daemon.RetryBackoff, DefaultRetryBackoff)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %s, want debug", cfg.Logging.Level)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("KEYLINK_TEST_HOST", "envhost")

	path := writeConfig(t, `
daemon:
  host: ${KEYLINK_TEST_HOST}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Daemon.Host != "envhost" {
		t.Errorf("Host = %s, want envhost", cfg.Daemon.Host)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Daemon.Host != DefaultDaemonHost {
		t.Errorf("Host = %s, want %s", cfg.Daemon.Host, DefaultDaemonHost)
	}
	if cfg.Daemon.Port != DefaultDaemonPort {
		t.Errorf("Port = %d, want %d", cfg.Daemon.Port, DefaultDaemonPort)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Daemon.Port = 99999 }},
		{"zero connect timeout", func(c *Config) { c.Daemon.ConnectTimeout = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"recorder without db host", func(c *Config) { c.Recorder.Enabled = true }},
		{"min conns over max", func(c *Config) {
			c.Recorder.Enabled = true
			c.Recorder.Database = DBConfig{
				Host: "db", Name: "keys", User: "u", Password: "p",
				MaxConns: 2, MinConns: 5,
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/keylink.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
