package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfigFile(t, "simulator:\n  id: sim-test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Simulator.ID != "sim-test" {
		t.Errorf("Simulator.ID = %q, want %q", cfg.Simulator.ID, "sim-test")
	}
	if got := cfg.GetSessionTTL(); got != 2*time.Hour {
		t.Errorf("GetSessionTTL() = %v, want 2h", got)
	}
	if got := cfg.GetReaperInterval(); got != 5*time.Minute {
		t.Errorf("GetReaperInterval() = %v, want 5m", got)
	}
	if cfg.Session.RetryResetThreshold != 10 {
		t.Errorf("RetryResetThreshold = %d, want 10", cfg.Session.RetryResetThreshold)
	}
	if got := cfg.GetCloseGrace(); got != 2*time.Second {
		t.Errorf("GetCloseGrace() = %v, want 2s", got)
	}
	if cfg.Gateway.Port != 1883 {
		t.Errorf("Gateway.Port = %d, want 1883", cfg.Gateway.Port)
	}
}

func TestAPITimeoutGetters(t *testing.T) {
	cfg := APIConfig{Timeouts: APITimeoutConfig{Read: 15, Write: 20, Idle: 90}}

	if got := cfg.GetReadTimeout(); got != 15*time.Second {
		t.Errorf("GetReadTimeout() = %v, want 15s", got)
	}
	if got := cfg.GetWriteTimeout(); got != 20*time.Second {
		t.Errorf("GetWriteTimeout() = %v, want 20s", got)
	}
	if got := cfg.GetIdleTimeout(); got != 90*time.Second {
		t.Errorf("GetIdleTimeout() = %v, want 90s", got)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
simulator:
  id: sim-test
session:
  ttl_hours: 4
gateway:
  domain: broker.example.org
  port: 8883
  tls: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if got := cfg.GetSessionTTL(); got != 4*time.Hour {
		t.Errorf("GetSessionTTL() = %v, want 4h", got)
	}
	if cfg.Gateway.Domain != "broker.example.org" {
		t.Errorf("Gateway.Domain = %q", cfg.Gateway.Domain)
	}
	if !cfg.Gateway.TLS {
		t.Error("Gateway.TLS = false, want true")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, "simulator:\n  id: sim-test\n")

	t.Setenv("SIMULATOR_GATEWAY_DOMAIN", "env.example.org")
	t.Setenv("SIMULATOR_API_PORT", "9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Gateway.Domain != "env.example.org" {
		t.Errorf("Gateway.Domain = %q, want env override", cfg.Gateway.Domain)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "empty simulator id",
			mutate:  func(c *Config) { c.Simulator.ID = "" },
			wantMsg: "simulator.id",
		},
		{
			name:    "zero ttl",
			mutate:  func(c *Config) { c.Session.TTLHours = 0 },
			wantMsg: "session.ttl_hours",
		},
		{
			name:    "invalid qos",
			mutate:  func(c *Config) { c.Gateway.QoS = 3 },
			wantMsg: "gateway.qos",
		},
		{
			name:    "invalid api port",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantMsg: "api.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Validate() error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() = nil error for missing file")
	}
}
