package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid, got: %v", err)
	}
	if cfg.Session.MaxIDRetries != 20 || cfg.Session.MaxPeerRetries != 30 {
		t.Errorf("unexpected retry maxima: id=%d peer=%d", cfg.Session.MaxIDRetries, cfg.Session.MaxPeerRetries)
	}
	if cfg.Session.BackoffBase != time.Second || cfg.Session.BackoffMaxExponent != 3 {
		t.Errorf("unexpected backoff: base=%v exp=%d", cfg.Session.BackoffBase, cfg.Session.BackoffMaxExponent)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	// Zero out rate limiting values to ensure they are ignored when disabled.
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http burst must be > 0", func(c *Config) { c.RateLimiting.HTTP.Burst = 0 }},
		{"http max concurrent must be >= 0", func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{"ws messages per second must be > 0", func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 }},
		{"ws burst must be > 0", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
		{"ws max concurrent must be >= 0", func(c *Config) { c.RateLimiting.WebSocket.MaxConcurrent = -1 }},
		{"ws max message size must be >= 0", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
		{"relay key required", func(c *Config) { c.Relay.Key = "" }},
		{"read timeout above heartbeat", func(c *Config) { c.Relay.ReadTimeout = c.Relay.HeartbeatInterval }},
		{"connect timeout > 0", func(c *Config) { c.Session.ConnectTimeout = 0 }},
		{"negative retry max", func(c *Config) { c.Session.MaxPeerRetries = -1 }},
		{"tunnel queue > 0", func(c *Config) { c.Session.TunnelQueueLimit = 0 }},
		{"port range order", func(c *Config) {
			c.WebRTC.PortRange.Min = 50000
			c.WebRTC.PortRange.Max = 40000
		}},
		{"ice server urls", func(c *Config) { c.WebRTC.ICEServers = []ICEServer{{}} }},
		{"redis lease above heartbeat", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.LeaseTTL = time.Second
		}},
		{"sample rate range", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eterlink.yaml")
	data := []byte(`
peer:
  id: HUB1
  host: relay.example.com
  port: 443
  secure: true
session:
  connect_timeout: 3s
  max_signal_retries: 7
webrtc:
  ice_servers:
    - urls: ["turn:turn.example.com:3478"]
      username: u
      credential: p
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ETERLINK_LOG_LEVEL", "debug")
	t.Setenv("ETERLINK_FORCE_TURN", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Peer.ID != "HUB1" || cfg.Peer.Host != "relay.example.com" || !cfg.Peer.Secure {
		t.Errorf("peer section not loaded: %+v", cfg.Peer)
	}
	if cfg.Session.ConnectTimeout != 3*time.Second || cfg.Session.MaxSignalRetries != 7 {
		t.Errorf("session section not loaded: %+v", cfg.Session)
	}
	if cfg.Session.HeartbeatTimeout != 10*time.Second {
		t.Errorf("default heartbeat timeout lost: %v", cfg.Session.HeartbeatTimeout)
	}
	if len(cfg.WebRTC.ICEServers) != 1 || cfg.WebRTC.ICEServers[0].Username != "u" {
		t.Errorf("ice servers not loaded: %+v", cfg.WebRTC.ICEServers)
	}
	if cfg.Logging.Level != "debug" || !cfg.Peer.ForceTURN {
		t.Errorf("env overrides not applied: level=%s force_turn=%v", cfg.Logging.Level, cfg.Peer.ForceTURN)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Relay.Address != ":9000" {
		t.Errorf("expected default relay address, got %q", cfg.Relay.Address)
	}
}
