package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultMatchesPolicy(t *testing.T) {
	cfg := Default()

	if cfg.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s", cfg.ConnectTimeout)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want 5s", cfg.RequestTimeout)
	}
	if cfg.DiscoveryTimeout != 2*time.Second {
		t.Errorf("DiscoveryTimeout = %v, want 2s", cfg.DiscoveryTimeout)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.ReconnectBaseDelay != 2*time.Second {
		t.Errorf("ReconnectBaseDelay = %v, want 2s", cfg.ReconnectBaseDelay)
	}
	if cfg.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", cfg.MaxReconnectAttempts)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing username", func(c *Config) { c.Username = "  " }, true},
		{"no trackers", func(c *Config) { c.Trackers = nil }, true},
		{"bad tracker scheme", func(c *Config) { c.Trackers = []string{"ftp://x:1"} }, true},
		{"tracker without host", func(c *Config) { c.Trackers = []string{"http://"} }, true},
		{"zero connect timeout", func(c *Config) { c.ConnectTimeout = 0 }, true},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }, true},
		{"zero base delay", func(c *Config) { c.ReconnectBaseDelay = 0 }, true},
		{"negative attempts", func(c *Config) { c.MaxReconnectAttempts = -1 }, true},
		{"zero attempts allowed", func(c *Config) { c.MaxReconnectAttempts = 0 }, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Username = "alice"
			tc.mutate(&cfg)

			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peerlink.yaml")
	content := "username: bob\ntrackers:\n  - http://10.0.0.2:9001\nheartbeat_interval: 10s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Username != "bob" {
		t.Errorf("Username = %q, want bob", cfg.Username)
	}
	if len(cfg.Trackers) != 1 || cfg.Trackers[0] != "http://10.0.0.2:9001" {
		t.Errorf("Trackers = %v", cfg.Trackers)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 10s", cfg.HeartbeatInterval)
	}
	if cfg.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want default 5", cfg.MaxReconnectAttempts)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
