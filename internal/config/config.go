// Package config holds the agent configuration types.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTracker is used when neither flags nor the config file name one.
const DefaultTracker = "http://127.0.0.1:9001"

// STUN servers for ICE candidate gathering. No TURN: sessions are expected to
// connect directly once the tracker has relayed the descriptions.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config stores every parameter the agent needs, gathered from the optional
// YAML file, CLI flags or interactive prompts (in that order of precedence,
// lowest first).
type Config struct {
	Username     string   `yaml:"username"`
	Trackers     []string `yaml:"trackers"`
	Capabilities []string `yaml:"capabilities"`
	STUNServers  []string `yaml:"stun_servers"`

	ConnectTimeout       time.Duration `yaml:"connect_timeout"`        // control channel open budget
	RequestTimeout       time.Duration `yaml:"request_timeout"`        // peer-list and other query budget
	DiscoveryTimeout     time.Duration `yaml:"discovery_timeout"`      // local address discovery budget
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`     // keep-alive period while open
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`   // attempt n waits n * base
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // cap before giving up

	Debug bool `yaml:"debug"`
}

// Default returns a Config populated with the standard timeouts and policy.
func Default() Config {
	return Config{
		Trackers:             []string{DefaultTracker},
		Capabilities:         []string{"webrtc", "websocket"},
		STUNServers:          append([]string(nil), defaultSTUNServers...),
		ConnectTimeout:       5 * time.Second,
		RequestTimeout:       5 * time.Second,
		DiscoveryTimeout:     2 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		ReconnectBaseDelay:   2 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// Load reads a YAML config file on top of Default(). Fields absent from the
// file keep their default value.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Username) == "" {
		return errors.New("username is required")
	}
	if len(c.Trackers) == 0 {
		return errors.New("at least one tracker is required")
	}
	for _, t := range c.Trackers {
		u, err := url.Parse(t)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid tracker URL: %q", t)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("tracker %q: scheme must be http or https", t)
		}
	}
	if c.ConnectTimeout <= 0 || c.RequestTimeout <= 0 || c.DiscoveryTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	if c.ReconnectBaseDelay <= 0 {
		return errors.New("reconnect_base_delay must be positive")
	}
	if c.MaxReconnectAttempts < 0 {
		return errors.New("max_reconnect_attempts must not be negative")
	}
	return nil
}
