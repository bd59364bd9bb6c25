// Package config loads chanmux configuration from a YAML file, or a JSON
// file with comments when the name ends in .json or .jsonc. Values in the
// file override Default(); command-line flags override the file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Mode selects the physical connection of a top-level session.
type Mode string

const (
	// ModeWebSocket dials the bridge's WebSocket endpoint.
	ModeWebSocket Mode = "websocket"
	// ModeWebRTC negotiates a DataChannel through the signaling endpoint.
	ModeWebRTC Mode = "webrtc"
)

// Config is the configuration shared by the client and the bridge.
type Config struct {
	// Mode is "websocket" (default) or "webrtc".
	Mode Mode `yaml:"mode" json:"mode"`

	// URL is the bridge WebSocket endpoint.
	// Default: ws://localhost:9090/socket
	URL string `yaml:"url" json:"url"`

	// SignalURL is the bridge signaling endpoint used in webrtc mode.
	// Default: ws://localhost:9090/signal
	SignalURL string `yaml:"signal_url" json:"signal_url"`

	// ICEServers are STUN/TURN URLs for webrtc mode.
	ICEServers []string `yaml:"ice_servers" json:"ice_servers"`

	// Headers are added to the WebSocket handshake, e.g. Authorization.
	Headers map[string]string `yaml:"headers" json:"headers"`

	// HealthInterval is the ping/liveness period; "0s" disables it.
	// Default: 30s
	HealthInterval string `yaml:"health_interval" json:"health_interval"`

	// StatsInterval is how often throughput is reported; "0s" disables it.
	// Default: 0s
	StatsInterval string `yaml:"stats_interval" json:"stats_interval"`

	// Debug enables debug logging.
	Debug bool `yaml:"debug" json:"debug"`

	// Bridge configures chanmux-bridge.
	Bridge BridgeConfig `yaml:"bridge" json:"bridge"`
}

// BridgeConfig configures the test bridge.
type BridgeConfig struct {
	// Listen is the HTTP listen address.
	// Default: localhost:9090
	Listen string `yaml:"listen" json:"listen"`

	// Host is announced as the default host in the init message.
	// Default: localhost
	Host string `yaml:"host" json:"host"`
}

// Default returns the configuration used before loading a file.
func Default() *Config {
	return &Config{
		Mode:           ModeWebSocket,
		URL:            "ws://localhost:9090/socket",
		SignalURL:      "ws://localhost:9090/signal",
		ICEServers:     []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		HealthInterval: "30s",
		StatsInterval:  "0s",
		Bridge: BridgeConfig{
			Listen: "localhost:9090",
			Host:   "localhost",
		},
	}
}

// Load reads path over Default() and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeWebSocket:
		if c.URL == "" {
			errs = append(errs, errors.New("url is required in websocket mode"))
		}
	case ModeWebRTC:
		if c.SignalURL == "" {
			errs = append(errs, errors.New("signal_url is required in webrtc mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q (want websocket or webrtc)", c.Mode))
	}

	if _, err := parseDuration("health_interval", c.HealthInterval); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseDuration("stats_interval", c.StatsInterval); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Health returns the parsed health interval.
func (c *Config) Health() time.Duration {
	d, _ := parseDuration("health_interval", c.HealthInterval)
	return d
}

// Stats returns the parsed stats interval.
func (c *Config) Stats() time.Duration {
	d, _ := parseDuration("stats_interval", c.StatsInterval)
	return d
}

// Header returns Headers as an http.Header, nil when there are none.
func (c *Config) Header() http.Header {
	if len(c.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(c.Headers))
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	return h
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", field, value)
	}
	return d, nil
}
