// Package config handles convsync configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration structure for convsync.
type Config struct {
	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Gateway settings for the chat backend
	Gateway GatewayConfig `yaml:"gateway" mapstructure:"gateway"`

	// Sync settings for background polling
	Sync SyncConfig `yaml:"sync" mapstructure:"sync"`

	// Gesture thresholds for swipe actions
	Gesture GestureConfig `yaml:"gesture" mapstructure:"gesture"`

	// Typing indicator settings
	Typing TypingConfig `yaml:"typing" mapstructure:"typing"`

	// State holds local persistence settings.
	State StateConfig `yaml:"state" mapstructure:"state"`

	// User identifies the signed-in account.
	User UserConfig `yaml:"user" mapstructure:"user"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// GatewayConfig contains backend endpoints.
type GatewayConfig struct {
	// BaseURL is the REST root, e.g. https://chat.example.com/api.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`

	// SocketURL is the websocket endpoint. Derived from BaseURL when empty.
	SocketURL string `yaml:"socket_url" mapstructure:"socket_url"`

	// Token is sent as a bearer token. Obtained by the auth flow.
	Token string `yaml:"token" mapstructure:"token"`

	// RequestTimeout bounds each REST call.
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`

	// ReconnectInterval is the delay between socket reconnect attempts.
	ReconnectInterval time.Duration `yaml:"reconnect_interval" mapstructure:"reconnect_interval"`
}

// SyncConfig contains polling settings.
type SyncConfig struct {
	// Interval is the poll cadence.
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// GestureConfig contains swipe thresholds in points.
type GestureConfig struct {
	JitterThreshold float64 `yaml:"jitter_threshold" mapstructure:"jitter_threshold"`
	CommitThreshold float64 `yaml:"commit_threshold" mapstructure:"commit_threshold"`
	ActionWidth     float64 `yaml:"action_width" mapstructure:"action_width"`
}

// TypingConfig contains typing indicator settings.
type TypingConfig struct {
	// TTL expires a typing indicator whose stopped_typing never arrived.
	TTL time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// StateConfig contains local persistence settings.
type StateConfig struct {
	// Path is the SQLite file holding the read set.
	Path string `yaml:"path" mapstructure:"path"`

	// SaveDebounce delays writes after a change.
	SaveDebounce time.Duration `yaml:"save_debounce" mapstructure:"save_debounce"`
}

// UserConfig identifies the local user.
type UserConfig struct {
	ID string `yaml:"id" mapstructure:"id"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Gateway: GatewayConfig{
			BaseURL:           "http://127.0.0.1:8080",
			RequestTimeout:    10 * time.Second,
			ReconnectInterval: 2 * time.Second,
		},
		Sync: SyncConfig{
			Interval: 5 * time.Second,
		},
		Gesture: GestureConfig{
			JitterThreshold: 10,
			CommitThreshold: 60,
			ActionWidth:     180,
		},
		Typing: TypingConfig{
			TTL: 6 * time.Second,
		},
		State: StateConfig{
			Path:         filepath.Join(homeDir, ".local", "share", "convsync", "state.db"),
			SaveDebounce: time.Second,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.Gateway.BaseURL); err != nil {
		return fmt.Errorf("gateway.base_url is invalid: %w", err)
	}
	if c.Gateway.SocketURL != "" {
		u, err := url.Parse(c.Gateway.SocketURL)
		if err != nil {
			return fmt.Errorf("gateway.socket_url is invalid: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("gateway.socket_url must use ws or wss")
		}
	}
	if c.Gateway.RequestTimeout <= 0 {
		return fmt.Errorf("gateway.request_timeout must be positive")
	}
	if c.Sync.Interval < 100*time.Millisecond {
		return fmt.Errorf("sync.interval must be at least 100ms")
	}
	if c.Gesture.JitterThreshold < 0 {
		return fmt.Errorf("gesture.jitter_threshold must not be negative")
	}
	if c.Gesture.CommitThreshold <= c.Gesture.JitterThreshold {
		return fmt.Errorf("gesture.commit_threshold must exceed gesture.jitter_threshold")
	}
	if c.Gesture.ActionWidth < c.Gesture.CommitThreshold {
		return fmt.Errorf("gesture.action_width must be at least gesture.commit_threshold")
	}
	if c.Typing.TTL <= 0 {
		return fmt.Errorf("typing.ttl must be positive")
	}
	return nil
}

// SocketURL returns the configured socket URL, or one derived from the
// REST base URL (http→ws, https→wss, path + "/ws").
func (c *Config) SocketURL() string {
	if c.Gateway.SocketURL != "" {
		return c.Gateway.SocketURL
	}
	u, err := url.Parse(c.Gateway.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

// EnsureDirectories creates the directory holding the state database.
func (c *Config) EnsureDirectories() error {
	if c.State.Path == "" {
		return nil
	}
	dir := filepath.Dir(c.State.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
