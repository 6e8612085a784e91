// Package config provides configuration loading and management for
// athena-link.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete athena-link configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Retry      RetryConfig      `yaml:"retry"`
	Probe      ProbeConfig      `yaml:"probe"`
	Socket     SocketConfig     `yaml:"socket"`
	Credential CredentialConfig `yaml:"credential"`
	NATS       NATSConfig       `yaml:"nats"`
	TLS        TLSConfig        `yaml:"tls"`
}

// ServerConfig locates the backend.
type ServerConfig struct {
	// BaseURL is the backend base URL.
	BaseURL string `yaml:"base_url"`
	// RequestTimeout is the per-request timeout.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RetryConfig tunes request retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum attempts per operation.
	MaxAttempts int `yaml:"max_attempts"`
	// BaseDelay is the initial backoff duration.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay caps the backoff duration.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// ProbeConfig tunes health probing.
type ProbeConfig struct {
	// Interval is the steady-state probe spacing.
	Interval time.Duration `yaml:"interval"`
	// Timeout bounds a single probe.
	Timeout time.Duration `yaml:"timeout"`
	// ProtectedPath is the representative authenticated endpoint probed
	// alongside /status.
	ProtectedPath string `yaml:"protected_path"`
}

// SocketConfig tunes the duplex channel.
type SocketConfig struct {
	// KeepAlive is the ping interval.
	KeepAlive time.Duration `yaml:"keep_alive"`
	// Path is the websocket endpoint path on the backend.
	Path string `yaml:"path"`
}

// CredentialConfig tunes credential handling.
type CredentialConfig struct {
	// KeyfilePath is the secure-storage file (default under the user
	// config directory).
	KeyfilePath string `yaml:"keyfile_path"`
	// RefreshThreshold is how early before expiry a refresh triggers.
	RefreshThreshold time.Duration `yaml:"refresh_threshold"`
	// EnvVar names the environment variable consulted as a development
	// fallback.
	EnvVar string `yaml:"env_var"`
}

// NATSConfig configures the optional event bridge.
type NATSConfig struct {
	// URL is the NATS server URL (empty = bridge disabled).
	URL string `yaml:"url"`
}

// TLSConfig configures transport security.
type TLSConfig struct {
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:        "http://localhost:8000",
			RequestTimeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    60 * time.Second,
		},
		Probe: ProbeConfig{
			Interval:      30 * time.Second,
			Timeout:       3 * time.Second,
			ProtectedPath: "/api/v1/agents/status",
		},
		Socket: SocketConfig{
			KeepAlive: 30 * time.Second,
			Path:      "/ws",
		},
		Credential: CredentialConfig{
			RefreshThreshold: 2 * time.Minute,
			EnvVar:           "ATHENA_API_KEY",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	parsed, err := url.Parse(c.Server.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("server.base_url %q is not a valid URL", c.Server.BaseURL)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Probe.Interval < time.Second {
		return fmt.Errorf("probe.interval must be at least 1s")
	}
	if c.Socket.KeepAlive < time.Second {
		return fmt.Errorf("socket.keep_alive must be at least 1s")
	}
	return nil
}

// SocketURL derives the websocket URL from the base URL and socket path.
func (c *Config) SocketURL() (string, error) {
	parsed, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed = parsed.JoinPath(c.Socket.Path)
	return parsed.String(), nil
}

// LoadFromFile loads configuration from a YAML file, layered over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Merge merges another config into this one; other takes precedence for
// non-zero values.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Server.BaseURL != "" {
		c.Server.BaseURL = other.Server.BaseURL
	}
	if other.Server.RequestTimeout != 0 {
		c.Server.RequestTimeout = other.Server.RequestTimeout
	}

	if other.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = other.Retry.MaxAttempts
	}
	if other.Retry.BaseDelay != 0 {
		c.Retry.BaseDelay = other.Retry.BaseDelay
	}
	if other.Retry.MaxDelay != 0 {
		c.Retry.MaxDelay = other.Retry.MaxDelay
	}

	if other.Probe.Interval != 0 {
		c.Probe.Interval = other.Probe.Interval
	}
	if other.Probe.Timeout != 0 {
		c.Probe.Timeout = other.Probe.Timeout
	}
	if other.Probe.ProtectedPath != "" {
		c.Probe.ProtectedPath = other.Probe.ProtectedPath
	}

	if other.Socket.KeepAlive != 0 {
		c.Socket.KeepAlive = other.Socket.KeepAlive
	}
	if other.Socket.Path != "" {
		c.Socket.Path = other.Socket.Path
	}

	if other.Credential.KeyfilePath != "" {
		c.Credential.KeyfilePath = other.Credential.KeyfilePath
	}
	if other.Credential.RefreshThreshold != 0 {
		c.Credential.RefreshThreshold = other.Credential.RefreshThreshold
	}
	if other.Credential.EnvVar != "" {
		c.Credential.EnvVar = other.Credential.EnvVar
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	if other.TLS.CertFile != "" {
		c.TLS.CertFile = other.TLS.CertFile
	}
	if other.TLS.KeyFile != "" {
		c.TLS.KeyFile = other.TLS.KeyFile
	}
	if other.TLS.CAFile != "" {
		c.TLS.CAFile = other.TLS.CAFile
	}
	if other.TLS.InsecureSkipVerify {
		c.TLS.InsecureSkipVerify = true
	}
}
