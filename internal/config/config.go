// Package config provides configuration parsing and validation for vkrelay.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration.
type Config struct {
	DataDir  string         `yaml:"data_dir"` // Directory for persistent state
	Log      LogConfig      `yaml:"log"`
	API      APIConfig      `yaml:"api"`
	Relay    RelayConfig    `yaml:"relay"`
	Auth     AuthConfig     `yaml:"auth"`
	Keystore KeystoreConfig `yaml:"keystore"`
	Stream   StreamConfig   `yaml:"stream"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// APIConfig points at the primary cloud API and the local web origin.
type APIConfig struct {
	BaseURL     string `yaml:"base_url"`     // Remote API origin
	LocalOrigin string `yaml:"local_origin"` // Origin used when a request is not relayed
}

// RelayConfig controls which local paths are relayed and how the active host
// is resolved.
type RelayConfig struct {
	APIPrefix       string `yaml:"api_prefix"`       // Local API paths eligible for relaying
	RemotePrefix    string `yaml:"remote_prefix"`    // Control-plane paths that never relay
	WorkspacePrefix string `yaml:"workspace_prefix"` // Routes that may carry an active host
	HostQueryParam  string `yaml:"host_query_param"` // Query parameter naming the host
	ExchangePath    string `yaml:"exchange_path"`    // Appended to relay_url for the code exchange
}

// AuthConfig contains token lifecycle settings.
type AuthConfig struct {
	TokenFile      string        `yaml:"token_file"`      // Empty keeps tokens in memory
	LockFile       string        `yaml:"lock_file"`       // Empty disables the cross-process lock
	AccessToken    string        `yaml:"access_token"`    // Optional seed token
	RefreshToken   string        `yaml:"refresh_token"`   // Optional seed token
	MaxAttempts    int           `yaml:"max_attempts"`    // Refresh attempts per cycle
	BackoffBase    time.Duration `yaml:"backoff_base"`    // First retry delay
	BackoffMax     time.Duration `yaml:"backoff_max"`     // Retry delay cap
	AttemptTimeout time.Duration `yaml:"attempt_timeout"` // Per-attempt timeout, never retried
	RefreshSkew    time.Duration `yaml:"refresh_skew"`    // Refresh this long before expiry
}

// KeystoreConfig contains paired host storage settings.
type KeystoreConfig struct {
	Dir        string `yaml:"dir"`        // Defaults to data_dir
	Passphrase string `yaml:"passphrase"` // Seals private keys at rest when set
}

// StreamConfig contains patch stream settings.
type StreamConfig struct {
	WebSocketSuffix string        `yaml:"websocket_suffix"` // URLs ending here use WebSocket
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`  // SSE retry delay until the server sends one
	ReadLimit       int64         `yaml:"read_limit"`       // Maximum WebSocket message size
}

// MetricsConfig defines metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		API: APIConfig{
			BaseURL:     "https://api.vibekanban.com",
			LocalOrigin: "http://127.0.0.1:3000",
		},
		Relay: RelayConfig{
			APIPrefix:       "/api/",
			RemotePrefix:    "/api/remote/",
			WorkspacePrefix: "/workspaces",
			HostQueryParam:  "hostId",
		},
		Auth: AuthConfig{
			TokenFile:      "./data/tokens.json",
			LockFile:       "./data/tokens.lock",
			MaxAttempts:    3,
			BackoffBase:    500 * time.Millisecond,
			BackoffMax:     2 * time.Second,
			AttemptTimeout: 80 * time.Second,
			RefreshSkew:    30 * time.Second,
		},
		Stream: StreamConfig{
			WebSocketSuffix: "/ws",
			ReconnectDelay:  3 * time.Second,
			ReadLimit:       1 << 20, // 1 MB
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "data_dir is required")
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if err := validateOrigin(c.API.BaseURL); err != nil {
		errs = append(errs, fmt.Sprintf("api.base_url: %v", err))
	}
	if err := validateOrigin(c.API.LocalOrigin); err != nil {
		errs = append(errs, fmt.Sprintf("api.local_origin: %v", err))
	}

	// Validate relay routing
	for name, prefix := range map[string]string{
		"relay.api_prefix":       c.Relay.APIPrefix,
		"relay.remote_prefix":    c.Relay.RemotePrefix,
		"relay.workspace_prefix": c.Relay.WorkspacePrefix,
	} {
		if !strings.HasPrefix(prefix, "/") {
			errs = append(errs, fmt.Sprintf("%s must start with /", name))
		}
	}
	if !strings.HasPrefix(c.Relay.RemotePrefix, c.Relay.APIPrefix) {
		errs = append(errs, "relay.remote_prefix must be under relay.api_prefix")
	}
	if c.Relay.HostQueryParam == "" {
		errs = append(errs, "relay.host_query_param is required")
	}
	if c.Relay.ExchangePath != "" && !strings.HasPrefix(c.Relay.ExchangePath, "/") {
		errs = append(errs, "relay.exchange_path must start with /")
	}

	// Validate auth
	if c.Auth.MaxAttempts < 1 {
		errs = append(errs, "auth.max_attempts must be positive")
	}
	if c.Auth.BackoffBase <= 0 {
		errs = append(errs, "auth.backoff_base must be positive")
	}
	if c.Auth.BackoffMax < c.Auth.BackoffBase {
		errs = append(errs, "auth.backoff_max must be >= backoff_base")
	}
	if c.Auth.AttemptTimeout <= 0 {
		errs = append(errs, "auth.attempt_timeout must be positive")
	}
	if c.Auth.RefreshSkew < 0 {
		errs = append(errs, "auth.refresh_skew must not be negative")
	}

	// Validate stream
	if c.Stream.WebSocketSuffix == "" {
		errs = append(errs, "stream.websocket_suffix is required")
	}
	if c.Stream.ReconnectDelay <= 0 {
		errs = append(errs, "stream.reconnect_delay must be positive")
	}
	if c.Stream.ReadLimit < 1024 {
		errs = append(errs, "stream.read_limit must be at least 1024")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// KeystoreDir returns the directory holding paired hosts.
func (c *Config) KeystoreDir() string {
	if c.Keystore.Dir != "" {
		return c.Keystore.Dir
	}
	return filepath.Join(c.DataDir, "hosts")
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func validateOrigin(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	redacted := *c

	if redacted.Keystore.Passphrase != "" {
		redacted.Keystore.Passphrase = redactedValue
	}
	if redacted.Auth.AccessToken != "" {
		redacted.Auth.AccessToken = redactedValue
	}
	if redacted.Auth.RefreshToken != "" {
		redacted.Auth.RefreshToken = redactedValue
	}

	return &redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	return c.Keystore.Passphrase != "" || c.Auth.AccessToken != "" || c.Auth.RefreshToken != ""
}
