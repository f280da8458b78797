// ABOUTME: Configuration loading for the gateway from YAML or TOML files
// ABOUTME: Supports ${VAR} expansion, duration parsing, defaults, and validation

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Runs      RunsConfig      `yaml:"runs" toml:"runs"`
	Engine    EngineConfig    `yaml:"engine" toml:"engine"`
	Channels  ChannelsConfig  `yaml:"channels" toml:"channels"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the listen address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration.
// When enabled, the gateway joins the tailnet as its own node.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	// AuthKey falls back to TS_AUTHKEY when empty.
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	// StateDir defaults to ~/.local/share/clawd/tsnet.
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	// Ephemeral nodes are removed from the tailnet when the gateway stops.
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	// HTTPS serves on :443 with Tailscale certs.
	HTTPS     bool   `yaml:"https" toml:"https"`
	// Funnel exposes the gateway publicly via Tailscale Funnel.
	Funnel    bool   `yaml:"funnel" toml:"funnel"`
	// CertFile and KeyFile replace Tailscale certs with a static pair.
	CertFile  string `yaml:"cert_file" toml:"cert_file"`
	KeyFile   string `yaml:"key_file" toml:"key_file"`
}

// DatabaseConfig holds database configuration.
// An empty path keeps sessions and keys in memory only.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Enabled          bool   `yaml:"enabled" toml:"enabled"`
	JWTSecret        string `yaml:"jwt_secret" toml:"jwt_secret"`
	BootstrapKey     string `yaml:"bootstrap_key" toml:"bootstrap_key"`
	// DefaultRateLimit is requests per minute for callers without their own
	// limit. Zero disables limiting.
	DefaultRateLimit int    `yaml:"default_rate_limit" toml:"default_rate_limit"`
}

// SessionsConfig controls session retention.
type SessionsConfig struct {
	IdleTTL         time.Duration `yaml:"-" toml:"-"`
	IdleTTLRaw      string        `yaml:"idle_ttl" toml:"idle_ttl"`
	ReapInterval    time.Duration `yaml:"-" toml:"-"`
	ReapIntervalRaw string        `yaml:"reap_interval" toml:"reap_interval"`
	MaxSessions     int           `yaml:"max_sessions" toml:"max_sessions"`
}

// RunsConfig controls run lifecycle.
type RunsConfig struct {
	CancelGrace    time.Duration `yaml:"-" toml:"-"`
	CancelGraceRaw string        `yaml:"cancel_grace" toml:"cancel_grace"`
	RunTimeout     time.Duration `yaml:"-" toml:"-"`
	RunTimeoutRaw  string        `yaml:"run_timeout" toml:"run_timeout"`
	Retention      time.Duration `yaml:"-" toml:"-"`
	RetentionRaw   string        `yaml:"retention" toml:"retention"`
	BufferSize     int           `yaml:"buffer_size" toml:"buffer_size"`
}

// Engine providers.
const (
	ProviderEcho   = "echo"
	ProviderOpenAI = "openai"
)

// EngineConfig selects and configures the agent engine.
type EngineConfig struct {
	Provider     string   `yaml:"provider" toml:"provider"`
	Model        string   `yaml:"model" toml:"model"`
	BaseURL      string   `yaml:"base_url" toml:"base_url"`
	APIKey       string   `yaml:"api_key" toml:"api_key"`
	MaxTokens    int      `yaml:"max_tokens" toml:"max_tokens"`
	SystemPrompt string   `yaml:"system_prompt" toml:"system_prompt"`
	Models       []string `yaml:"models" toml:"models"`
}

// ChannelsConfig holds outbound channel configuration.
type ChannelsConfig struct {
	Log    LogChannelConfig    `yaml:"log" toml:"log"`
	Matrix MatrixChannelConfig `yaml:"matrix" toml:"matrix"`
}

// LogChannelConfig enables the log-only channel.
type LogChannelConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// MatrixChannelConfig holds Matrix delivery configuration.
type MatrixChannelConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
}

// DedupeConfig controls WebSocket request deduplication.
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-" toml:"-"`
	TTLRaw  string        `yaml:"ttl" toml:"ttl"`
	MaxSize int           `yaml:"max_size" toml:"max_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Unset fields get defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(expandEnvVars(string(data)), formatFor(path))
}

// Format is a config file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes already-expanded config text, applies defaults, and validates.
func Parse(data string, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:18789"
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		c.Tailscale.Hostname = "clawd-gateway"
	}

	if c.Sessions.IdleTTL == 0 {
		c.Sessions.IdleTTL = 24 * time.Hour
	}
	if c.Sessions.ReapInterval == 0 {
		c.Sessions.ReapInterval = time.Minute
	}

	if c.Runs.CancelGrace == 0 {
		c.Runs.CancelGrace = 5 * time.Second
	}
	if c.Runs.RunTimeout == 0 {
		c.Runs.RunTimeout = 10 * time.Minute
	}
	if c.Runs.Retention == 0 {
		c.Runs.Retention = 5 * time.Minute
	}
	if c.Runs.BufferSize == 0 {
		c.Runs.BufferSize = 256
	}

	if c.Engine.Provider == "" {
		c.Engine.Provider = ProviderEcho
	}
	if c.Engine.Model == "" {
		switch c.Engine.Provider {
		case ProviderOpenAI:
			c.Engine.Model = "gpt-4o-mini"
		default:
			c.Engine.Model = "echo"
		}
	}

	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 5 * time.Minute
	}
	if c.Dedupe.MaxSize == 0 {
		c.Dedupe.MaxSize = 10_000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if (c.Tailscale.CertFile == "") != (c.Tailscale.KeyFile == "") {
		return fmt.Errorf("tailscale.cert_file and tailscale.key_file must be set together")
	}

	if c.Auth.DefaultRateLimit < 0 {
		return fmt.Errorf("auth.default_rate_limit must not be negative")
	}
	if c.Auth.BootstrapKey != "" && !strings.HasPrefix(c.Auth.BootstrapKey, "clb_") {
		return fmt.Errorf("auth.bootstrap_key must start with clb_")
	}

	if c.Sessions.MaxSessions < 0 {
		return fmt.Errorf("sessions.max_sessions must not be negative")
	}
	if c.Runs.BufferSize < 0 {
		return fmt.Errorf("runs.buffer_size must not be negative")
	}

	if !slices.Contains([]string{ProviderEcho, ProviderOpenAI}, c.Engine.Provider) {
		return fmt.Errorf("engine.provider must be %q or %q, got %q", ProviderEcho, ProviderOpenAI, c.Engine.Provider)
	}
	if c.Engine.MaxTokens < 0 {
		return fmt.Errorf("engine.max_tokens must not be negative")
	}

	if m := c.Channels.Matrix; m.Enabled {
		if m.Homeserver == "" || m.UserID == "" || m.AccessToken == "" {
			return fmt.Errorf("channels.matrix requires homeserver, user_id, and access_token when enabled")
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sessions.idle_ttl", cfg.Sessions.IdleTTLRaw, &cfg.Sessions.IdleTTL},
		{"sessions.reap_interval", cfg.Sessions.ReapIntervalRaw, &cfg.Sessions.ReapInterval},
		{"runs.cancel_grace", cfg.Runs.CancelGraceRaw, &cfg.Runs.CancelGrace},
		{"runs.run_timeout", cfg.Runs.RunTimeoutRaw, &cfg.Runs.RunTimeout},
		{"runs.retention", cfg.Runs.RetentionRaw, &cfg.Runs.Retention},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
