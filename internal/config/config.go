// Package config loads gateway configuration from a YAML file with
// environment-variable overrides. Environment variables take
// precedence over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/outrider-ai/toolgate/internal/ratelimit"
	"github.com/outrider-ai/toolgate/internal/transport"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Transport  TransportConfig  `yaml:"transport"`
	Validation ValidationConfig `yaml:"validation"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Registry   RegistryConfig   `yaml:"registry"`
	Auth       AuthConfig       `yaml:"auth"`
	Audit      AuditConfig      `yaml:"audit"`

	// Roles is the static permission matrix: role -> allowed tool
	// patterns ("*" suffix for prefixes, bare "*" for everything).
	// Ignored when a Postgres DSN is configured.
	Roles map[string][]string `yaml:"roles"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// ClientRPS bounds requests per second per client on the HTTP
	// surface. This is separate from the per-session tool quotas.
	ClientRPS   float64 `yaml:"client_rps"`
	ClientBurst int     `yaml:"client_burst"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// TransportConfig mirrors the transport policy surface.
type TransportConfig struct {
	StdioServers   map[string]transport.StdioServer `yaml:"stdio_servers"`
	AllowedHosts   []string                         `yaml:"allowed_hosts"`
	Backoff        transport.Backoff                `yaml:"backoff"`
	RequestTimeout time.Duration                    `yaml:"request_timeout"`
}

// ValidationConfig configures argument validation.
type ValidationConfig struct {
	// WorkspaceRoot is the directory path-like arguments must stay
	// inside. Empty means absolute paths and ".." are rejected outright.
	WorkspaceRoot string `yaml:"workspace_root"`
}

// RateLimitConfig configures per-session tool quotas.
type RateLimitConfig struct {
	PerMinute int           `yaml:"per_minute"`
	PerHour   int           `yaml:"per_hour"`
	Cooldown  time.Duration `yaml:"cooldown"`
	// Overrides maps identifier prefixes to their own limits.
	Overrides map[string]LimitsConfig `yaml:"overrides"`
}

// LimitsConfig is one quota override.
type LimitsConfig struct {
	PerMinute int           `yaml:"per_minute"`
	PerHour   int           `yaml:"per_hour"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// RegistryConfig configures the descriptor cache.
type RegistryConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// AuthConfig configures API-key authentication.
type AuthConfig struct {
	// PostgresDSN enables key lookup against the api_keys table. When
	// empty, StaticKeys is used instead.
	PostgresDSN string        `yaml:"postgres_dsn"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	StaticKeys  []StaticKey   `yaml:"static_keys"`
}

// StaticKey is one development API key.
type StaticKey struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
	Role string `yaml:"role"`
}

// AuditConfig configures audit event persistence.
type AuditConfig struct {
	// ClickHouseDSN enables batched event inserts. Empty falls back to
	// the structured log.
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	// RingSize bounds the in-memory event window served by the API.
	RingSize int `yaml:"ring_size"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8443",
			ShutdownTimeout: 10 * time.Second,
			ClientRPS:       50,
			ClientBurst:     100,
		},
		Log: LogConfig{Level: "info"},
		Transport: TransportConfig{
			Backoff:        transport.DefaultBackoff(),
			RequestTimeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 10,
			PerHour:   100,
			Cooldown:  5 * time.Minute,
		},
		Registry: RegistryConfig{TTL: 5 * time.Minute},
		Auth:     AuthConfig{CacheTTL: 30 * time.Second},
		Audit:    AuditConfig{RingSize: 1000},
	}
}

// Load reads the YAML file at path (if non-empty), expands $VAR
// references, applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		expanded := os.ExpandEnv(string(raw))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values so minimal config files work.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Server.ClientRPS == 0 {
		c.Server.ClientRPS = def.Server.ClientRPS
	}
	if c.Server.ClientBurst == 0 {
		c.Server.ClientBurst = def.Server.ClientBurst
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Transport.Backoff == (transport.Backoff{}) {
		c.Transport.Backoff = def.Transport.Backoff
	}
	if c.Transport.RequestTimeout == 0 {
		c.Transport.RequestTimeout = def.Transport.RequestTimeout
	}
	if c.RateLimit.PerMinute == 0 {
		c.RateLimit.PerMinute = def.RateLimit.PerMinute
	}
	if c.RateLimit.PerHour == 0 {
		c.RateLimit.PerHour = def.RateLimit.PerHour
	}
	if c.RateLimit.Cooldown == 0 {
		c.RateLimit.Cooldown = def.RateLimit.Cooldown
	}
	if c.Registry.TTL == 0 {
		c.Registry.TTL = def.Registry.TTL
	}
	if c.Auth.CacheTTL == 0 {
		c.Auth.CacheTTL = def.Auth.CacheTTL
	}
	if c.Audit.RingSize == 0 {
		c.Audit.RingSize = def.Audit.RingSize
	}
}

// loadFromEnv applies environment overrides on top of file values.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("TOOLGATE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("TOOLGATE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("TOOLGATE_WORKSPACE_ROOT"); v != "" {
		c.Validation.WorkspaceRoot = v
	}
	if v := os.Getenv("TOOLGATE_POSTGRES_DSN"); v != "" {
		c.Auth.PostgresDSN = v
	}
	if v := os.Getenv("TOOLGATE_CLICKHOUSE_DSN"); v != "" {
		c.Audit.ClickHouseDSN = v
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.RateLimit.PerMinute < 0 || c.RateLimit.PerHour < 0 {
		return fmt.Errorf("%w: negative rate limits", ErrInvalidConfig)
	}
	if c.RateLimit.PerMinute > c.RateLimit.PerHour {
		return fmt.Errorf("%w: per_minute exceeds per_hour", ErrInvalidConfig)
	}
	if c.Auth.PostgresDSN == "" && len(c.Auth.StaticKeys) == 0 {
		return fmt.Errorf("%w: no authentication source (postgres_dsn or static_keys)", ErrInvalidConfig)
	}
	for i, k := range c.Auth.StaticKeys {
		if len(k.Key) < 12 {
			return fmt.Errorf("%w: static_keys[%d] key too short", ErrInvalidConfig, i)
		}
		if k.Role == "" {
			return fmt.Errorf("%w: static_keys[%d] missing role", ErrInvalidConfig, i)
		}
	}
	for name, s := range c.Transport.StdioServers {
		if s.Command == "" {
			return fmt.Errorf("%w: stdio server %q missing command", ErrInvalidConfig, name)
		}
	}
	return nil
}

// RateLimiterConfig converts the YAML shape into the limiter's config.
func (c *Config) RateLimiterConfig() ratelimit.Config {
	out := ratelimit.Config{
		Default: ratelimit.Limits{
			PerMinute: c.RateLimit.PerMinute,
			PerHour:   c.RateLimit.PerHour,
			Cooldown:  c.RateLimit.Cooldown,
		},
	}
	if len(c.RateLimit.Overrides) > 0 {
		out.Overrides = make(map[string]ratelimit.Limits, len(c.RateLimit.Overrides))
		for prefix, l := range c.RateLimit.Overrides {
			out.Overrides[prefix] = ratelimit.Limits{
				PerMinute: l.PerMinute,
				PerHour:   l.PerHour,
				Cooldown:  l.Cooldown,
			}
		}
	}
	return out
}

// TransportPolicy converts the YAML shape into the transport's config.
func (c *Config) TransportPolicy() transport.Config {
	return transport.Config{
		StdioServers:   c.Transport.StdioServers,
		AllowedHosts:   c.Transport.AllowedHosts,
		Backoff:        c.Transport.Backoff,
		RequestTimeout: c.Transport.RequestTimeout,
	}
}
