// ABOUTME: Configuration loading and parsing for tollgate
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MaxCodeTTL is the longest lifetime an authorization code may be configured with.
const MaxCodeTTL = 10 * time.Minute

// minRoundTripSecret is the minimum length of the consent ticket signing key.
const minRoundTripSecret = 32

// Config represents the complete tollgate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	OAuth     OAuthConfig     `yaml:"oauth" toml:"oauth"`
	Tokens    TokensConfig    `yaml:"tokens" toml:"tokens"`
	Clients   []ClientConfig  `yaml:"clients" toml:"clients"`
	Login     LoginConfig     `yaml:"login" toml:"login"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the listen address and the public base URL
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// Issuer is the externally visible base URL used in metadata and challenges.
	// If empty it falls back to TOLLGATE_ISSUER, then to the listen address.
	Issuer string `yaml:"issuer" toml:"issuer"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// Database drivers.
const (
	DriverSQLite  = "sqlite"  // modernc.org/sqlite
	DriverSQLite3 = "sqlite3" // github.com/mattn/go-sqlite3
	DriverMemory  = "memory"
	DriverRedis   = "redis"
)

// DatabaseConfig selects and configures the credential store backend
type DatabaseConfig struct {
	Driver string      `yaml:"driver" toml:"driver"`
	Path   string      `yaml:"path" toml:"path"`
	Redis  RedisConfig `yaml:"redis" toml:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	Password  string `yaml:"password" toml:"password"`
	DB        int    `yaml:"db" toml:"db"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
}

// OAuthConfig holds authorization server settings
type OAuthConfig struct {
	Scopes                   []string `yaml:"scopes" toml:"scopes"`
	DefaultScopes            []string `yaml:"default_scopes" toml:"default_scopes"`
	RequirePKCE              bool     `yaml:"require_pkce" toml:"require_pkce"`
	AllowPlainPKCE           bool     `yaml:"allow_plain_pkce" toml:"allow_plain_pkce"`
	AllowDynamicRegistration *bool    `yaml:"allow_dynamic_registration" toml:"allow_dynamic_registration"`
	RoundTripSecret          string   `yaml:"round_trip_secret" toml:"round_trip_secret"`

	CodeTTL    time.Duration `yaml:"-" toml:"-"`
	ConsentTTL time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	CodeTTLRaw    string `yaml:"code_ttl" toml:"code_ttl"`
	ConsentTTLRaw string `yaml:"consent_ttl" toml:"consent_ttl"`
}

// DynamicRegistrationEnabled reports whether POST /oauth/register is served.
// Unset means enabled.
func (o OAuthConfig) DynamicRegistrationEnabled() bool {
	return o.AllowDynamicRegistration == nil || *o.AllowDynamicRegistration
}

// TokensConfig holds token lifetimes and issuance policy
type TokensConfig struct {
	IssueRefreshTokens  *bool `yaml:"issue_refresh_tokens" toml:"issue_refresh_tokens"`
	RotateRefreshTokens *bool `yaml:"rotate_refresh_tokens" toml:"rotate_refresh_tokens"`
	RevokeOnCodeReplay  *bool `yaml:"revoke_on_code_replay" toml:"revoke_on_code_replay"`

	AccessTTL  time.Duration `yaml:"-" toml:"-"`
	RefreshTTL time.Duration `yaml:"-" toml:"-"` // 0 means refresh tokens never expire

	AccessTTLRaw  string `yaml:"access_ttl" toml:"access_ttl"`
	RefreshTTLRaw string `yaml:"refresh_ttl" toml:"refresh_ttl"`
}

// ClientConfig is a statically registered OAuth client
type ClientConfig struct {
	ClientID     string   `yaml:"client_id" toml:"client_id"`
	ClientName   string   `yaml:"client_name" toml:"client_name"`
	RedirectURIs []string `yaml:"redirect_uris" toml:"redirect_uris"`
	// ClientSecretHash is a bcrypt hash (see `tollgate hash-password`); empty for public clients.
	ClientSecretHash string `yaml:"client_secret_hash" toml:"client_secret_hash"`
	// TokenEndpointAuthMethod is client_secret_basic (the default) or client_secret_post.
	TokenEndpointAuthMethod string `yaml:"token_endpoint_auth_method" toml:"token_endpoint_auth_method"`
}

// Login modes.
const (
	LoginStatic = "static"
	LoginMock   = "mock"
)

// LoginConfig configures the login collaborator
type LoginConfig struct {
	Mode       string       `yaml:"mode" toml:"mode"`
	MockUserID string       `yaml:"mock_user_id" toml:"mock_user_id"`
	Users      []UserConfig `yaml:"users" toml:"users"`
}

// UserConfig is a user for the static login mode
type UserConfig struct {
	Username     string `yaml:"username" toml:"username"`
	UserID       string `yaml:"user_id" toml:"user_id"`
	PasswordHash string `yaml:"password_hash" toml:"password_hash"`
}

// SessionsConfig holds tool session timing configuration
type SessionsConfig struct {
	OutboundBuffer int `yaml:"outbound_buffer" toml:"outbound_buffer"`

	IdleTimeout   time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`
	ToolTimeout   time.Duration `yaml:"-" toml:"-"`

	IdleTimeoutRaw   string `yaml:"idle_timeout" toml:"idle_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
	ToolTimeoutRaw   string `yaml:"tool_timeout" toml:"tool_timeout"`
}

// RateLimitConfig limits requests per client IP on the credential endpoints
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
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

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills in zero values. Durations must already be parsed.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if len(c.OAuth.Scopes) == 0 {
		c.OAuth.Scopes = []string{"read_data", "write_data"}
	}
	if c.OAuth.CodeTTL == 0 {
		c.OAuth.CodeTTL = MaxCodeTTL
	}
	if c.OAuth.ConsentTTL == 0 {
		c.OAuth.ConsentTTL = 10 * time.Minute
	}
	if c.Tokens.AccessTTL == 0 {
		c.Tokens.AccessTTL = time.Hour
	}
	// An explicit zero refresh_ttl means refresh tokens never expire
	if c.Tokens.RefreshTTLRaw == "" {
		c.Tokens.RefreshTTL = 30 * 24 * time.Hour
	}
	if c.Login.Mode == "" {
		c.Login.Mode = LoginStatic
	}
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = 30 * time.Minute
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = 30 * time.Second
	}
	if c.Sessions.ToolTimeout == 0 {
		c.Sessions.ToolTimeout = 30 * time.Second
	}
	if c.Sessions.OutboundBuffer == 0 {
		c.Sessions.OutboundBuffer = 32
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 5
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// IssueRefresh reports whether the token endpoint hands out refresh tokens.
func (t TokensConfig) IssueRefresh() bool {
	return t.IssueRefreshTokens == nil || *t.IssueRefreshTokens
}

// RotateRefresh reports whether refresh tokens are replaced on use.
func (t TokensConfig) RotateRefresh() bool {
	return t.RotateRefreshTokens == nil || *t.RotateRefreshTokens
}

// RevokeOnReplay reports whether replaying a consumed code revokes its tokens.
func (t TokensConfig) RevokeOnReplay() bool {
	return t.RevokeOnCodeReplay == nil || *t.RevokeOnCodeReplay
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
	if c.Server.Issuer != "" {
		u, err := url.Parse(c.Server.Issuer)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("server.issuer must be an absolute URL, got %q", c.Server.Issuer)
		}
		if u.RawQuery != "" || u.Fragment != "" {
			return fmt.Errorf("server.issuer must not have a query or fragment")
		}
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverSQLite3:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the %s driver", c.Database.Driver)
		}
	case DriverRedis:
		if c.Database.Redis.Addr == "" {
			return fmt.Errorf("database.redis.addr is required for the redis driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	if len(c.OAuth.RoundTripSecret) < minRoundTripSecret {
		return fmt.Errorf("oauth.round_trip_secret must be at least %d bytes", minRoundTripSecret)
	}
	if c.OAuth.CodeTTL > MaxCodeTTL {
		return fmt.Errorf("oauth.code_ttl must not exceed %s", MaxCodeTTL)
	}
	for _, s := range c.OAuth.Scopes {
		if s == "" || strings.ContainsAny(s, " \"\\") {
			return fmt.Errorf("oauth.scopes contains invalid scope %q", s)
		}
	}
	for _, s := range c.OAuth.DefaultScopes {
		if !slices.Contains(c.OAuth.Scopes, s) {
			return fmt.Errorf("oauth.default_scopes contains unknown scope %q", s)
		}
	}

	if c.Tokens.AccessTTL < 0 || c.Tokens.RefreshTTL < 0 {
		return fmt.Errorf("token lifetimes must not be negative")
	}

	seen := make(map[string]bool, len(c.Clients))
	for i, cl := range c.Clients {
		if cl.ClientID == "" {
			return fmt.Errorf("clients[%d].client_id is required", i)
		}
		if seen[cl.ClientID] {
			return fmt.Errorf("clients[%d].client_id %q is duplicated", i, cl.ClientID)
		}
		seen[cl.ClientID] = true
		if len(cl.RedirectURIs) == 0 {
			return fmt.Errorf("clients[%d].redirect_uris is required", i)
		}
		switch cl.TokenEndpointAuthMethod {
		case "", "client_secret_basic", "client_secret_post":
		default:
			return fmt.Errorf("clients[%d].token_endpoint_auth_method %q is not supported", i, cl.TokenEndpointAuthMethod)
		}
	}

	switch c.Login.Mode {
	case LoginStatic:
		for i, u := range c.Login.Users {
			if u.Username == "" || u.PasswordHash == "" {
				return fmt.Errorf("login.users[%d] needs username and password_hash", i)
			}
		}
	case LoginMock:
		if c.Login.MockUserID == "" {
			return fmt.Errorf("login.mock_user_id is required in mock mode")
		}
	default:
		return fmt.Errorf("unknown login.mode %q", c.Login.Mode)
	}

	if c.Sessions.OutboundBuffer < 0 {
		return fmt.Errorf("sessions.outbound_buffer must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
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
		{"oauth.code_ttl", cfg.OAuth.CodeTTLRaw, &cfg.OAuth.CodeTTL},
		{"oauth.consent_ttl", cfg.OAuth.ConsentTTLRaw, &cfg.OAuth.ConsentTTL},
		{"tokens.access_ttl", cfg.Tokens.AccessTTLRaw, &cfg.Tokens.AccessTTL},
		{"tokens.refresh_ttl", cfg.Tokens.RefreshTTLRaw, &cfg.Tokens.RefreshTTL},
		{"sessions.idle_timeout", cfg.Sessions.IdleTimeoutRaw, &cfg.Sessions.IdleTimeout},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
		{"sessions.tool_timeout", cfg.Sessions.ToolTimeoutRaw, &cfg.Sessions.ToolTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
