// Package config provides configuration management for the signing service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Default configuration values.
const (
	DefaultServerPort        = 8080
	DefaultLogLevel          = "info"
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultMetricsEnabled    = true
	DefaultDataDir           = "./data"
	DefaultRateLimitWindow   = 60 * time.Second
	DefaultRateLimitCapacity = 30
	DefaultJWKSCacheTTL      = 5 * time.Minute
	DefaultKeyCacheTTL       = 5 * time.Minute
	DefaultFetchTimeout      = 10 * time.Second
)

// Environment variable names.
const (
	EnvAdminToken        = "ADMIN_TOKEN" //nolint:gosec // env var name, not a credential
	EnvKeyPassphrase     = "KEY_PASSPHRASE"
	EnvAllowedIssuers    = "ALLOWED_ISSUERS"
	EnvAllowedOrigins    = "ALLOWED_ORIGINS"
	EnvKeyID             = "KEY_ID"
	EnvOIDCAudience      = "OIDC_AUDIENCE"
	EnvDataDir           = "DATA_DIR"
	EnvAuditDBPath       = "AUDIT_DB_PATH"
	EnvServerPort        = "SERVER_PORT"
	EnvLogLevel          = "LOG_LEVEL"
	EnvMetricsEnabled    = "METRICS_ENABLED"
	EnvShutdownTimeout   = "SHUTDOWN_TIMEOUT"
	EnvRateLimitWindow   = "RATE_LIMIT_WINDOW"
	EnvRateLimitCapacity = "RATE_LIMIT_CAPACITY"
	EnvJWKSCacheTTL      = "JWKS_CACHE_TTL"
	EnvKeyCacheTTL       = "KEY_CACHE_TTL"
	EnvFetchTimeout      = "FETCH_TIMEOUT"
)

// Config holds the application configuration.
type Config struct {
	// Server settings.
	ServerPort      int
	LogLevel        string
	ShutdownTimeout time.Duration
	MetricsEnabled  bool

	// Signing settings.
	AdminToken     string
	KeyPassphrase  string
	AllowedIssuers []string
	AllowedOrigins []string
	DefaultKeyID   string
	OIDCAudience   string

	// Storage settings.
	DataDir     string
	AuditDBPath string

	// Limits and cache lifetimes.
	RateLimitWindow   time.Duration
	RateLimitCapacity int
	JWKSCacheTTL      time.Duration
	KeyCacheTTL       time.Duration
	FetchTimeout      time.Duration
}

// Validation errors.
var (
	ErrInvalidServerPort = errors.New("server port must be between 1 and 65535")
	ErrInvalidLogLevel   = errors.New("log level must be one of: debug, info, warn, error")
	ErrInvalidTimeout    = errors.New("timeouts and cache TTLs must be positive")
	ErrInvalidCapacity   = errors.New("rate limit capacity must be at least 1")
	ErrMissingAdminToken = errors.New("ADMIN_TOKEN must be set")
	ErrMissingIssuers    = errors.New("ALLOWED_ISSUERS must list at least one issuer URL")
	ErrInvalidIssuer     = errors.New("allowed issuers must be absolute https URLs")
)

// Load reads configuration from environment variables with defaults.
// Environment variables have priority over default values.
func Load() (*Config, error) {
	cfg := &Config{
		ServerPort:        DefaultServerPort,
		LogLevel:          DefaultLogLevel,
		ShutdownTimeout:   DefaultShutdownTimeout,
		MetricsEnabled:    DefaultMetricsEnabled,
		AllowedOrigins:    []string{"*"},
		DataDir:           DefaultDataDir,
		RateLimitWindow:   DefaultRateLimitWindow,
		RateLimitCapacity: DefaultRateLimitCapacity,
		JWKSCacheTTL:      DefaultJWKSCacheTTL,
		KeyCacheTTL:       DefaultKeyCacheTTL,
		FetchTimeout:      DefaultFetchTimeout,
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("loading config from environment: %w", err)
	}

	if cfg.AuditDBPath == "" {
		cfg.AuditDBPath = filepath.Join(cfg.DataDir, "audit.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadFromEnv loads configuration values from environment variables.
func (c *Config) loadFromEnv() error {
	if err := c.loadServerEnv(); err != nil {
		return err
	}

	c.loadSigningEnv()

	return c.loadLimitEnv()
}

// loadServerEnv loads server-related environment variables.
func (c *Config) loadServerEnv() error {
	if val := os.Getenv(EnvServerPort); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvServerPort, err)
		}
		c.ServerPort = port
	}

	if val := os.Getenv(EnvLogLevel); val != "" {
		c.LogLevel = val
	}

	if val := os.Getenv(EnvShutdownTimeout); val != "" {
		timeout, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvShutdownTimeout, err)
		}
		c.ShutdownTimeout = timeout
	}

	if val := os.Getenv(EnvMetricsEnabled); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvMetricsEnabled, err)
		}
		c.MetricsEnabled = enabled
	}

	return nil
}

// loadSigningEnv loads signing and storage environment variables.
func (c *Config) loadSigningEnv() {
	if val := os.Getenv(EnvAdminToken); val != "" {
		c.AdminToken = val
	}

	if val := os.Getenv(EnvKeyPassphrase); val != "" {
		c.KeyPassphrase = val
	}

	if val := os.Getenv(EnvAllowedIssuers); val != "" {
		c.AllowedIssuers = splitAndTrim(val)
	}

	if val := os.Getenv(EnvAllowedOrigins); val != "" {
		c.AllowedOrigins = splitAndTrim(val)
	}

	if val := os.Getenv(EnvKeyID); val != "" {
		c.DefaultKeyID = val
	}

	if val := os.Getenv(EnvOIDCAudience); val != "" {
		c.OIDCAudience = val
	}

	if val := os.Getenv(EnvDataDir); val != "" {
		c.DataDir = val
	}

	if val := os.Getenv(EnvAuditDBPath); val != "" {
		c.AuditDBPath = val
	}
}

// loadLimitEnv loads rate limit and cache lifetime environment variables.
func (c *Config) loadLimitEnv() error {
	if val := os.Getenv(EnvRateLimitWindow); val != "" {
		window, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvRateLimitWindow, err)
		}
		c.RateLimitWindow = window
	}

	if val := os.Getenv(EnvRateLimitCapacity); val != "" {
		capacity, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvRateLimitCapacity, err)
		}
		c.RateLimitCapacity = capacity
	}

	for _, f := range []struct {
		env string
		dst *time.Duration
	}{
		{EnvJWKSCacheTTL, &c.JWKSCacheTTL},
		{EnvKeyCacheTTL, &c.KeyCacheTTL},
		{EnvFetchTimeout, &c.FetchTimeout},
	} {
		if val := os.Getenv(f.env); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", f.env, err)
			}
			*f.dst = d
		}
	}

	return nil
}

// Validate checks if the configuration values are valid.
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return ErrInvalidServerPort
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return ErrInvalidLogLevel
	}

	if c.ShutdownTimeout <= 0 || c.RateLimitWindow <= 0 ||
		c.JWKSCacheTTL <= 0 || c.KeyCacheTTL <= 0 || c.FetchTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.RateLimitCapacity < 1 {
		return ErrInvalidCapacity
	}

	if c.AdminToken == "" {
		return ErrMissingAdminToken
	}

	if len(c.AllowedIssuers) == 0 {
		return ErrMissingIssuers
	}

	for _, issuer := range c.AllowedIssuers {
		u, err := url.Parse(issuer)
		if err != nil || !u.IsAbs() || u.Scheme != "https" || u.Host == "" {
			return fmt.Errorf("%w: %q", ErrInvalidIssuer, issuer)
		}
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *Config) Address() string {
	return fmt.Sprintf(":%d", c.ServerPort)
}

// splitAndTrim splits a comma-separated list, trimming whitespace and
// dropping empty entries.
func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
