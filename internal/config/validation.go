package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.validateCSRF(); err != nil {
		return fmt.Errorf("csrf config: %w", err)
	}

	if err := c.validateIdentity(); err != nil {
		return fmt.Errorf("identity config: %w", err)
	}

	if err := c.validateCache(); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}

	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.validateBackend(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}

	if err := c.validateRateLimit(); err != nil {
		return fmt.Errorf("rate_limit config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.BaseURL != "" {
		if _, err := url.Parse(c.Server.BaseURL); err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
	}

	sameSite := strings.ToLower(c.Server.CookieSameSite)
	if sameSite != "lax" && sameSite != "strict" && sameSite != "none" {
		return fmt.Errorf("invalid cookie_same_site: %s (must be lax, strict, or none)", c.Server.CookieSameSite)
	}

	if sameSite == "none" && !c.Server.CookieSecure {
		return fmt.Errorf("cookie_same_site none requires cookie_secure")
	}

	if c.Server.SessionTTL < time.Minute {
		return fmt.Errorf("session_ttl must be at least 1 minute")
	}

	if c.Server.ReverifyInterval < 0 {
		return fmt.Errorf("reverify_interval must not be negative")
	}

	for _, origin := range c.Server.CORSAllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid cors origin: %s", origin)
		}
	}

	return nil
}

func (c *Config) validateCSRF() error {
	if c.CSRF.CookieName == c.Server.CookieName {
		return fmt.Errorf("cookie_name must differ from the session cookie name")
	}

	if c.CSRF.TTL < time.Minute {
		return fmt.Errorf("ttl must be at least 1 minute")
	}

	return nil
}

func (c *Config) validateIdentity() error {
	switch c.Identity.Type {
	case "oidc":
		return validateOIDCConfig(c.Identity.OIDC)
	case "jwt":
		return validateJWTConfig(c.Identity.JWT)
	default:
		return fmt.Errorf("invalid type: %q (must be oidc or jwt)", c.Identity.Type)
	}
}

func validateOIDCConfig(cfg *OIDCConfig) error {
	if cfg == nil {
		return fmt.Errorf("oidc config is required")
	}

	if cfg.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	if _, err := url.Parse(cfg.Issuer); err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if cfg.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}

	return nil
}

func validateJWTConfig(cfg *JWTConfig) error {
	if cfg == nil {
		return fmt.Errorf("jwt config is required")
	}

	if len(cfg.Secret) < 32 {
		return fmt.Errorf("secret must be at least 32 bytes")
	}

	return nil
}

func (c *Config) validateCache() error {
	if c.Cache.Type != "memory" && c.Cache.Type != "redis" {
		return fmt.Errorf("invalid type: %s (must be memory or redis)", c.Cache.Type)
	}

	if c.Cache.Type == "redis" {
		if c.Cache.Redis == nil {
			return fmt.Errorf("redis config is required when type is redis")
		}
		if c.Cache.Redis.Address == "" {
			return fmt.Errorf("redis address is required")
		}
	}

	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "memory":
		return nil
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("dsn is required for driver %s", c.Database.Driver)
		}
		return nil
	default:
		return fmt.Errorf("invalid driver: %s (must be memory, postgres, or sqlite)", c.Database.Driver)
	}
}

func (c *Config) validateBackend() error {
	if c.Backend.URL == "" {
		return nil
	}

	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("url must be absolute: %s", c.Backend.URL)
	}

	if c.Backend.Timeout < 0 {
		return fmt.Errorf("timeout must be positive")
	}

	return nil
}

func (c *Config) validateRateLimit() error {
	if c.RateLimit.Requests < 0 {
		return fmt.Errorf("requests must not be negative")
	}

	if c.RateLimit.Window < time.Second {
		return fmt.Errorf("window must be at least 1 second")
	}

	return nil
}

func (c *Config) validateLogging() error {
	level := strings.ToLower(c.Logging.Level)
	if level != "debug" && level != "info" && level != "warn" && level != "error" {
		return fmt.Errorf("invalid level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	format := strings.ToLower(c.Logging.Format)
	if format != "json" && format != "text" {
		return fmt.Errorf("invalid format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
