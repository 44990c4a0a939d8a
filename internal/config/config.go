package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	CSRF      CSRFConfig      `yaml:"csrf"`
	Identity  IdentityConfig  `yaml:"identity"`
	Cache     CacheConfig     `yaml:"cache"`
	Database  DatabaseConfig  `yaml:"database"`
	Backend   BackendConfig   `yaml:"backend"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	BaseURL            string        `yaml:"base_url"`
	CookieName         string        `yaml:"cookie_name"`
	CookieDomain       string        `yaml:"cookie_domain"`
	CookieSecure       bool          `yaml:"cookie_secure"`
	CookieSameSite     string        `yaml:"cookie_same_site"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
	ReverifyInterval   time.Duration `yaml:"reverify_interval"`
	RotateAfter        time.Duration `yaml:"rotate_after"` // negative disables rotation
	BindFingerprint    bool          `yaml:"bind_fingerprint"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins"`
}

type CSRFConfig struct {
	CookieName string        `yaml:"cookie_name"`
	HeaderName string        `yaml:"header_name"`
	TTL        time.Duration `yaml:"ttl"`
}

type IdentityConfig struct {
	Type    string        `yaml:"type"`
	Timeout time.Duration `yaml:"timeout"`
	OIDC    *OIDCConfig   `yaml:"oidc,omitempty"`
	JWT     *JWTConfig    `yaml:"jwt,omitempty"`
}

type OIDCConfig struct {
	Issuer   string `yaml:"issuer"`
	ClientID string `yaml:"client_id"`
}

type JWTConfig struct {
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

type CacheConfig struct {
	Type  string       `yaml:"type"`
	Redis *RedisConfig `yaml:"redis,omitempty"`
}

type RedisConfig struct {
	Address    string `yaml:"address"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"pool_size"`
	MaxRetries int    `yaml:"max_retries"`
	// KeyPrefix namespaces every key so several deployments can share a server.
	KeyPrefix string `yaml:"key_prefix"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// BackendConfig describes the optional first-party upstream served under /api/.
type BackendConfig struct {
	URL          string        `yaml:"url"`
	Timeout      time.Duration `yaml:"timeout"`
	PreserveHost bool          `yaml:"preserve_host"`
}

type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.setDefaults()
	cfg.loadSecretsFromEnv()

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.CookieName == "" {
		c.Server.CookieName = "session_id"
	}
	if c.Server.CookieSameSite == "" {
		c.Server.CookieSameSite = "lax"
	}
	if c.Server.SessionTTL == 0 {
		c.Server.SessionTTL = time.Hour
	}
	if c.Server.ReverifyInterval == 0 {
		c.Server.ReverifyInterval = 5 * time.Minute
	}
	if c.Server.RotateAfter == 0 {
		c.Server.RotateAfter = 30 * time.Minute
	}

	if c.CSRF.CookieName == "" {
		c.CSRF.CookieName = "csrftoken"
	}
	if c.CSRF.HeaderName == "" {
		c.CSRF.HeaderName = "x-csrftoken"
	}
	if c.CSRF.TTL == 0 {
		c.CSRF.TTL = 30 * time.Minute
	}

	if c.Identity.Timeout == 0 {
		c.Identity.Timeout = 5 * time.Second
	}

	if c.Cache.Type == "" {
		c.Cache.Type = "memory"
	}
	if c.Cache.Type == "redis" && c.Cache.Redis != nil {
		if c.Cache.Redis.PoolSize == 0 {
			c.Cache.Redis.PoolSize = 10
		}
		if c.Cache.Redis.MaxRetries == 0 {
			c.Cache.Redis.MaxRetries = 3
		}
		if c.Cache.Redis.KeyPrefix == "" {
			c.Cache.Redis.KeyPrefix = "session-sync:"
		}
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}

	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 30 * time.Second
	}

	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 10
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *Config) loadSecretsFromEnv() {
	if c.Identity.JWT != nil {
		if secret := os.Getenv("IDENTITY_JWT_SECRET"); secret != "" {
			c.Identity.JWT.Secret = secret
		}
	}

	if c.Identity.OIDC != nil {
		if clientID := os.Getenv("OIDC_CLIENT_ID"); clientID != "" {
			c.Identity.OIDC.ClientID = clientID
		}
	}

	if c.Cache.Type == "redis" && c.Cache.Redis != nil {
		if envPassword := os.Getenv("REDIS_PASSWORD"); envPassword != "" {
			c.Cache.Redis.Password = envPassword
		}
	}

	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
}
