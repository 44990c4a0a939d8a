package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
identity:
  type: jwt
  jwt:
    secret: "0123456789abcdef0123456789abcdef"
    issuer: "https://idp.example.com"
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "session_id", cfg.Server.CookieName)
	assert.Equal(t, time.Hour, cfg.Server.SessionTTL)
	assert.Equal(t, 5*time.Minute, cfg.Server.ReverifyInterval)
	assert.Equal(t, 30*time.Minute, cfg.Server.RotateAfter)
	assert.Equal(t, "csrftoken", cfg.CSRF.CookieName)
	assert.Equal(t, "x-csrftoken", cfg.CSRF.HeaderName)
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 10, cfg.RateLimit.Requests)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("IDENTITY_JWT_SECRET", "ffffffffffffffffffffffffffffffffffff")
	t.Setenv("DATABASE_DSN", "file:test.db")

	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "ffffffffffffffffffffffffffffffffffff", cfg.Identity.JWT.Secret)
	assert.Equal(t, "file:test.db", cfg.Database.DSN)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown identity type", func(c *Config) { c.Identity.Type = "saml" }},
		{"short jwt secret", func(c *Config) { c.Identity.JWT.Secret = "short" }},
		{"bad same site", func(c *Config) { c.Server.CookieSameSite = "loose" }},
		{"same site none without secure", func(c *Config) { c.Server.CookieSameSite = "none" }},
		{"csrf cookie clashes with session cookie", func(c *Config) { c.CSRF.CookieName = c.Server.CookieName }},
		{"redis without address", func(c *Config) { c.Cache.Type = "redis"; c.Cache.Redis = &RedisConfig{} }},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }},
		{"relative backend url", func(c *Config) { c.Backend.URL = "/upstream" }},
		{"bad cors origin", func(c *Config) { c.Server.CORSAllowedOrigins = []string{"localhost"} }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(minimalYAML))
			require.NoError(t, err)

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
