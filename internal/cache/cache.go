package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marcogenualdo/session-sync/internal/config"
)

var ErrNotFound = errors.New("key not found")

// Cache is the shared key-value store behind backend sessions, CSRF issuance
// records and rate-limit windows. Get returns ErrNotFound for missing or
// expired keys.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Increment adds one to the counter at key and returns the new value.
	// The ttl applies only when the counter is created.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Close() error
}

func New(cfg config.CacheConfig) (Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryCache(), nil
	case "redis":
		if cfg.Redis == nil {
			return nil, errors.New("cache: redis section missing")
		}
		return NewRedisCache(*cfg.Redis)
	default:
		return nil, fmt.Errorf("cache: unsupported type %q", cfg.Type)
	}
}
