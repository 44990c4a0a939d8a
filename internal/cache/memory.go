package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type MemoryCache struct {
	c *gocache.Cache
	// go-cache has no atomic add-or-increment, so counters take this lock.
	incrMu sync.Mutex
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{c: gocache.New(gocache.NoExpiration, time.Minute)}
}

func (mc *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := mc.c.Get(key)
	if !ok {
		return nil, ErrNotFound
	}

	value, ok := v.([]byte)
	if !ok {
		return nil, ErrNotFound
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	return valueCopy, nil
}

func (mc *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	mc.c.Set(key, valueCopy, ttl)
	return nil
}

func (mc *MemoryCache) Delete(ctx context.Context, key string) error {
	mc.c.Delete(key)
	return nil
}

func (mc *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := mc.c.Get(key)
	return ok, nil
}

func (mc *MemoryCache) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	mc.incrMu.Lock()
	defer mc.incrMu.Unlock()

	if err := mc.c.Add(key, int64(1), ttl); err == nil {
		return 1, nil
	}

	return mc.c.IncrementInt64(key, 1)
}

func (mc *MemoryCache) Close() error {
	mc.c.Flush()
	return nil
}
