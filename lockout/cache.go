package lockout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultWindow is how long a failure count lives after the last failure.
	DefaultWindow = 24 * time.Hour
	// DefaultCacheSize caps the number of usernames a MemoryCache tracks.
	DefaultCacheSize = 10000
)

// FailureCache is the fast failed-attempt counter, keyed by username. It is
// the only counter for usernames without a credential row. Counts expire a
// window after the most recent failure. Implementations must be safe for
// concurrent use.
type FailureCache interface {
	Increment(ctx context.Context, key string) (int64, error)
	Count(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// MemoryCache is a process-local FailureCache. It holds at most size keys
// and evicts the least recently failed one first.
type MemoryCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, int64]
}

// NewMemoryCache returns an empty MemoryCache. Non-positive arguments use
// DefaultCacheSize and DefaultWindow.
func NewMemoryCache(size int, window time.Duration) *MemoryCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryCache{lru: expirable.NewLRU[string, int64](size, nil, window)}
}

// Increment adds one to key, restarts its window and returns the new value.
func (c *MemoryCache) Increment(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := c.lru.Get(key)
	n++
	c.lru.Add(key, n)
	return n, nil
}

// Count returns the current value of key.
func (c *MemoryCache) Count(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := c.lru.Peek(key)
	return n, nil
}

// Reset drops key.
func (c *MemoryCache) Reset(_ context.Context, key string) error {
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of tracked keys.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Clear drops every key.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

// RedisCache is a FailureCache shared by every process using the same Redis.
// Each failure is an INCR followed by EXPIRE in one transaction.
type RedisCache struct {
	redis  redis.UniversalClient
	prefix string
	window time.Duration
}

// NewRedisCache returns a RedisCache storing counts under "<prefix>:<key>".
func NewRedisCache(client redis.UniversalClient, prefix string, window time.Duration) *RedisCache {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisCache{redis: client, prefix: prefix, window: window}
}

func (c *RedisCache) key(k string) string {
	return c.prefix + ":" + k
}

// Increment adds one to key and restarts its window.
func (c *RedisCache) Increment(ctx context.Context, key string) (int64, error) {
	k := c.key(key)
	var incr *redis.IntCmd
	_, err := c.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, c.window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Count returns the current value of key; missing keys count zero.
func (c *RedisCache) Count(ctx context.Context, key string) (int64, error) {
	n, err := c.redis.Get(ctx, c.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Reset drops key.
func (c *RedisCache) Reset(ctx context.Context, key string) error {
	return c.redis.Del(ctx, c.key(key)).Err()
}
