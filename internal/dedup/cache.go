// Package dedup drops trades already seen within a TTL and forwards the rest
// to the deduplicated topic.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Cache remembers keys for a TTL. Lookups never record anything, so a key is
// only remembered once its message was delivered.
type Cache interface {
	// IsDuplicate reports whether key is remembered under topic.
	IsDuplicate(ctx context.Context, topic, key string) (bool, error)

	// Remember records keys under topic for the TTL.
	Remember(ctx context.Context, topic string, keys ...string) error
}

// MemoryCache is an in-process TTL cache. Safe for concurrent use.
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]map[string]time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]map[string]time.Time),
	}
}

func (c *MemoryCache) IsDuplicate(_ context.Context, topic, key string) (bool, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	seen, ok := c.entries[topic][key]
	return ok && now.Sub(seen) <= c.ttl, nil
}

func (c *MemoryCache) Remember(_ context.Context, topic string, keys ...string) error {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entries, ok := c.entries[topic]
	if !ok {
		entries = make(map[string]time.Time)
		c.entries[topic] = entries
	}
	for _, key := range keys {
		entries[key] = now
	}
	return nil
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *MemoryCache) Cleanup() int {
	now := c.now()
	expired := 0

	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, keys := range c.entries {
		for key, seen := range keys {
			if now.Sub(seen) > c.ttl {
				delete(keys, key)
				expired++
			}
		}
		if len(keys) == 0 {
			delete(c.entries, topic)
		}
	}
	return expired
}

// Size is the number of keys currently held across topics.
func (c *MemoryCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, keys := range c.entries {
		n += len(keys)
	}
	return n
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (c *MemoryCache) RunCleanup(ctx context.Context, interval time.Duration, logger logrus.FieldLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Cleanup(); n > 0 {
				logger.WithField("expired", n).Info("Cleaned up expired cache entries")
			}
		}
	}
}

// redisClient is the part of *redis.Client the Redis cache uses.
type redisClient interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// RedisCache shares seen keys between dedup replicas. Keys expire on the
// server, so no cleanup loop is needed.
type RedisCache struct {
	rdb    redisClient
	ttl    time.Duration
	prefix string
}

func NewRedisCache(rdb redisClient, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: "dedup:"}
}

func (c *RedisCache) IsDuplicate(ctx context.Context, topic, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.key(topic, key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Remember writes all keys in one pipeline.
func (c *RedisCache) Remember(ctx context.Context, topic string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Set(ctx, c.key(topic, key), 1, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set %d keys: %w", len(keys), err)
	}
	return nil
}

func (c *RedisCache) key(topic, key string) string {
	return c.prefix + topic + ":" + key
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}
