// Package cache wraps a Redis client as a best-effort read-through
// cache: every operation's error is absorbed and logged, never surfaced
// to the caller, so a cache outage degrades to a DB fallback rather
// than an error response.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Cache is a best-effort JSON value cache.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// New returns a Cache backed by a Redis client built from url (e.g.
// "redis://host:6379/0").
func New(url string, ttl time.Duration, log zerolog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Cache{client: redis.NewClient(opts), ttl: ttl, log: log}, nil
}

// Close closes the underlying Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Get looks up key and unmarshals its value into dst. It reports false
// on a cache miss OR any cache error; the caller should treat both the
// same way (fall back to the source of truth).
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn().Err(err).Str("key", key).Msg("cache: get failed, treating as miss")
		}
		return false
	}
	if err := json.Unmarshal([]byte(val), dst); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache: unmarshal failed, treating as miss")
		return false
	}
	return true
}

// Set stores v under key with the cache's configured TTL. Failures are
// logged and otherwise ignored.
func (c *Cache) Set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache: marshal failed")
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache: set failed")
	}
}

// Invalidate deletes key. Failures are logged and otherwise ignored.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache: invalidate failed")
	}
}
