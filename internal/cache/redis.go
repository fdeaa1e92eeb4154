package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 500 * time.Millisecond

// RedisCache is the shared cache backend. All operations degrade gracefully:
// Get reports a miss on any Redis error and Set swallows write errors, so a
// cache outage costs hit rate, not availability.
type RedisCache struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisCache wraps an existing Redis client. The caller owns the client
// lifecycle.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, opTimeout: redisOpTimeout}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache: get failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache: set failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: del %s: %w", key, err)
	}
	return nil
}

// Entries counts stored entries by walking the cache keyspace. Unlike the hot
// path, this is an admin operation and uses the caller's deadline, not the
// short per-op timeout.
func (c *RedisCache) Entries(ctx context.Context) (int, error) {
	count := 0
	err := c.scanKeys(ctx, func(keys []string) error {
		count += len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Flush deletes every entry under the cache prefix and reports how many were
// removed. Other keyspaces on the same Redis (rate-limit windows) are
// untouched.
func (c *RedisCache) Flush(ctx context.Context) (int, error) {
	removed := 0
	err := c.scanKeys(ctx, func(keys []string) error {
		if len(keys) == 0 {
			return nil
		}
		n, err := c.client.Del(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("cache: flush del: %w", err)
		}
		removed += int(n)
		return nil
	})
	if err != nil {
		return removed, err
	}
	return removed, nil
}

func (c *RedisCache) scanKeys(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, keyPrefix+"*", 512).Result()
		if err != nil {
			return fmt.Errorf("cache: scan: %w", err)
		}
		if err := fn(keys); err != nil {
			return err
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (c *RedisCache) Close() error { return c.client.Close() }
