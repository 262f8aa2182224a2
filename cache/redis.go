package cache

import (
	"context"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

// The Redis cache shares tool responses between engine instances. Keys are
// namespaced as /<prefix>/toolcache/<key>; TTL is delegated to Redis.

type redisCache struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed cache.
func NewRedis(client *redis.Client, prefix string) Cache {
	return &redisCache{
		client: client,
		prefix: prefix,
	}
}

func (c *redisCache) cacheKey(key string) string {
	return path.Join(c.prefix, "toolcache", key)
}

func (c *redisCache) Get(ctx context.Context, key string) (string, bool) {
	value, err := c.client.Get(ctx, c.cacheKey(key)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.ContextKV(ctx, xlog.WARNING, "reason", "redis_get", "err", err.Error())
		}
		return "", false
	}
	return value, true
}

func (c *redisCache) Put(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := c.client.Set(ctx, c.cacheKey(key), value, ttl).Err(); err != nil {
		logger.ContextKV(ctx, xlog.WARNING, "reason", "redis_set", "err", err.Error())
	}
}
