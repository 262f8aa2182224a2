package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T) (Cache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "mcpagent"), s
}

func TestRedisPutGet(t *testing.T) {
	ctx := context.Background()
	c, _ := newRedisCache(t)

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	c.Put(ctx, "k1", "v1", time.Minute)
	v, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestRedisTTL(t *testing.T) {
	ctx := context.Background()
	c, s := newRedisCache(t)

	c.Put(ctx, "k1", "v1", time.Minute)
	_, ok := c.Get(ctx, "k1")
	require.True(t, ok)

	s.FastForward(2 * time.Minute)
	_, ok = c.Get(ctx, "k1")
	assert.False(t, ok)
}

func TestRedisUnavailableIsMiss(t *testing.T) {
	ctx := context.Background()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	c := NewRedis(client, "mcpagent")
	s.Close()

	// advisory: backend failure is a miss, never an error
	c.Put(ctx, "k1", "v1", time.Minute)
	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)
}
