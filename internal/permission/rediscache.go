package permission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"orgmesh.org/internal/obs"
)

const redisKeyPrefix = "perm"

// RedisCache shares permission decisions between processes serving the same
// store. Failures degrade to cache misses; they are never surfaced to checks.
type RedisCache struct {
	client *redis.Client
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache connects to the given URL and verifies the connection.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

// NewRedisCacheWithClient wraps an existing client, for tests.
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key CacheKey) (bool, bool) {
	val, err := c.client.Get(ctx, cacheKeyString(redisKeyPrefix, key)).Result()
	if err == redis.Nil {
		return false, false
	}
	if err != nil {
		c.logError("get", err)
		return false, false
	}
	return val == "1", true
}

func (c *RedisCache) Set(ctx context.Context, key CacheKey, granted bool, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	val := "0"
	if granted {
		val = "1"
	}
	if err := c.client.Set(ctx, cacheKeyString(redisKeyPrefix, key), val, ttl).Err(); err != nil {
		c.logError("set", err)
	}
}

func (c *RedisCache) InvalidateOrg(ctx context.Context, orgID, userDID string) {
	pattern := redisKeyPrefix + ":" + orgID + ":*"
	if userDID != "" {
		pattern = redisKeyPrefix + ":" + orgID + ":" + userDID + ":*"
	}
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logError("scan", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logError("del", err)
	}
}

func (c *RedisCache) logError(op string, err error) {
	obs.LogEvent(map[string]any{
		"level": "warn",
		"msg":   "permission cache redis error",
		"op":    op,
		"error": err.Error(),
	})
}
