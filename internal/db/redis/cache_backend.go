package redisdb

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheBackend Redis 缓存后端，过期由 Redis 原生 TTL 处理
type CacheBackend struct {
	redis *redis.Client
}

// NewCacheBackend 创建 Redis 缓存后端
func NewCacheBackend(rdb *redis.Client) *CacheBackend {
	return &CacheBackend{redis: rdb}
}

func (c *CacheBackend) Name() string { return "redis" }

// Get 未命中返回 ok=false
func (c *CacheBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *CacheBackend) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return c.redis.Set(ctx, key, data, ttl).Err()
}

func (c *CacheBackend) Delete(ctx context.Context, key string) error {
	return c.redis.Del(ctx, key).Err()
}
