package redisdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	applog "crisisrag/internal/platform/log"
)

var errLockNotOwned = errors.New("lock not owned")

// SourceLock 基于 Redis SETNX 的分布式锁，防止多个副本同时拉取同一数据源
type SourceLock struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	owner  string
}

// NewSourceLock 创建数据源锁，ttl 应大于单次拉取的最长耗时
func NewSourceLock(client *redis.Client, ttl time.Duration) *SourceLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SourceLock{
		client: client,
		ttl:    ttl,
		prefix: "crisisrag:lock:ingest:",
		owner:  uuid.NewString(),
	}
}

func (l *SourceLock) key(source string) string { return l.prefix + source }

// Acquire 获取锁，已被其他实例持有时返回 false
func (l *SourceLock) Acquire(ctx context.Context, source string) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key(source), l.owner, l.ttl).Result()
	if err != nil {
		applog.Warn("[SourceLock] Failed to acquire lock", "source", source, "error", err)
		return false, err
	}

	if acquired {
		applog.Debug("[SourceLock] Lock acquired", "source", source)
	} else {
		applog.Debug("[SourceLock] Lock already held", "source", source)
	}
	return acquired, nil
}

// Release 仅释放自己持有的锁（WATCH + 比较 owner）
func (l *SourceLock) Release(ctx context.Context, source string) error {
	key := l.key(source)
	err := l.client.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if owner != l.owner {
			return errLockNotOwned
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		applog.Debug("[SourceLock] Lock released", "source", source)
		return nil
	case errors.Is(err, errLockNotOwned):
		applog.Warn("[SourceLock] Lock expired and taken by another instance", "source", source)
		return nil
	default:
		applog.Warn("[SourceLock] Failed to release lock", "source", source, "error", err)
		return fmt.Errorf("release lock %s: %w", source, err)
	}
}
