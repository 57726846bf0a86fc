// internal/lock/redis_lock.go
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/pkg/redis"
)

const (
	unlockScriptName  = "lock_unlock"
	refreshScriptName = "lock_refresh"

	// 只有 token 匹配时才删除，避免误删别人的锁
	unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

	refreshScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

	minBackoff = 20 * time.Millisecond
	maxBackoff = 200 * time.Millisecond
)

// RedisLocker 基于 SET NX PX 的分布式锁
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker 创建 Redis 锁，prefix 为空时使用 "lock:"
func NewRedisLocker(client *redis.Client, prefix string) (*RedisLocker, error) {
	if prefix == "" {
		prefix = "lock:"
	}
	if err := client.LoadScriptFromContent(unlockScriptName, unlockScript); err != nil {
		return nil, err
	}
	if err := client.LoadScriptFromContent(refreshScriptName, refreshScript); err != nil {
		return nil, err
	}
	return &RedisLocker{client: client, prefix: prefix}, nil
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl, wait time.Duration) (*Handle, error) {
	start := time.Now()
	token := uuid.NewString()
	redisKey := l.prefix + key
	deadline := start.Add(wait)
	backoff := minBackoff

	for {
		ok, err := l.client.GetClient().SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			metrics.LockAcquireTotal.WithLabelValues("redis", "error").Inc()
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			metrics.LockAcquireTotal.WithLabelValues("redis", "ok").Inc()
			metrics.LockWaitSeconds.WithLabelValues("redis").Observe(time.Since(start).Seconds())
			return &Handle{Key: key, Token: token, ExpiresAt: time.Now().Add(ttl)}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			metrics.LockAcquireTotal.WithLabelValues("redis", "timeout").Inc()
			logger.Ctx(ctx).Warn().Str("key", key).Dur("wait", wait).Msg("lock acquire timeout")
			return nil, ErrLockTimeout
		}
		sleep := backoff
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (l *RedisLocker) Unlock(ctx context.Context, h *Handle) error {
	if h == nil {
		return ErrNotOwner
	}
	res, err := l.client.RunScript(ctx, unlockScriptName, []string{l.prefix + h.Key}, h.Token)
	if err != nil {
		return fmt.Errorf("unlock %s: %w", h.Key, err)
	}
	if n, _ := res.(int64); n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Refresh 为仍然持有的锁续期
func (l *RedisLocker) Refresh(ctx context.Context, h *Handle, ttl time.Duration) error {
	res, err := l.client.RunScript(ctx, refreshScriptName, []string{l.prefix + h.Key}, h.Token, ttl.Milliseconds())
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("refresh %s: %w", h.Key, err)
	}
	if n, _ := res.(int64); n == 0 {
		return ErrNotOwner
	}
	h.ExpiresAt = time.Now().Add(ttl)
	return nil
}
