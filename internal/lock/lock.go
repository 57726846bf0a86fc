// internal/lock/lock.go
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fulfillment/internal/pkg/logger"
)

var (
	// ErrLockTimeout 在等待时间内未能获取到锁，调用方可以整体重试
	ErrLockTimeout = errors.New("lock: acquire timeout")
	// ErrNotOwner 释放一个不属于自己（或已过期）的锁
	ErrNotOwner = errors.New("lock: not owner")
	// ErrLockLost 续期失败，锁可能已经被别人拿走
	ErrLockLost = errors.New("lock: lost")
)

// Handle 表示一次成功的加锁，只在获取它的调用链内使用
type Handle struct {
	Key   string
	Token string
	// ExpiresAt 零值表示锁没有固定的过期时间
	ExpiresAt time.Time
}

// Locker 是分布式锁的统一抽象，Redis 与 ZooKeeper 各有一份实现。
//
// ttl 只对 Redis 生效。ZooKeeper 锁是临时节点，持有者会话失效时才自动释放，
// 返回的 Handle.ExpiresAt 为零值。
type Locker interface {
	// TryLock 在 wait 时间内尝试加锁，ttl 到期后锁自动释放
	TryLock(ctx context.Context, key string, ttl, wait time.Duration) (*Handle, error)
	// Unlock 只会释放 Handle 对应的锁，非持有者返回 ErrNotOwner
	Unlock(ctx context.Context, h *Handle) error
}

// Refresher 可以为持有中的锁续期
type Refresher interface {
	Refresh(ctx context.Context, h *Handle, ttl time.Duration) error
}

// Options 加锁参数
type Options struct {
	TTL  time.Duration
	Wait time.Duration
	// Watchdog 为 true 时每 TTL/3 续期一次，用于耗时不确定的临界区。
	// 续期失败会取消 fn 的 ctx，WithLock 返回 ErrLockLost。
	Watchdog bool
}

type heldKey struct{ key string }

// Held 判断当前调用链是否已经持有 key 对应的锁
func Held(ctx context.Context, key string) bool {
	_, ok := ctx.Value(heldKey{key}).(*Handle)
	return ok
}

// WithLock 在锁保护下执行 fn，无论 fn 如何返回都会释放锁。
// 同一调用链里对同一个 key 的嵌套调用直接执行 fn，不会再次加锁。
func WithLock(ctx context.Context, locker Locker, key string, opts Options, fn func(ctx context.Context) error) (err error) {
	if Held(ctx, key) {
		return fn(ctx)
	}
	h, err := locker.TryLock(ctx, key, opts.TTL, opts.Wait)
	if err != nil {
		return err
	}
	defer func() {
		// 释放锁不受业务 ctx 取消的影响
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		if uerr := locker.Unlock(unlockCtx, h); uerr != nil && err == nil && !errors.Is(uerr, ErrNotOwner) {
			err = uerr
		}
	}()

	fnCtx := context.WithValue(ctx, heldKey{key}, h)
	if r, ok := locker.(Refresher); ok && opts.Watchdog && opts.TTL > 0 {
		var stop func() error
		fnCtx, stop = watch(fnCtx, r, h, opts.TTL)
		defer func() {
			if lost := stop(); lost != nil && err == nil {
				err = lost
			}
		}()
	}
	return fn(fnCtx)
}

// watch 启动看门狗，stop 结束续期并返回锁丢失的原因
func watch(ctx context.Context, r Refresher, h *Handle, ttl time.Duration) (context.Context, func() error) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Refresh(ctx, h, ttl); err != nil {
					if ctx.Err() != nil {
						return
					}
					logger.Ctx(ctx).Warn().Err(err).Str("key", h.Key).Msg("watchdog failed to renew lock")
					cancel(fmt.Errorf("%w: %s: %v", ErrLockLost, h.Key, err))
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return ctx, func() error {
		close(done)
		wg.Wait()
		cause := context.Cause(ctx)
		cancel(nil)
		if errors.Is(cause, ErrLockLost) {
			return cause
		}
		return nil
	}
}
