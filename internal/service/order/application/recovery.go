// internal/service/order/application/recovery.go
package application

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"fulfillment/internal/lock"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/service/order/domain"
	txdomain "fulfillment/internal/service/txlog/domain"
)

// RecoveryAction 恢复扫描对一条悬挂事务的处理结果
type RecoveryAction string

const (
	ActionConfirm RecoveryAction = "confirm"
	ActionCancel  RecoveryAction = "cancel"
	ActionPending RecoveryAction = "pending" // 订单未支付也未过期，下一轮再看
	ActionSkipped RecoveryAction = "skipped" // 拿到锁时已经被其他流程处理
	ActionRetry   RecoveryAction = "retry"
)

const defaultRecoveryInterval = 30 * time.Second

// RecoveryOptions 恢复扫描参数
type RecoveryOptions struct {
	Interval    time.Duration
	Grace       time.Duration
	OrderExpiry time.Duration
	Batch       int
}

// RecoveryStats 单轮扫描的统计
type RecoveryStats struct {
	Scanned   int
	Confirmed int
	Canceled  int
	Pending   int
	Skipped   int
	Failed    int
}

// RecoveryScanner 周期性地把超过宽限期仍停在 TRY 的事务推进到终态。
// 进程内用 singleflight 保证不重入，多实例之间靠分布式锁。
type RecoveryScanner struct {
	svc   *OrderApplicationService
	opts  atomic.Pointer[RecoveryOptions]
	group singleflight.Group
	// cursor 上一轮扫到的最大 id，一直 pending 的记录不会挡住后面的记录
	cursor atomic.Int64
	now   func() time.Time
}

func NewRecoveryScanner(svc *OrderApplicationService, opts RecoveryOptions) *RecoveryScanner {
	r := &RecoveryScanner{svc: svc, now: time.Now}
	r.opts.Store(&opts)
	return r
}

// Reconfigure 热更新扫描参数，下一轮生效
func (r *RecoveryScanner) Reconfigure(opts RecoveryOptions) {
	r.opts.Store(&opts)
}

func (r *RecoveryScanner) options() RecoveryOptions {
	return *r.opts.Load()
}

// Run 按 Interval 循环扫描，直到 ctx 取消
func (r *RecoveryScanner) Run(ctx context.Context) error {
	interval := r.options().Interval
	if interval <= 0 {
		interval = defaultRecoveryInterval
	}
	logger.Ctx(ctx).Info().Dur("interval", interval).Dur("grace", r.options().Grace).Msg("✅ Recovery scanner started.")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Msg("recovery sweep failed, retry next cycle")
			}
			if next := r.options().Interval; next != interval && next > 0 {
				interval = next
				ticker.Reset(interval)
			}
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("🛑 Recovery scanner shutting down.")
			return nil
		}
	}
}

// RunOnce 执行一轮扫描。并发调用会合并成同一轮。
func (r *RecoveryScanner) RunOnce(ctx context.Context) (RecoveryStats, error) {
	v, err, _ := r.group.Do("sweep", func() (interface{}, error) {
		return r.sweep(ctx)
	})
	stats, _ := v.(RecoveryStats)
	return stats, err
}

func (r *RecoveryScanner) sweep(ctx context.Context) (stats RecoveryStats, err error) {
	ctx, span := r.svc.Tracer.Start(ctx, "recovery.Sweep")
	defer func() {
		span.SetAttributes(
			attribute.Int("recovery.scanned", stats.Scanned),
			attribute.Int("recovery.failed", stats.Failed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "recovery sweep failed")
		}
		span.End()
	}()

	opts := r.options()
	scene, module := r.svc.opts.BusinessScene, r.svc.opts.BusinessModule
	// 只尝试一次，拿不到说明另一个实例正在扫描；扫描期间由看门狗续期
	sweepLock := lock.Options{TTL: r.svc.opts.Lock.TTL, Wait: 0, Watchdog: true}
	err = lock.WithLock(ctx, r.svc.Locker, lock.RecoveryKey(scene, module), sweepLock, func(ctx context.Context) error {
		entries, err := r.svc.TxLog.FindInDoubt(ctx, scene, module, r.now().Add(-opts.Grace), r.cursor.Load(), opts.Batch)
		if err != nil {
			return err
		}
		// 不满一页说明已经扫到末尾，下一轮从头开始
		if opts.Batch <= 0 || len(entries) < opts.Batch {
			r.cursor.Store(0)
		} else {
			r.cursor.Store(entries[len(entries)-1].ID)
		}
		metrics.RecoveryInDoubt.Set(float64(len(entries)))
		stats.Scanned = len(entries)

		for _, entry := range entries {
			// 锁丢失后立即停止，剩下的交给拿到锁的实例
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			action, err := r.resolve(ctx, entry, opts.OrderExpiry)
			if err != nil {
				// 持久化失败不代表事务已解决，留给下一轮
				action = ActionRetry
				logger.Ctx(ctx).Warn().Err(err).Str("identifier", entry.Key.TransactionID).Msg("recovery failed, retry next cycle")
			}
			metrics.RecoveryResolvedTotal.WithLabelValues(string(action)).Inc()
			switch action {
			case ActionConfirm:
				stats.Confirmed++
			case ActionCancel:
				stats.Canceled++
			case ActionPending:
				stats.Pending++
			case ActionSkipped:
				stats.Skipped++
			case ActionRetry:
				stats.Failed++
			}
		}
		return nil
	})
	if errors.Is(err, lock.ErrLockTimeout) {
		span.AddEvent("Another instance is sweeping.")
		return stats, nil
	}
	if err == nil && stats.Scanned > 0 {
		logger.Ctx(ctx).Info().
			Int("scanned", stats.Scanned).
			Int("confirmed", stats.Confirmed).
			Int("canceled", stats.Canceled).
			Int("pending", stats.Pending).
			Int("failed", stats.Failed).
			Msg("recovery sweep finished")
	}
	return stats, err
}

// resolve 在事务锁内重新读取日志和订单后决定 Confirm 还是 Cancel，
// 与在线请求走同一套锁和幂等校验
func (r *RecoveryScanner) resolve(ctx context.Context, entry *txdomain.Entry, expiry time.Duration) (action RecoveryAction, err error) {
	identifier := entry.Key.TransactionID
	ctx, span := r.svc.Tracer.Start(ctx, "recovery.Resolve", trace.WithAttributes(attribute.String("tcc.identifier", identifier)))
	defer func() {
		span.SetAttributes(attribute.String("recovery.action", string(action)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	err = lock.WithLock(ctx, r.svc.Locker, lock.TransactionKey(identifier), r.svc.opts.Lock, func(ctx context.Context) error {
		current, err := r.svc.TxLog.Get(ctx, entry.Key)
		if err != nil {
			return err
		}
		if !current.InDoubt() {
			action = ActionSkipped
			return nil
		}

		order, err := r.svc.Orders.FindByIdentifier(ctx, identifier)
		if errors.Is(err, domain.ErrOrderNotFound) {
			// Try 之后、订单落库之前中断
			goodsID, qty, found, err := r.svc.Ledger.Reservation(ctx, identifier)
			if err != nil {
				return err
			}
			if !found {
				if _, err := r.svc.TxLog.Finalize(ctx, entry.Key, txdomain.PhaseCancel, txdomain.CancelRecovery); err != nil {
					return err
				}
			} else if err := r.svc.cancelInventory(ctx, goodsID, identifier, qty, txdomain.CancelRecovery); err != nil {
				return err
			}
			action = ActionCancel
			return nil
		}
		if err != nil {
			return err
		}

		switch {
		case order.Status == domain.StatusPaid:
			if err := r.svc.confirmInventory(ctx, order); err != nil {
				return err
			}
			action = ActionConfirm
		case order.Expired(r.now(), expiry):
			changed, err := r.svc.cancel(ctx, order, txdomain.CancelRecovery)
			if err != nil {
				return err
			}
			if changed {
				r.svc.publish(ctx, order, domain.OrderCanceled, txdomain.CancelRecovery)
			}
			action = ActionCancel
		default:
			action = ActionPending
		}
		return nil
	})
	return action, err
}
