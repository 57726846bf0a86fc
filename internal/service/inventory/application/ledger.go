// internal/service/inventory/application/ledger.go
package application

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/lock"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/service/inventory/domain"
)

const metricModule = "inventory"

// Ledger 库存账本，所有操作都以 identifier 幂等。
// 同一商品的全部写操作在商品锁内串行执行。
type Ledger struct {
	repo     domain.Repository
	locker   lock.Locker
	lockOpts lock.Options
	tracer   trace.Tracer
}

func NewLedger(repo domain.Repository, locker lock.Locker, lockOpts lock.Options, tracer trace.Tracer) *Ledger {
	return &Ledger{repo: repo, locker: locker, lockOpts: lockOpts, tracer: tracer}
}

// withGoodsLock 调用方已持有商品锁时直接执行
func (l *Ledger) withGoodsLock(ctx context.Context, goodsID string, fn func(ctx context.Context) error) error {
	return lock.WithLock(ctx, l.locker, lock.GoodsKey(goodsID), l.lockOpts, fn)
}

func (l *Ledger) startSpan(ctx context.Context, name, goodsID, identifier string, qty int64) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("goods.id", goodsID),
		attribute.String("tcc.identifier", identifier),
		attribute.Int64("quantity", qty),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TryDecrease 预扣库存。
// 同一 identifier 重放时直接返回已记录的结果，商品或数量不一致返回 ErrQuantityMismatch；
// 库存不足返回 false，不是错误。
func (l *Ledger) TryDecrease(ctx context.Context, goodsID, identifier string, qty int64) (ok bool, err error) {
	ctx, span := l.startSpan(ctx, "ledger.TryDecrease", goodsID, identifier, qty)
	defer func() {
		span.SetAttributes(attribute.Bool("tcc.reserved", ok))
		metrics.TCCPhaseTotal.WithLabelValues(metricModule, string(domain.EventTry), tryResult(ok, err)).Inc()
		endSpan(span, err)
	}()
	if qty <= 0 {
		return false, domain.ErrInvalidQuantity
	}

	err = l.withGoodsLock(ctx, goodsID, func(ctx context.Context) error {
		entries, err := l.repo.FindEntries(ctx, identifier)
		if err != nil {
			return err
		}
		if entries.Find(domain.EventTry) != nil {
			// 重放必须是同一个商品、同样的数量
			if _, err := matchTry(entries, goodsID, qty); err != nil {
				return err
			}
			logger.Ctx(ctx).Info().Str("identifier", identifier).Msg("try decrease replayed")
			ok = true
			return nil
		}
		if entries.Find(domain.EventCancel) != nil {
			return domain.ErrAlreadyCanceled
		}

		record, err := l.repo.Get(ctx, goodsID)
		if err != nil {
			return err
		}
		expected := record.Version
		if !record.Reserve(qty) {
			logger.Ctx(ctx).Info().Str("goods_id", goodsID).Int64("available", record.Available).Int64("qty", qty).Msg("insufficient stock")
			return nil
		}
		if err := l.repo.ApplyMutation(ctx, record, expected, newEntry(goodsID, identifier, domain.EventTry, qty)); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// ConfirmDecrease 把 Try 预扣的数量永久扣除，可重复调用
func (l *Ledger) ConfirmDecrease(ctx context.Context, goodsID, identifier string, qty int64) (err error) {
	ctx, span := l.startSpan(ctx, "ledger.ConfirmDecrease", goodsID, identifier, qty)
	defer func() {
		metrics.TCCPhaseTotal.WithLabelValues(metricModule, string(domain.EventConfirm), metrics.Result(err)).Inc()
		endSpan(span, err)
	}()

	return l.withGoodsLock(ctx, goodsID, func(ctx context.Context) error {
		entries, err := l.repo.FindEntries(ctx, identifier)
		if err != nil {
			return err
		}
		if entries.Find(domain.EventConfirm) != nil {
			return nil
		}
		try, err := matchTry(entries, goodsID, qty)
		if err != nil {
			return err
		}
		if entries.Find(domain.EventCancel) != nil {
			return domain.ErrAlreadyCanceled
		}
		return l.mutate(ctx, goodsID, newEntry(goodsID, identifier, domain.EventConfirm, try.Quantity), func(r *domain.InventoryRecord) error {
			return r.Commit(try.Quantity)
		})
	})
}

// CancelDecrease 回滚 Try，可重复调用；已确认或从未 Try 时返回 ErrInvalidPhaseTransition
func (l *Ledger) CancelDecrease(ctx context.Context, goodsID, identifier string, qty int64) (err error) {
	ctx, span := l.startSpan(ctx, "ledger.CancelDecrease", goodsID, identifier, qty)
	defer func() {
		metrics.TCCPhaseTotal.WithLabelValues(metricModule, string(domain.EventCancel), metrics.Result(err)).Inc()
		endSpan(span, err)
	}()

	return l.withGoodsLock(ctx, goodsID, func(ctx context.Context) error {
		entries, err := l.repo.FindEntries(ctx, identifier)
		if err != nil {
			return err
		}
		if entries.Find(domain.EventCancel) != nil {
			return nil
		}
		if entries.Find(domain.EventConfirm) != nil {
			return domain.ErrAlreadyConfirmed
		}
		try, err := matchTry(entries, goodsID, qty)
		if err != nil {
			return err
		}
		return l.mutate(ctx, goodsID, newEntry(goodsID, identifier, domain.EventCancel, try.Quantity), func(r *domain.InventoryRecord) error {
			return r.Release(try.Quantity)
		})
	})
}

// Increase 补货，identifier 为空时生成一个
func (l *Ledger) Increase(ctx context.Context, goodsID, identifier string, qty int64) (err error) {
	if identifier == "" {
		identifier = uuid.NewString()
	}
	ctx, span := l.startSpan(ctx, "ledger.Increase", goodsID, identifier, qty)
	defer func() { endSpan(span, err) }()
	if qty <= 0 {
		return domain.ErrInvalidQuantity
	}

	return l.withGoodsLock(ctx, goodsID, func(ctx context.Context) error {
		entries, err := l.repo.FindEntries(ctx, identifier)
		if err != nil {
			return err
		}
		if entries.Find(domain.EventIncrease) != nil {
			return nil
		}
		return l.mutate(ctx, goodsID, newEntry(goodsID, identifier, domain.EventIncrease, qty), func(r *domain.InventoryRecord) error {
			r.Restock(qty)
			return nil
		})
	})
}

// InitInventory 创建库存记录，已存在时返回现有记录
func (l *Ledger) InitInventory(ctx context.Context, goodsID, goodsType string, qty int64) (snap domain.Snapshot, err error) {
	ctx, span := l.startSpan(ctx, "ledger.InitInventory", goodsID, "", qty)
	defer func() { endSpan(span, err) }()
	if qty < 0 {
		return snap, domain.ErrInvalidQuantity
	}

	err = l.withGoodsLock(ctx, goodsID, func(ctx context.Context) error {
		record := &domain.InventoryRecord{GoodsID: goodsID, GoodsType: goodsType, Available: qty, Version: 1, UpdatedAt: time.Now()}
		cerr := l.repo.Create(ctx, record, newEntry(goodsID, "init:"+goodsID, domain.EventIncrease, qty))
		if errors.Is(cerr, domain.ErrInventoryExists) {
			existing, err := l.repo.Get(ctx, goodsID)
			if err != nil {
				return err
			}
			snap = existing.Snapshot()
			return nil
		}
		if cerr != nil {
			return cerr
		}
		snap = record.Snapshot()
		return nil
	})
	return snap, err
}

// Reservation 返回 identifier 对应 Try 预扣的商品和数量，没有 Try 时 found 为 false
func (l *Ledger) Reservation(ctx context.Context, identifier string) (goodsID string, qty int64, found bool, err error) {
	entries, err := l.repo.FindEntries(ctx, identifier)
	if err != nil {
		return "", 0, false, err
	}
	try := entries.Find(domain.EventTry)
	if try == nil {
		return "", 0, false, nil
	}
	return try.GoodsID, try.Quantity, true, nil
}

// QueryInventory 返回可售数量
func (l *Ledger) QueryInventory(ctx context.Context, goodsID string) (int64, error) {
	record, err := l.repo.Get(ctx, goodsID)
	if err != nil {
		return 0, err
	}
	return record.Available, nil
}

// Detail 返回库存明细
func (l *Ledger) Detail(ctx context.Context, goodsID string) (domain.Snapshot, error) {
	record, err := l.repo.Get(ctx, goodsID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return record.Snapshot(), nil
}

// ReplayStream 用流水重建库存，供对账使用
func (l *Ledger) ReplayStream(ctx context.Context, goodsID string) (domain.Snapshot, error) {
	entries, err := l.repo.ListEntries(ctx, goodsID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	available, reserved := domain.Replay(entries)
	return domain.Snapshot{GoodsID: goodsID, Available: available, Reserved: reserved}, nil
}

func (l *Ledger) mutate(ctx context.Context, goodsID string, entry *domain.StreamEntry, change func(r *domain.InventoryRecord) error) error {
	record, err := l.repo.Get(ctx, goodsID)
	if err != nil {
		return err
	}
	expected := record.Version
	if err := change(record); err != nil {
		return err
	}
	return l.repo.ApplyMutation(ctx, record, expected, entry)
}

func matchTry(entries domain.Entries, goodsID string, qty int64) (*domain.StreamEntry, error) {
	try := entries.Find(domain.EventTry)
	if try == nil {
		return nil, domain.ErrTryNotFound
	}
	if try.GoodsID != goodsID || (qty > 0 && try.Quantity != qty) {
		return nil, domain.ErrQuantityMismatch
	}
	return try, nil
}

func newEntry(goodsID, identifier string, t domain.EventType, qty int64) *domain.StreamEntry {
	return &domain.StreamEntry{
		Identifier: identifier,
		GoodsID:    goodsID,
		EventType:  t,
		Quantity:   qty,
		CreatedAt:  time.Now(),
	}
}

func tryResult(ok bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case !ok:
		return "insufficient"
	default:
		return "ok"
	}
}
