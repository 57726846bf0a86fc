// internal/service/order/application/service.go
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/lock"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/metrics"
	invdomain "fulfillment/internal/service/inventory/domain"
	"fulfillment/internal/service/order/application/validator"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
	txdomain "fulfillment/internal/service/txlog/domain"
)

// Validator 下单前的校验链
type Validator interface {
	Validate(ctx context.Context, in *validator.Input) error
}

// IDGenerator 订单号生成器
type IDGenerator interface {
	NextID() (string, error)
}

// Deps 编排服务依赖的端口。Scheduler 和 Events 可以为空。
type Deps struct {
	Orders       domain.OrderRepository
	TxLog        txdomain.Store
	Ledger       port.InventoryLedger
	Validators   Validator
	StateMachine *domain.StateMachine
	Locker       lock.Locker
	IDGen        IDGenerator
	Goods        port.GoodsService
	Payment      port.PaymentService
	Scheduler    port.DelayScheduler
	Events       port.EventProducer
	Tracer       trace.Tracer
}

// Options 编排参数
type Options struct {
	BusinessScene  string
	BusinessModule string
	Lock           lock.Options
	PaymentTimeout time.Duration
}

// OrderApplicationService 负责下单、确认、支付、取消的流程编排。
// 同一个事务的所有写操作都在事务锁内执行，Try 与订单落库还额外持有商品锁。
type OrderApplicationService struct {
	Deps
	opts Options
}

func NewOrderApplicationService(deps Deps, opts Options) *OrderApplicationService {
	return &OrderApplicationService{Deps: deps, opts: opts}
}

func (s *OrderApplicationService) txKey(identifier string) txdomain.TxKey {
	return txdomain.TxKey{
		TransactionID:  identifier,
		BusinessScene:  s.opts.BusinessScene,
		BusinessModule: s.opts.BusinessModule,
	}
}

// CreateOrder 校验 -> 写 TRY 日志 -> 商品锁内 Try 预扣并落库订单。
// 同一个 identifier 重复调用返回同一个订单。
func (s *OrderApplicationService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*domain.Order, error) {
	ctx, span := s.Tracer.Start(ctx, "app.CreateOrder", trace.WithAttributes(
		attribute.String("buyer.id", req.BuyerID),
		attribute.String("goods.id", req.GoodsID),
		attribute.String("tcc.identifier", req.Identifier),
		attribute.Int("item.count", req.ItemCount),
	))
	defer span.End()

	order, created, err := s.createOrder(ctx, req)
	if err != nil {
		s.fail(ctx, span, "create order", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", order.ID))
	if !created {
		span.AddEvent("Order replayed by identifier.")
		return order, nil
	}

	metrics.OrderTransitionTotal.WithLabelValues("", "CREATE", string(order.Status)).Inc()
	logger.Ctx(ctx).Info().Str("order_id", order.ID).Str("identifier", order.Identifier).Msg("order created, stock reserved")
	s.schedulePaymentTimeout(ctx, order)
	return order, nil
}

func (s *OrderApplicationService) createOrder(ctx context.Context, req *CreateOrderRequest) (order *domain.Order, created bool, err error) {
	if req.Identifier == "" {
		return nil, false, domain.NewValidationError("request", "identifier is required")
	}
	if req.ItemCount <= 0 {
		return nil, false, domain.NewValidationError("request", "item count must be positive")
	}

	// 1. 幂等：已经落库的订单直接返回
	if existing, err := s.Orders.FindByIdentifier(ctx, req.Identifier); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, domain.ErrOrderNotFound) {
		return nil, false, err
	}

	// 2. 校验链，失败时不触碰库存
	if err := s.Validators.Validate(ctx, req.toValidatorInput()); err != nil {
		return nil, false, err
	}

	// 3. 先写 TRY 日志，再做库存 Try
	key := s.txKey(req.Identifier)
	if _, _, err := s.TxLog.Append(ctx, key); err != nil {
		return nil, false, err
	}

	err = lock.WithLock(ctx, s.Locker, lock.TransactionKey(req.Identifier), s.opts.Lock, func(ctx context.Context) error {
		if existing, err := s.Orders.FindByIdentifier(ctx, req.Identifier); err == nil {
			order = existing
			return nil
		} else if !errors.Is(err, domain.ErrOrderNotFound) {
			return err
		}
		entry, err := s.TxLog.Get(ctx, key)
		if err != nil {
			return err
		}
		if entry.Phase == txdomain.PhaseCancel {
			return finalizedError(entry)
		}

		return lock.WithLock(ctx, s.Locker, lock.GoodsKey(req.GoodsID), s.opts.Lock, func(ctx context.Context) error {
			ok, err := s.Ledger.TryDecrease(ctx, req.GoodsID, req.Identifier, int64(req.ItemCount))
			if err != nil {
				return err
			}
			if !ok {
				if _, err := s.TxLog.Finalize(ctx, key, txdomain.PhaseCancel, txdomain.CancelTryFailed); err != nil {
					return err
				}
				return domain.ErrInsufficientStock
			}

			id, err := s.IDGen.NextID()
			if err != nil {
				return err
			}
			o, err := domain.NewOrder(id, req.BuyerID, req.GoodsID, req.GoodsType, req.ItemCount, req.Identifier)
			if err != nil {
				return err
			}
			// 落库失败时事务保持 TRY：重试会重放 Try，放弃的请求由恢复扫描回滚
			if err := s.Orders.Create(ctx, o); err != nil {
				return err
			}
			order, created = o, true
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return order, created, nil
}

// ConfirmOrder CREATE -> UNPAID，然后发起支付
func (s *OrderApplicationService) ConfirmOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	ctx, span := s.Tracer.Start(ctx, "app.ConfirmOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	order, err := s.withOrder(ctx, orderID, func(ctx context.Context, order *domain.Order) error {
		entry, err := s.TxLog.Get(ctx, s.txKey(order.Identifier))
		if err != nil {
			return err
		}
		if entry.Phase == txdomain.PhaseCancel {
			return finalizedError(entry)
		}
		return s.transit(ctx, order, domain.EventConfirm)
	})
	if err != nil {
		s.fail(ctx, span, "confirm order", err)
		return nil, err
	}

	// 发起支付失败不回滚确认，交给支付超时处理
	if err := s.initiatePayment(ctx, order); err != nil {
		span.RecordError(err)
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", order.ID).Msg("payment initiation failed, waiting for payment timeout")
	}
	return order, nil
}

func (s *OrderApplicationService) initiatePayment(ctx context.Context, order *domain.Order) error {
	goods, err := s.Goods.GetGoods(ctx, order.GoodsID)
	if err != nil {
		return fmt.Errorf("query goods price: %w", err)
	}
	return s.Payment.InitiatePayment(ctx, &port.PaymentRequest{
		OrderID: order.ID,
		BuyerID: order.BuyerID,
		Amount:  goods.Price.Mul(decimal.NewFromInt(int64(order.ItemCount))),
	})
}

// PayOrder 订单流转到 PAID 后确认库存预扣。
// 已支付且已确认的订单直接返回；已支付但确认丢失的订单会补做确认。
func (s *OrderApplicationService) PayOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	ctx, span := s.Tracer.Start(ctx, "app.PayOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	var changed bool
	order, err := s.withOrder(ctx, orderID, func(ctx context.Context, order *domain.Order) (err error) {
		changed, err = s.pay(ctx, order)
		return err
	})
	if err != nil {
		s.fail(ctx, span, "pay order", err)
		return nil, err
	}
	if changed {
		logger.Ctx(ctx).Info().Str("order_id", order.ID).Msg("order paid, stock confirmed")
		s.publish(ctx, order, domain.OrderPaid, txdomain.CancelNone)
	}
	return order, nil
}

func (s *OrderApplicationService) pay(ctx context.Context, order *domain.Order) (bool, error) {
	entry, err := s.TxLog.Get(ctx, s.txKey(order.Identifier))
	if err != nil {
		return false, err
	}
	switch entry.Phase {
	case txdomain.PhaseCancel:
		return false, finalizedError(entry)
	case txdomain.PhaseConfirm:
		return false, nil
	}

	changed := false
	if order.Status != domain.StatusPaid {
		if err := s.transit(ctx, order, domain.EventPay); err != nil {
			return false, err
		}
		changed = true
	}
	// Confirm 失败时订单已是 PAID、日志仍是 TRY，恢复扫描会补做
	if err := s.confirmInventory(ctx, order); err != nil {
		return changed, err
	}
	return true, nil
}

func (s *OrderApplicationService) confirmInventory(ctx context.Context, order *domain.Order) error {
	if err := s.Ledger.ConfirmDecrease(ctx, order.GoodsID, order.Identifier, int64(order.ItemCount)); err != nil {
		return err
	}
	_, err := s.TxLog.Finalize(ctx, s.txKey(order.Identifier), txdomain.PhaseConfirm, txdomain.CancelNone)
	return err
}

// CancelOrder 订单流转回 CREATE 后回滚库存预扣，重复取消直接返回
func (s *OrderApplicationService) CancelOrder(ctx context.Context, orderID string, cancelType txdomain.CancelType) (*domain.Order, error) {
	ctx, span := s.Tracer.Start(ctx, "app.CancelOrder", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("cancel.type", string(cancelType)),
	))
	defer span.End()

	var changed bool
	order, err := s.withOrder(ctx, orderID, func(ctx context.Context, order *domain.Order) (err error) {
		changed, err = s.cancel(ctx, order, cancelType)
		return err
	})
	if err != nil {
		s.fail(ctx, span, "cancel order", err)
		return nil, err
	}
	if changed {
		logger.Ctx(ctx).Info().Str("order_id", order.ID).Str("cancel_type", string(cancelType)).Msg("order canceled, stock released")
		s.publish(ctx, order, domain.OrderCanceled, cancelType)
	}
	return order, nil
}

func (s *OrderApplicationService) cancel(ctx context.Context, order *domain.Order, cancelType txdomain.CancelType) (bool, error) {
	entry, err := s.TxLog.Get(ctx, s.txKey(order.Identifier))
	if err != nil {
		return false, err
	}
	switch entry.Phase {
	case txdomain.PhaseCancel:
		return false, nil
	case txdomain.PhaseConfirm:
		return false, &domain.IllegalTransitionError{From: order.Status, Event: domain.EventCancel}
	}

	if err := s.transit(ctx, order, domain.EventCancel); err != nil {
		return false, err
	}
	if err := s.cancelInventory(ctx, order.GoodsID, order.Identifier, int64(order.ItemCount), cancelType); err != nil {
		return false, err
	}
	return true, nil
}

// cancelInventory 回滚预扣并把日志推进到 CANCEL。没有 Try 记录说明没有需要回滚的库存。
func (s *OrderApplicationService) cancelInventory(ctx context.Context, goodsID, identifier string, qty int64, cancelType txdomain.CancelType) error {
	err := s.Ledger.CancelDecrease(ctx, goodsID, identifier, qty)
	switch {
	case errors.Is(err, invdomain.ErrTryNotFound):
		logger.Ctx(ctx).Warn().Str("identifier", identifier).Msg("no try entry, nothing to release")
	case err != nil:
		return err
	}
	_, err = s.TxLog.Finalize(ctx, s.txKey(identifier), txdomain.PhaseCancel, cancelType)
	return err
}

// GetOrder 查询订单
func (s *OrderApplicationService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.Orders.FindByID(ctx, orderID)
}

// QueryInventory 查询可售库存
func (s *OrderApplicationService) QueryInventory(ctx context.Context, goodsID string) (int64, error) {
	return s.Ledger.QueryInventory(ctx, goodsID)
}

// HandlePaymentTimeout 处理到期的支付超时检查。
// 延迟级别比支付期限短时重新投递，未支付的订单以 TIMEOUT 取消。
func (s *OrderApplicationService) HandlePaymentTimeout(ctx context.Context, event *domain.PaymentTimeoutCheckEvent) error {
	ctx, span := s.Tracer.Start(ctx, "app.HandlePaymentTimeout", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("order.id", event.OrderID)))
	defer span.End()

	order, err := s.Orders.FindByID(ctx, event.OrderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		logger.Ctx(ctx).Warn().Str("order_id", event.OrderID).Msg("timeout check for unknown order, skipped")
		return nil
	}
	if err != nil {
		return err
	}
	if order.Status == domain.StatusPaid {
		span.AddEvent("Order already paid.")
		return nil
	}
	if !order.Expired(time.Now(), s.opts.PaymentTimeout) {
		span.AddEvent("Payment deadline not reached, rescheduled.")
		s.schedulePaymentTimeout(ctx, order)
		return nil
	}

	_, err = s.CancelOrder(ctx, order.ID, txdomain.CancelTimeout)
	if errors.Is(err, domain.ErrIllegalTransition) {
		// 检查之后订单被支付了
		return nil
	}
	return err
}

// HandlePaymentResult 处理支付服务回传的结果
func (s *OrderApplicationService) HandlePaymentResult(ctx context.Context, event *domain.PaymentResultEvent) error {
	ctx, span := s.Tracer.Start(ctx, "app.HandlePaymentResult", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("order.id", event.OrderID), attribute.Bool("payment.success", event.Success)))
	defer span.End()

	if event.Success {
		_, err := s.PayOrder(ctx, event.OrderID)
		if errors.Is(err, domain.ErrTransactionFinalized) {
			// 订单已取消但支付成功，需要人工退款
			logger.Ctx(ctx).Error().Bool("alert", true).Str("order_id", event.OrderID).Msg("payment succeeded for canceled order, refund required")
			return nil
		}
		return err
	}

	_, err := s.CancelOrder(ctx, event.OrderID, txdomain.CancelPayFailed)
	if errors.Is(err, domain.ErrIllegalTransition) {
		logger.Ctx(ctx).Warn().Str("order_id", event.OrderID).Str("reason", event.Reason).Msg("payment failure reported for settled order, ignored")
		return nil
	}
	return err
}

// withOrder 在事务锁内重新读取订单并执行 fn
func (s *OrderApplicationService) withOrder(ctx context.Context, orderID string, fn func(ctx context.Context, order *domain.Order) error) (*domain.Order, error) {
	order, err := s.Orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	err = lock.WithLock(ctx, s.Locker, lock.TransactionKey(order.Identifier), s.opts.Lock, func(ctx context.Context) error {
		fresh, err := s.Orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		order = fresh
		return fn(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// transit 通过状态机推进状态并按版本号持久化
func (s *OrderApplicationService) transit(ctx context.Context, order *domain.Order, event domain.Event) error {
	expected := order.Version
	from, err := order.Apply(s.StateMachine, event)
	if err != nil {
		return err
	}
	if err := s.Orders.UpdateStatus(ctx, order, expected); err != nil {
		return err
	}
	metrics.OrderTransitionTotal.WithLabelValues(string(from), string(event), string(order.Status)).Inc()
	return nil
}

func (s *OrderApplicationService) schedulePaymentTimeout(ctx context.Context, order *domain.Order) {
	if s.Scheduler == nil {
		return
	}
	if err := s.Scheduler.SchedulePaymentTimeout(ctx, order.ID, order.BuyerID, order.CreatedAt); err != nil {
		// 恢复扫描会兜底取消过期订单
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", order.ID).Msg("failed to schedule payment timeout")
	}
}

func (s *OrderApplicationService) publish(ctx context.Context, order *domain.Order, typ domain.OrderEventType, cancelType txdomain.CancelType) {
	if s.Events == nil {
		return
	}
	event := &domain.OrderEvent{
		Type:       typ,
		OrderID:    order.ID,
		BuyerID:    order.BuyerID,
		GoodsID:    order.GoodsID,
		ItemCount:  order.ItemCount,
		CancelType: string(cancelType),
		At:         time.Now(),
	}
	if err := s.Events.PublishOrderEvent(ctx, event); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", order.ID).Str("event", string(typ)).Msg("failed to publish order event")
	}
}

// fail 记录 span 错误，并按错误类别选择日志级别
func (s *OrderApplicationService) fail(ctx context.Context, span trace.Span, op string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, op+" failed")

	level, alert := Severity(err)
	ev := logger.Ctx(ctx).WithLevel(level).Err(err).Str("op", op)
	if alert {
		ev = ev.Bool("alert", true)
	}
	ev.Msg(op + " failed")
}

// Severity 业务结果记 Info，可重试的记 Warn，数据一致性问题记 Error 并告警
func Severity(err error) (zerolog.Level, bool) {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrTransactionFinalized):
		return zerolog.InfoLevel, false
	case errors.Is(err, lock.ErrLockTimeout),
		errors.Is(err, domain.ErrVersionConflict):
		return zerolog.WarnLevel, false
	case errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, invdomain.ErrInvalidPhaseTransition):
		return zerolog.ErrorLevel, true
	default:
		return zerolog.ErrorLevel, false
	}
}

func finalizedError(entry *txdomain.Entry) error {
	if entry.CancelType == txdomain.CancelTryFailed {
		return domain.ErrInsufficientStock
	}
	return fmt.Errorf("%w: canceled (%s)", domain.ErrTransactionFinalized, entry.CancelType)
}
