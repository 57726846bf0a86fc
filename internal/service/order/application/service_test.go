package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/trace/noop"

	"fulfillment/internal/lock"
	"fulfillment/internal/pkg/redis"
	invapp "fulfillment/internal/service/inventory/application"
	invdomain "fulfillment/internal/service/inventory/domain"
	invinfra "fulfillment/internal/service/inventory/infrastructure"
	"fulfillment/internal/service/order/application/validator"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
	orderinfra "fulfillment/internal/service/order/infrastructure"
	txdomain "fulfillment/internal/service/txlog/domain"
	txinfra "fulfillment/internal/service/txlog/infrastructure"
)

type stubValidator struct {
	err   error
	calls atomic.Int32
}

func (v *stubValidator) Validate(_ context.Context, _ *validator.Input) error {
	v.calls.Add(1)
	return v.err
}

type seqIDGen struct{ n atomic.Int64 }

func (g *seqIDGen) NextID() (string, error) {
	return fmt.Sprintf("o-%d", g.n.Add(1)), nil
}

type stubGoods struct{}

func (stubGoods) GetGoods(_ context.Context, goodsID string) (*port.Goods, error) {
	return &port.Goods{ID: goodsID, Type: "COLLECTION", Price: decimal.NewFromInt(10), OnSale: true}, nil
}

type recordingPayment struct {
	mu   sync.Mutex
	reqs []port.PaymentRequest
}

func (p *recordingPayment) InitiatePayment(_ context.Context, req *port.PaymentRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, *req)
	return nil
}

type recordingScheduler struct {
	mu     sync.Mutex
	orders []string
}

func (s *recordingScheduler) SchedulePaymentTimeout(_ context.Context, orderID, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, orderID)
	return nil
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []domain.OrderEvent
}

func (e *recordingEvents) PublishOrderEvent(_ context.Context, event *domain.OrderEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, *event)
	return nil
}

func (e *recordingEvents) types() []domain.OrderEventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.OrderEventType, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

type OrderServiceSuite struct {
	suite.Suite
	ctx context.Context

	mr        *miniredis.Miniredis
	locker    *lock.RedisLocker
	orders    *orderinfra.MemoryRepository
	txlog     *txinfra.MemoryStore
	stock     *invinfra.MemoryRepository
	ledger    *invapp.Ledger
	validator *stubValidator
	payment   *recordingPayment
	scheduler *recordingScheduler
	events    *recordingEvents
	svc       *OrderApplicationService
}

func TestOrderServiceSuite(t *testing.T) {
	suite.Run(t, new(OrderServiceSuite))
}

func (s *OrderServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.mr = miniredis.RunT(s.T())
	uc := goredis.NewClient(&goredis.Options{Addr: s.mr.Addr()})
	s.T().Cleanup(func() { _ = uc.Close() })

	locker, err := lock.NewRedisLocker(redis.Wrap(uc), "")
	s.Require().NoError(err)
	s.locker = locker

	tracer := noop.NewTracerProvider().Tracer("test")
	lockOpts := lock.Options{TTL: 5 * time.Second, Wait: 5 * time.Second}

	s.orders = orderinfra.NewMemoryRepository()
	s.txlog = txinfra.NewMemoryStore()
	s.stock = invinfra.NewMemoryRepository()
	s.ledger = invapp.NewLedger(s.stock, locker, lockOpts, tracer)
	s.validator = &stubValidator{}
	s.payment = &recordingPayment{}
	s.scheduler = &recordingScheduler{}
	s.events = &recordingEvents{}

	s.svc = NewOrderApplicationService(Deps{
		Orders:       s.orders,
		TxLog:        s.txlog,
		Ledger:       s.ledger,
		Validators:   s.validator,
		StateMachine: domain.NewStateMachine(),
		Locker:       locker,
		IDGen:        &seqIDGen{},
		Goods:        stubGoods{},
		Payment:      s.payment,
		Scheduler:    s.scheduler,
		Events:       s.events,
		Tracer:       tracer,
	}, Options{
		BusinessScene:  "ORDER",
		BusinessModule: "INVENTORY",
		Lock:           lockOpts,
		PaymentTimeout: 15 * time.Minute,
	})
}

func (s *OrderServiceSuite) initGoods(goodsID string, qty int64) {
	_, err := s.ledger.InitInventory(s.ctx, goodsID, "COLLECTION", qty)
	s.Require().NoError(err)
}

func (s *OrderServiceSuite) detail(goodsID string) invdomain.Snapshot {
	snap, err := s.ledger.Detail(s.ctx, goodsID)
	s.Require().NoError(err)
	return snap
}

func (s *OrderServiceSuite) create(identifier string, qty int) (*domain.Order, error) {
	return s.svc.CreateOrder(s.ctx, &CreateOrderRequest{
		BuyerID:    "u1",
		GoodsID:    "g1",
		GoodsType:  "COLLECTION",
		ItemCount:  qty,
		Identifier: identifier,
	})
}

func (s *OrderServiceSuite) txEntry(identifier string) *txdomain.Entry {
	e, err := s.txlog.Get(s.ctx, s.svc.txKey(identifier))
	s.Require().NoError(err)
	return e
}

func (s *OrderServiceSuite) TestCreateOrderReservesStock() {
	s.initGoods("g1", 10)

	order, err := s.create("req-1", 3)
	s.Require().NoError(err)
	s.Equal(domain.StatusCreate, order.Status)
	s.Equal("req-1", order.Identifier)

	snap := s.detail("g1")
	s.Equal(int64(7), snap.Available)
	s.Equal(int64(3), snap.Reserved)
	s.Equal(txdomain.PhaseTry, s.txEntry("req-1").Phase)
	s.Equal(1, s.scheduler.count())
}

func (s *OrderServiceSuite) TestCreateOrderIsIdempotent() {
	s.initGoods("g1", 10)

	first, err := s.create("req-1", 3)
	s.Require().NoError(err)
	second, err := s.create("req-1", 3)
	s.Require().NoError(err)

	s.Equal(first.ID, second.ID)
	s.Equal(int64(7), s.detail("g1").Available)
	s.Equal(1, s.scheduler.count())
	s.EqualValues(1, s.validator.calls.Load())
}

func (s *OrderServiceSuite) TestValidationFailureLeavesNoTrace() {
	s.initGoods("g1", 10)
	s.validator.err = domain.NewValidationError("user", "user %s is banned", "u1")

	_, err := s.create("req-1", 3)
	s.ErrorIs(err, domain.ErrValidation)

	s.Equal(int64(10), s.detail("g1").Available)
	_, err = s.txlog.Get(s.ctx, s.svc.txKey("req-1"))
	s.ErrorIs(err, txdomain.ErrEntryNotFound)
	_, err = s.orders.FindByIdentifier(s.ctx, "req-1")
	s.ErrorIs(err, domain.ErrOrderNotFound)
}

func (s *OrderServiceSuite) TestRequestValidation() {
	_, err := s.create("", 1)
	s.ErrorIs(err, domain.ErrValidation)
	_, err = s.create("req-1", 0)
	s.ErrorIs(err, domain.ErrValidation)
}

func (s *OrderServiceSuite) TestInsufficientStock() {
	s.initGoods("g1", 2)

	_, err := s.create("req-1", 3)
	s.ErrorIs(err, domain.ErrInsufficientStock)

	entry := s.txEntry("req-1")
	s.Equal(txdomain.PhaseCancel, entry.Phase)
	s.Equal(txdomain.CancelTryFailed, entry.CancelType)

	entries, err := s.stock.FindEntries(s.ctx, "req-1")
	s.Require().NoError(err)
	s.Empty(entries)
	s.Equal(int64(2), s.detail("g1").Available)

	// 同一个 identifier 重放得到同样的结果
	_, err = s.create("req-1", 3)
	s.ErrorIs(err, domain.ErrInsufficientStock)
	s.Equal(0, s.scheduler.count())
}

func (s *OrderServiceSuite) TestConfirmThenPay() {
	s.initGoods("g1", 10)
	order, err := s.create("req-1", 3)
	s.Require().NoError(err)

	confirmed, err := s.svc.ConfirmOrder(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusUnpaid, confirmed.Status)
	s.Require().Len(s.payment.reqs, 1)
	s.True(s.payment.reqs[0].Amount.Equal(decimal.NewFromInt(30)))

	paid, err := s.svc.PayOrder(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusPaid, paid.Status)

	snap := s.detail("g1")
	s.Equal(int64(7), snap.Available)
	s.Equal(int64(0), snap.Reserved)
	s.Equal(txdomain.PhaseConfirm, s.txEntry("req-1").Phase)

	// 重复支付回调不再产生事件
	again, err := s.svc.PayOrder(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusPaid, again.Status)
	s.Equal([]domain.OrderEventType{domain.OrderPaid}, s.events.types())

	_, err = s.svc.ConfirmOrder(s.ctx, order.ID)
	s.ErrorIs(err, domain.ErrIllegalTransition)
}

func (s *OrderServiceSuite) TestPayDirectlyFromCreate() {
	s.initGoods("g1", 10)
	order, err := s.create("req-1", 2)
	s.Require().NoError(err)

	paid, err := s.svc.PayOrder(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusPaid, paid.Status)
	s.Equal(int64(8), s.detail("g1").Available)
	s.Equal(int64(0), s.detail("g1").Reserved)
}

func (s *OrderServiceSuite) TestCancelReleasesStock() {
	s.initGoods("g1", 10)
	order, err := s.create("req-1", 3)
	s.Require().NoError(err)
	_, err = s.svc.ConfirmOrder(s.ctx, order.ID)
	s.Require().NoError(err)

	canceled, err := s.svc.CancelOrder(s.ctx, order.ID, txdomain.CancelUser)
	s.Require().NoError(err)
	s.Equal(domain.StatusCreate, canceled.Status)

	snap := s.detail("g1")
	s.Equal(int64(10), snap.Available)
	s.Equal(int64(0), snap.Reserved)
	entry := s.txEntry("req-1")
	s.Equal(txdomain.PhaseCancel, entry.Phase)
	s.Equal(txdomain.CancelUser, entry.CancelType)

	// 重复取消是幂等的
	_, err = s.svc.CancelOrder(s.ctx, order.ID, txdomain.CancelUser)
	s.Require().NoError(err)
	s.Equal([]domain.OrderEventType{domain.OrderCanceled}, s.events.types())
	s.Equal(int64(10), s.detail("g1").Available)

	_, err = s.svc.PayOrder(s.ctx, order.ID)
	s.ErrorIs(err, domain.ErrTransactionFinalized)
	_, err = s.svc.ConfirmOrder(s.ctx, order.ID)
	s.ErrorIs(err, domain.ErrTransactionFinalized)
}

func (s *OrderServiceSuite) TestCancelPaidOrderIsIllegal() {
	s.initGoods("g1", 10)
	order, err := s.create("req-1", 3)
	s.Require().NoError(err)
	_, err = s.svc.PayOrder(s.ctx, order.ID)
	s.Require().NoError(err)

	_, err = s.svc.CancelOrder(s.ctx, order.ID, txdomain.CancelUser)
	s.ErrorIs(err, domain.ErrIllegalTransition)

	snap := s.detail("g1")
	s.Equal(int64(7), snap.Available)
	s.Equal(int64(0), snap.Reserved)
	current, err := s.svc.GetOrder(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusPaid, current.Status)
}

func (s *OrderServiceSuite) TestUnknownOrder() {
	_, err := s.svc.PayOrder(s.ctx, "missing")
	s.ErrorIs(err, domain.ErrOrderNotFound)
	_, err = s.svc.CancelOrder(s.ctx, "missing", txdomain.CancelUser)
	s.ErrorIs(err, domain.ErrOrderNotFound)
}

// 库存 5，20 个不同请求并发下单各买 1 件，恰好 5 个成功
func (s *OrderServiceSuite) TestConcurrentCreateNeverOversells() {
	s.initGoods("g1", 5)

	var (
		wg           sync.WaitGroup
		succeeded    atomic.Int32
		insufficient atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.create(fmt.Sprintf("req-%d", i), 1)
			switch {
			case err == nil:
				succeeded.Add(1)
			case assert.ErrorIs(s.T(), err, domain.ErrInsufficientStock):
				insufficient.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.EqualValues(5, succeeded.Load())
	s.EqualValues(15, insufficient.Load())
	snap := s.detail("g1")
	s.Equal(int64(0), snap.Available)
	s.Equal(int64(5), snap.Reserved)
}

func (s *OrderServiceSuite) TestCreateFailsFastWhenGoodsLocked() {
	s.initGoods("g1", 10)
	s.svc.opts.Lock.Wait = 50 * time.Millisecond

	h, err := s.locker.TryLock(s.ctx, lock.GoodsKey("g1"), 5*time.Second, 0)
	s.Require().NoError(err)

	_, err = s.create("req-1", 3)
	s.ErrorIs(err, lock.ErrLockTimeout)
	s.Equal(int64(10), s.detail("g1").Available)
	s.Equal(txdomain.PhaseTry, s.txEntry("req-1").Phase)

	// 锁释放后重试同一个 identifier 成功
	s.Require().NoError(s.locker.Unlock(s.ctx, h))
	order, err := s.create("req-1", 3)
	s.Require().NoError(err)
	s.Equal(domain.StatusCreate, order.Status)
	s.Equal(int64(7), s.detail("g1").Available)
}

func (s *OrderServiceSuite) TestPaymentTimeout() {
	s.initGoods("g1", 10)
	order, err := s.create("req-1", 3)
	s.Require().NoError(err)
	event := &domain.PaymentTimeoutCheckEvent{OrderID: order.ID, BuyerID: "u1", CreationTime: order.CreatedAt}

	// 未到期：重新投递
	s.Require().NoError(s.svc.HandlePaymentTimeout(s.ctx, event))
	s.Equal(2, s.scheduler.count())
	s.Equal(int64(7), s.detail("g1").Available)

	s.svc.opts.PaymentTimeout = 0
	s.Require().NoError(s.svc.HandlePaymentTimeout(s.ctx, event))
	entry := s.txEntry("req-1")
	s.Equal(txdomain.PhaseCancel, entry.Phase)
	s.Equal(txdomain.CancelTimeout, entry.CancelType)
	s.Equal(int64(10), s.detail("g1").Available)

	// 未知订单直接忽略
	s.NoError(s.svc.HandlePaymentTimeout(s.ctx, &domain.PaymentTimeoutCheckEvent{OrderID: "missing"}))
}

func (s *OrderServiceSuite) TestPaymentTimeoutForPaidOrder() {
	s.initGoods("g1", 10)
	order, err := s.create("req-1", 3)
	s.Require().NoError(err)
	_, err = s.svc.PayOrder(s.ctx, order.ID)
	s.Require().NoError(err)

	s.svc.opts.PaymentTimeout = 0
	s.Require().NoError(s.svc.HandlePaymentTimeout(s.ctx, &domain.PaymentTimeoutCheckEvent{OrderID: order.ID}))
	s.Equal(txdomain.PhaseConfirm, s.txEntry("req-1").Phase)
}

func (s *OrderServiceSuite) TestPaymentResult() {
	s.initGoods("g1", 10)
	paid, err := s.create("req-paid", 2)
	s.Require().NoError(err)
	failed, err := s.create("req-failed", 3)
	s.Require().NoError(err)

	s.Require().NoError(s.svc.HandlePaymentResult(s.ctx, &domain.PaymentResultEvent{OrderID: paid.ID, Success: true}))
	s.Require().NoError(s.svc.HandlePaymentResult(s.ctx, &domain.PaymentResultEvent{OrderID: failed.ID, Success: false, Reason: "card declined"}))

	s.Equal(txdomain.PhaseConfirm, s.txEntry("req-paid").Phase)
	entry := s.txEntry("req-failed")
	s.Equal(txdomain.PhaseCancel, entry.Phase)
	s.Equal(txdomain.CancelPayFailed, entry.CancelType)

	snap := s.detail("g1")
	s.Equal(int64(8), snap.Available)
	s.Equal(int64(0), snap.Reserved)

	// 已取消订单收到支付成功：告警但不报错，也不改变库存
	s.NoError(s.svc.HandlePaymentResult(s.ctx, &domain.PaymentResultEvent{OrderID: failed.ID, Success: true}))
	// 已支付订单收到支付失败：忽略
	s.NoError(s.svc.HandlePaymentResult(s.ctx, &domain.PaymentResultEvent{OrderID: paid.ID, Success: false}))
	s.Equal(snap, s.detail("g1"))
}

func TestSeverity(t *testing.T) {
	cases := []struct {
		err   error
		level zerolog.Level
		alert bool
	}{
		{domain.NewValidationError("user", "banned"), zerolog.InfoLevel, false},
		{domain.ErrInsufficientStock, zerolog.InfoLevel, false},
		{fmt.Errorf("acquire: %w", lock.ErrLockTimeout), zerolog.WarnLevel, false},
		{domain.ErrVersionConflict, zerolog.WarnLevel, false},
		{&domain.IllegalTransitionError{From: domain.StatusPaid, Event: domain.EventCancel}, zerolog.ErrorLevel, true},
		{invdomain.ErrTryNotFound, zerolog.ErrorLevel, true},
		{fmt.Errorf("db down"), zerolog.ErrorLevel, false},
	}
	for _, c := range cases {
		level, alert := Severity(c.err)
		assert.Equal(t, c.level, level, c.err.Error())
		assert.Equal(t, c.alert, alert, c.err.Error())
	}
}
