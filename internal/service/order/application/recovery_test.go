package application

import (
	"time"

	"fulfillment/internal/lock"
	invdomain "fulfillment/internal/service/inventory/domain"
	"fulfillment/internal/service/order/domain"
	txdomain "fulfillment/internal/service/txlog/domain"
)

func (s *OrderServiceSuite) newScanner(offset time.Duration) *RecoveryScanner {
	r := NewRecoveryScanner(s.svc, RecoveryOptions{
		Interval:    time.Second,
		Grace:       30 * time.Second,
		OrderExpiry: 15 * time.Minute,
		Batch:       100,
	})
	r.now = func() time.Time { return time.Now().Add(offset) }
	return r
}

// markPaid 模拟订单已流转到 PAID、库存 Confirm 前进程崩溃
func (s *OrderServiceSuite) markPaid(order *domain.Order) {
	expected := order.Version
	_, err := order.Apply(s.svc.StateMachine, domain.EventPay)
	s.Require().NoError(err)
	s.Require().NoError(s.orders.UpdateStatus(s.ctx, order, expected))
}

func (s *OrderServiceSuite) streamEntries(identifier string) invdomain.Entries {
	entries, err := s.stock.FindEntries(s.ctx, identifier)
	s.Require().NoError(err)
	return entries
}

// 订单已支付但 Confirm 丢失，扫描两次只产生一条 CONFIRM 流水
func (s *OrderServiceSuite) TestRecoveryConfirmsPaidOrderOnce() {
	s.initGoods("g1", 10)
	order, err := s.create("req-1", 3)
	s.Require().NoError(err)
	s.markPaid(order)

	scanner := s.newScanner(time.Minute)
	stats, err := scanner.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Scanned)
	s.Equal(1, stats.Confirmed)

	stats, err = scanner.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, stats.Scanned)

	entries := s.streamEntries("req-1")
	s.NotNil(entries.Find(invdomain.EventConfirm))
	s.Len(entries, 2)
	s.Equal(txdomain.PhaseConfirm, s.txEntry("req-1").Phase)

	snap := s.detail("g1")
	s.Equal(int64(7), snap.Available)
	s.Equal(int64(0), snap.Reserved)

	// 在线支付回调晚到，不会重复确认
	paid, err := s.svc.PayOrder(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusPaid, paid.Status)
	s.Len(s.streamEntries("req-1"), 2)
}

// Try 成功后订单没有落库
func (s *OrderServiceSuite) TestRecoveryCancelsOrphanReservation() {
	s.initGoods("g1", 10)
	_, _, err := s.txlog.Append(s.ctx, s.svc.txKey("req-1"))
	s.Require().NoError(err)
	ok, err := s.ledger.TryDecrease(s.ctx, "g1", "req-1", 4)
	s.Require().NoError(err)
	s.Require().True(ok)

	stats, err := s.newScanner(time.Minute).RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Canceled)

	entry := s.txEntry("req-1")
	s.Equal(txdomain.PhaseCancel, entry.Phase)
	s.Equal(txdomain.CancelRecovery, entry.CancelType)
	s.NotNil(s.streamEntries("req-1").Find(invdomain.EventCancel))

	snap := s.detail("g1")
	s.Equal(int64(10), snap.Available)
	s.Equal(int64(0), snap.Reserved)

	// 之后用同一个 identifier 下单会被拒绝，不会重新预扣
	_, err = s.create("req-1", 4)
	s.ErrorIs(err, domain.ErrTransactionFinalized)
	s.Equal(int64(10), s.detail("g1").Available)
}

// TRY 日志写入后进程在 Try 之前崩溃
func (s *OrderServiceSuite) TestRecoveryFinalizesLogWithoutReservation() {
	s.initGoods("g1", 10)
	_, _, err := s.txlog.Append(s.ctx, s.svc.txKey("req-1"))
	s.Require().NoError(err)

	stats, err := s.newScanner(time.Minute).RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Canceled)
	s.Equal(txdomain.PhaseCancel, s.txEntry("req-1").Phase)
	s.Empty(s.streamEntries("req-1"))
	s.Equal(int64(10), s.detail("g1").Available)
}

func (s *OrderServiceSuite) TestRecoveryCancelsExpiredOrder() {
	s.initGoods("g1", 10)
	order, err := s.create("req-1", 3)
	s.Require().NoError(err)

	stats, err := s.newScanner(2 * time.Hour).RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Canceled)

	current, err := s.svc.GetOrder(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusCreate, current.Status)
	entry := s.txEntry("req-1")
	s.Equal(txdomain.PhaseCancel, entry.Phase)
	s.Equal(txdomain.CancelRecovery, entry.CancelType)
	s.Equal(int64(10), s.detail("g1").Available)
	s.Equal([]domain.OrderEventType{domain.OrderCanceled}, s.events.types())
}

func (s *OrderServiceSuite) TestRecoveryLeavesFreshOrderPending() {
	s.initGoods("g1", 10)
	_, err := s.create("req-1", 3)
	s.Require().NoError(err)

	// 还在宽限期内，扫描不到
	stats, err := s.newScanner(0).RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, stats.Scanned)

	stats, err = s.newScanner(time.Minute).RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Pending)
	s.Equal(txdomain.PhaseTry, s.txEntry("req-1").Phase)
	s.Equal(int64(3), s.detail("g1").Reserved)
}

func (s *OrderServiceSuite) TestRecoverySkipsWhileAnotherInstanceSweeps() {
	s.initGoods("g1", 10)
	order, err := s.create("req-1", 3)
	s.Require().NoError(err)
	s.markPaid(order)

	h, err := s.locker.TryLock(s.ctx, lock.RecoveryKey("ORDER", "INVENTORY"), time.Minute, 0)
	s.Require().NoError(err)

	stats, err := s.newScanner(time.Minute).RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(RecoveryStats{}, stats)
	s.Equal(txdomain.PhaseTry, s.txEntry("req-1").Phase)

	s.Require().NoError(s.locker.Unlock(s.ctx, h))
	stats, err = s.newScanner(time.Minute).RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Confirmed)
}

// 事务锁被在线请求占用时，本轮记为 retry，下一轮再处理
func (s *OrderServiceSuite) TestRecoveryRetriesWhenTransactionBusy() {
	s.initGoods("g1", 10)
	order, err := s.create("req-1", 3)
	s.Require().NoError(err)
	s.markPaid(order)
	s.svc.opts.Lock.Wait = 50 * time.Millisecond

	h, err := s.locker.TryLock(s.ctx, lock.TransactionKey("req-1"), time.Minute, 0)
	s.Require().NoError(err)

	stats, err := s.newScanner(time.Minute).RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Failed)
	s.Equal(txdomain.PhaseTry, s.txEntry("req-1").Phase)

	s.Require().NoError(s.locker.Unlock(s.ctx, h))
	stats, err = s.newScanner(time.Minute).RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Confirmed)
}

func (s *OrderServiceSuite) TestRecoveryReconfigure() {
	s.initGoods("g1", 10)
	_, err := s.create("req-1", 3)
	s.Require().NoError(err)

	scanner := s.newScanner(time.Minute)
	stats, err := scanner.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Pending)

	opts := scanner.options()
	opts.OrderExpiry = 30 * time.Second
	scanner.Reconfigure(opts)

	stats, err = scanner.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Canceled)
	s.Equal(int64(10), s.detail("g1").Available)
}

// 一轮扫描比锁 TTL 还长时看门狗持续续期，另一个实例这时拿不到扫描锁
func (s *OrderServiceSuite) TestRecoverySweepLockRenewedWhileSweeping() {
	s.initGoods("g1", 10)
	for _, id := range []string{"req-1", "req-2", "req-3"} {
		order, err := s.create(id, 1)
		s.Require().NoError(err)
		s.markPaid(order)
		// 在线请求占着事务锁，让每一条都要等满 Lock.Wait
		_, err = s.locker.TryLock(s.ctx, lock.TransactionKey(id), time.Minute, 0)
		s.Require().NoError(err)
	}
	s.svc.opts.Lock = lock.Options{TTL: 60 * time.Millisecond, Wait: 200 * time.Millisecond}

	done := make(chan RecoveryStats, 1)
	go func() {
		stats, err := s.newScanner(time.Minute).RunOnce(s.ctx)
		s.NoError(err)
		done <- stats
	}()

	// 快进合计超过 TTL，没有续期的话扫描锁已经过期
	for i := 0; i < 2; i++ {
		time.Sleep(50 * time.Millisecond)
		s.mr.FastForward(40 * time.Millisecond)
	}
	stats, err := s.newScanner(time.Minute).RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(RecoveryStats{}, stats)

	select {
	case first := <-done:
		s.Equal(3, first.Scanned)
		s.Equal(3, first.Failed)
	case <-time.After(5 * time.Second):
		s.Fail("first sweep did not finish")
	}
	s.False(s.mr.Exists("lock:" + lock.RecoveryKey("ORDER", "INVENTORY")))
}

// 一整页都是未到期的待支付订单时，下一轮接着往后扫，后面已支付的订单不会被挡住
func (s *OrderServiceSuite) TestRecoveryPagesPastPendingEntries() {
	s.initGoods("g1", 10)
	for _, id := range []string{"req-1", "req-2"} {
		_, err := s.create(id, 1)
		s.Require().NoError(err)
	}
	paid, err := s.create("req-3", 1)
	s.Require().NoError(err)
	s.markPaid(paid)

	scanner := s.newScanner(time.Minute)
	opts := scanner.options()
	opts.Batch = 2
	scanner.Reconfigure(opts)

	stats, err := scanner.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, stats.Pending)
	s.Equal(0, stats.Confirmed)

	stats, err = scanner.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Scanned)
	s.Equal(1, stats.Confirmed)
	s.Equal(txdomain.PhaseConfirm, s.txEntry("req-3").Phase)

	// 扫到末尾后回到开头
	stats, err = scanner.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, stats.Pending)
}
