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
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/trace/noop"

	"fulfillment/internal/lock"
	"fulfillment/internal/pkg/redis"
	"fulfillment/internal/service/inventory/domain"
	"fulfillment/internal/service/inventory/infrastructure"
)

type LedgerSuite struct {
	suite.Suite
	ctx    context.Context
	repo   *infrastructure.MemoryRepository
	locker *lock.RedisLocker
	ledger *Ledger
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) SetupTest() {
	s.ctx = context.Background()
	mr := miniredis.RunT(s.T())
	uc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s.T().Cleanup(func() { _ = uc.Close() })

	locker, err := lock.NewRedisLocker(redis.Wrap(uc), "")
	s.Require().NoError(err)
	s.locker = locker
	s.repo = infrastructure.NewMemoryRepository()
	s.ledger = NewLedger(s.repo, locker, lock.Options{TTL: 5 * time.Second, Wait: 5 * time.Second}, noop.NewTracerProvider().Tracer("test"))
}

func (s *LedgerSuite) initGoods(goodsID string, qty int64) {
	_, err := s.ledger.InitInventory(s.ctx, goodsID, "COLLECTION", qty)
	s.Require().NoError(err)
}

func (s *LedgerSuite) detail(goodsID string) domain.Snapshot {
	snap, err := s.ledger.Detail(s.ctx, goodsID)
	s.Require().NoError(err)
	return snap
}

// 库存 10，Try 3 后 Confirm，之后再 Cancel 必须失败
func (s *LedgerSuite) TestTryConfirmThenCancelIsRejected() {
	s.initGoods("g1", 10)

	ok, err := s.ledger.TryDecrease(s.ctx, "g1", "A", 3)
	s.Require().NoError(err)
	s.True(ok)
	snap := s.detail("g1")
	s.Equal(int64(7), snap.Available)
	s.Equal(int64(3), snap.Reserved)

	s.Require().NoError(s.ledger.ConfirmDecrease(s.ctx, "g1", "A", 3))
	snap = s.detail("g1")
	s.Equal(int64(7), snap.Available)
	s.Equal(int64(0), snap.Reserved)

	err = s.ledger.CancelDecrease(s.ctx, "g1", "A", 3)
	s.ErrorIs(err, domain.ErrInvalidPhaseTransition)
	s.ErrorIs(err, domain.ErrAlreadyConfirmed)
	s.Equal(snap, s.detail("g1"))
}

func (s *LedgerSuite) TestTryReplayMutatesOnce() {
	s.initGoods("g1", 10)

	for i := 0; i < 3; i++ {
		ok, err := s.ledger.TryDecrease(s.ctx, "g1", "A", 4)
		s.Require().NoError(err)
		s.True(ok)
	}
	snap := s.detail("g1")
	s.Equal(int64(6), snap.Available)
	s.Equal(int64(4), snap.Reserved)
	s.Equal(int64(2), snap.Version)

	entries, err := s.repo.FindEntries(s.ctx, "A")
	s.Require().NoError(err)
	s.Len(entries, 1)
}

func (s *LedgerSuite) TestInsufficientStockLeavesNoEntry() {
	s.initGoods("g1", 2)

	ok, err := s.ledger.TryDecrease(s.ctx, "g1", "A", 3)
	s.Require().NoError(err)
	s.False(ok)

	ok, err = s.ledger.TryDecrease(s.ctx, "g1", "A", 3)
	s.Require().NoError(err)
	s.False(ok)

	entries, err := s.repo.FindEntries(s.ctx, "A")
	s.Require().NoError(err)
	s.Empty(entries)
	s.Equal(int64(2), s.detail("g1").Available)
}

func (s *LedgerSuite) TestConfirmOrCancelWithoutTry() {
	s.initGoods("g1", 10)

	s.ErrorIs(s.ledger.ConfirmDecrease(s.ctx, "g1", "missing", 1), domain.ErrInvalidPhaseTransition)
	s.ErrorIs(s.ledger.CancelDecrease(s.ctx, "g1", "missing", 1), domain.ErrInvalidPhaseTransition)

	snap := s.detail("g1")
	s.Equal(int64(10), snap.Available)
	s.Equal(int64(0), snap.Reserved)
}

func (s *LedgerSuite) TestCancelIsIdempotentAndBlocksConfirm() {
	s.initGoods("g1", 10)

	ok, err := s.ledger.TryDecrease(s.ctx, "g1", "B", 4)
	s.Require().NoError(err)
	s.True(ok)

	s.Require().NoError(s.ledger.CancelDecrease(s.ctx, "g1", "B", 4))
	s.Require().NoError(s.ledger.CancelDecrease(s.ctx, "g1", "B", 4))
	snap := s.detail("g1")
	s.Equal(int64(10), snap.Available)
	s.Equal(int64(0), snap.Reserved)

	s.ErrorIs(s.ledger.ConfirmDecrease(s.ctx, "g1", "B", 4), domain.ErrAlreadyCanceled)
}

func (s *LedgerSuite) TestConfirmIsIdempotent() {
	s.initGoods("g1", 10)
	_, err := s.ledger.TryDecrease(s.ctx, "g1", "C", 2)
	s.Require().NoError(err)

	s.Require().NoError(s.ledger.ConfirmDecrease(s.ctx, "g1", "C", 2))
	s.Require().NoError(s.ledger.ConfirmDecrease(s.ctx, "g1", "C", 2))

	entries, err := s.repo.FindEntries(s.ctx, "C")
	s.Require().NoError(err)
	s.Len(entries, 2)
	s.Equal(int64(0), s.detail("g1").Reserved)
}

func (s *LedgerSuite) TestQuantityMismatch() {
	s.initGoods("g1", 10)
	_, err := s.ledger.TryDecrease(s.ctx, "g1", "D", 2)
	s.Require().NoError(err)

	s.ErrorIs(s.ledger.ConfirmDecrease(s.ctx, "g1", "D", 3), domain.ErrQuantityMismatch)
	// qty 为 0 表示使用 Try 记录的数量
	s.Require().NoError(s.ledger.ConfirmDecrease(s.ctx, "g1", "D", 0))
}

func (s *LedgerSuite) TestTryReplayWithDifferentGoodsOrQuantity() {
	s.initGoods("g1", 10)
	s.initGoods("g2", 10)
	ok, err := s.ledger.TryDecrease(s.ctx, "g1", "X", 3)
	s.Require().NoError(err)
	s.Require().True(ok)

	ok, err = s.ledger.TryDecrease(s.ctx, "g2", "X", 3)
	s.ErrorIs(err, domain.ErrQuantityMismatch)
	s.False(ok)
	s.Equal(int64(10), s.detail("g2").Available)

	ok, err = s.ledger.TryDecrease(s.ctx, "g1", "X", 8)
	s.ErrorIs(err, domain.ErrQuantityMismatch)
	s.False(ok)
	snap := s.detail("g1")
	s.Equal(int64(7), snap.Available)
	s.Equal(int64(3), snap.Reserved)

	// 完全一致的重放仍然成功
	ok, err = s.ledger.TryDecrease(s.ctx, "g1", "X", 3)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *LedgerSuite) TestConcurrentTryDecrease() {
	s.initGoods("g1", 5)

	const n = 20
	var success, rejected int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ledger.TryDecrease(s.ctx, "g1", fmt.Sprintf("order-%d", i), 1)
			s.NoError(err)
			if ok {
				atomic.AddInt32(&success, 1)
			} else {
				atomic.AddInt32(&rejected, 1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(5), success)
	s.Equal(int32(n-5), rejected)
	snap := s.detail("g1")
	s.Equal(int64(0), snap.Available)
	s.Equal(int64(5), snap.Reserved)
}

func (s *LedgerSuite) TestLockTimeoutLeavesNoTrace() {
	s.initGoods("g1", 5)

	h, err := s.locker.TryLock(s.ctx, lock.GoodsKey("g1"), 5*time.Second, time.Second)
	s.Require().NoError(err)
	defer func() { _ = s.locker.Unlock(s.ctx, h) }()

	short := NewLedger(s.repo, s.locker, lock.Options{TTL: time.Second, Wait: 30 * time.Millisecond}, noop.NewTracerProvider().Tracer("test"))
	ok, err := short.TryDecrease(s.ctx, "g1", "E", 1)
	s.ErrorIs(err, lock.ErrLockTimeout)
	s.False(ok)

	entries, err := s.repo.FindEntries(s.ctx, "E")
	s.Require().NoError(err)
	s.Empty(entries)
	s.Equal(int64(5), s.detail("g1").Available)
}

func (s *LedgerSuite) TestIncreaseAndReplay() {
	s.initGoods("g1", 10)

	s.Require().NoError(s.ledger.Increase(s.ctx, "g1", "restock-1", 5))
	s.Require().NoError(s.ledger.Increase(s.ctx, "g1", "restock-1", 5))

	_, err := s.ledger.TryDecrease(s.ctx, "g1", "A", 3)
	s.Require().NoError(err)
	_, err = s.ledger.TryDecrease(s.ctx, "g1", "B", 2)
	s.Require().NoError(err)
	s.Require().NoError(s.ledger.ConfirmDecrease(s.ctx, "g1", "A", 3))
	s.Require().NoError(s.ledger.CancelDecrease(s.ctx, "g1", "B", 2))

	goodsID, qty, found, err := s.ledger.Reservation(s.ctx, "B")
	s.Require().NoError(err)
	s.True(found)
	s.Equal("g1", goodsID)
	s.Equal(int64(2), qty)
	_, _, found, err = s.ledger.Reservation(s.ctx, "restock-1")
	s.Require().NoError(err)
	s.False(found)

	available, err := s.ledger.QueryInventory(s.ctx, "g1")
	s.Require().NoError(err)
	s.Equal(int64(12), available)

	snap := s.detail("g1")
	replayed, err := s.ledger.ReplayStream(s.ctx, "g1")
	s.Require().NoError(err)
	s.Equal(snap.Available, replayed.Available)
	s.Equal(snap.Reserved, replayed.Reserved)

	// 可售 + 预扣 = 初始 + 补货 - 已确认
	s.Equal(int64(10+5-3), snap.Available+snap.Reserved)
}

func (s *LedgerSuite) TestInitInventoryIsIdempotent() {
	s.initGoods("g1", 10)
	snap, err := s.ledger.InitInventory(s.ctx, "g1", "COLLECTION", 99)
	s.Require().NoError(err)
	s.Equal(int64(10), snap.Available)

	_, err = s.ledger.QueryInventory(s.ctx, "unknown")
	s.ErrorIs(err, domain.ErrInventoryNotFound)
	_, err = s.ledger.TryDecrease(s.ctx, "unknown", "X", 1)
	s.ErrorIs(err, domain.ErrInventoryNotFound)
}
