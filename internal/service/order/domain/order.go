// internal/service/order/domain/order.go
package domain

import (
	"errors"
	"time"
)

// Order 是订单聚合的根实体，状态只能通过 StateMachine 改变
type Order struct {
	ID         string
	GoodsID    string
	GoodsType  string
	BuyerID    string
	ItemCount  int
	Status     Status
	Identifier string // 与库存流水共享的幂等键
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// 工厂函数: NewOrder 创建一个处于 CREATE 状态的订单
func NewOrder(id, buyerID, goodsID, goodsType string, itemCount int, identifier string) (*Order, error) {
	if id == "" || buyerID == "" || goodsID == "" || identifier == "" {
		return nil, errors.New("cannot create order with empty required fields")
	}
	if itemCount <= 0 {
		return nil, errors.New("item count must be positive")
	}
	now := time.Now()
	return &Order{
		ID:         id,
		GoodsID:    goodsID,
		GoodsType:  goodsType,
		BuyerID:    buyerID,
		ItemCount:  itemCount,
		Status:     StatusCreate,
		Identifier: identifier,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Apply 通过状态机推进状态，成功时版本号加一
func (o *Order) Apply(sm *StateMachine, event Event) (from Status, err error) {
	to, err := sm.Transition(o.Status, event)
	if err != nil {
		return o.Status, err
	}
	from = o.Status
	o.Status = to
	o.Version++
	o.UpdatedAt = time.Now()
	return from, nil
}

// Expired 订单在 expiry 之后仍未支付
func (o *Order) Expired(now time.Time, expiry time.Duration) bool {
	return o.Status != StatusPaid && now.Sub(o.CreatedAt) >= expiry
}
