// internal/service/order/domain/event.go
package domain

import "time"

// OrderEventType 订单事件类型
type OrderEventType string

const (
	OrderPaid     OrderEventType = "OrderPaid"
	OrderCanceled OrderEventType = "OrderCanceled"
)

// OrderEvent 发往 order-event-topic 的通知，不保证恰好一次
type OrderEvent struct {
	Type       OrderEventType `json:"type"`
	OrderID    string         `json:"orderId"`
	BuyerID    string         `json:"buyerId"`
	GoodsID    string         `json:"goodsId"`
	ItemCount  int            `json:"itemCount"`
	CancelType string         `json:"cancelType,omitempty"`
	At         time.Time      `json:"at"`
}

// PaymentTimeoutCheckEvent 由延迟队列投递的支付超时检查任务
type PaymentTimeoutCheckEvent struct {
	OrderID      string    `json:"orderId"`
	BuyerID      string    `json:"buyerId"`
	CreationTime time.Time `json:"creationTime"`
	TraceID      string    `json:"traceId,omitempty"`
}

// PaymentResultEvent 支付服务回传的结果
type PaymentResultEvent struct {
	OrderID string `json:"orderId"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}
