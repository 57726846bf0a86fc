package port

import (
	"context"

	"fulfillment/internal/service/order/domain"
)

// EventProducer 是订单事件的出站端口。
type EventProducer interface {
	// PublishOrderEvent 发送订单事件，失败只记录日志
	PublishOrderEvent(ctx context.Context, event *domain.OrderEvent) error
}
