package interfaces

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/infrastructure"
)

// TimeoutProcessor 处理到期的支付超时检查
type TimeoutProcessor interface {
	HandlePaymentTimeout(ctx context.Context, event *domain.PaymentTimeoutCheckEvent) error
}

// OrderTimeoutHandler 消费 order-timeout-check-topic
type OrderTimeoutHandler struct {
	processor TimeoutProcessor
}

func NewOrderTimeoutHandler(processor TimeoutProcessor) *OrderTimeoutHandler {
	return &OrderTimeoutHandler{processor: processor}
}

// Handle 反序列化消息并调用应用服务，可作为 infrastructure.MessageHandler
func (h *OrderTimeoutHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var event domain.PaymentTimeoutCheckEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("%w: unmarshal timeout check: %v", infrastructure.ErrPoisonMessage, err)
	}
	logger.Ctx(ctx).Debug().Str("order_id", event.OrderID).Msg("payment timeout check received")
	return h.processor.HandlePaymentTimeout(ctx, &event)
}
