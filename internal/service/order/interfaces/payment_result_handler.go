package interfaces

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/infrastructure"
)

// PaymentResultProcessor 处理支付结果
type PaymentResultProcessor interface {
	HandlePaymentResult(ctx context.Context, event *domain.PaymentResultEvent) error
}

// PaymentResultHandler 消费 payment-result-topic，仅在异步结算模式下启动
type PaymentResultHandler struct {
	processor PaymentResultProcessor
}

func NewPaymentResultHandler(processor PaymentResultProcessor) *PaymentResultHandler {
	return &PaymentResultHandler{processor: processor}
}

func (h *PaymentResultHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var event domain.PaymentResultEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("%w: unmarshal payment result: %v", infrastructure.ErrPoisonMessage, err)
	}
	if event.OrderID == "" {
		return fmt.Errorf("%w: payment result without order id", infrastructure.ErrPoisonMessage)
	}
	return h.processor.HandlePaymentResult(ctx, &event)
}
