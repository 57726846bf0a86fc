package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/order/domain"
)

// OrderEventProducer 实现 port.EventProducer，按订单号分区保证同一订单的事件有序
type OrderEventProducer struct {
	writer *kafka.Writer
}

func NewOrderEventProducer(writer *kafka.Writer) *OrderEventProducer {
	return &OrderEventProducer{writer: writer}
}

func (p *OrderEventProducer) PublishOrderEvent(ctx context.Context, event *domain.OrderEvent) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}
	return mq.ProduceMessage(ctx, p.writer, []byte(event.OrderID), eventBytes)
}

func (p *OrderEventProducer) Close() error {
	return p.writer.Close()
}
