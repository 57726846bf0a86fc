package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/order/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SchedulerKafkaAdapter 实现了 port.DelayScheduler 接口。
// 检查任务先写入延迟主题，由 delay-scheduler 到期后转发到 realTopic。
type SchedulerKafkaAdapter struct {
	delayWriter messageWriter
	realTopic   string
	deadline    time.Duration
}

// NewSchedulerKafkaAdapter 创建一个新的延迟任务调度器适配器。
func NewSchedulerKafkaAdapter(brokers []string, delayTopic, realTopic string, deadline time.Duration) *SchedulerKafkaAdapter {
	return newSchedulerKafkaAdapter(mq.NewKafkaWriter(brokers, delayTopic), realTopic, deadline)
}

func newSchedulerKafkaAdapter(w messageWriter, realTopic string, deadline time.Duration) *SchedulerKafkaAdapter {
	return &SchedulerKafkaAdapter{delayWriter: w, realTopic: realTopic, deadline: deadline}
}

// SchedulePaymentTimeout 发送支付超时检查的延迟消息
func (a *SchedulerKafkaAdapter) SchedulePaymentTimeout(ctx context.Context, orderID, buyerID string, creationTime time.Time) error {
	task := domain.PaymentTimeoutCheckEvent{
		OrderID:      orderID,
		BuyerID:      buyerID,
		CreationTime: creationTime,
		TraceID:      trace.SpanFromContext(ctx).SpanContext().TraceID().String(),
	}
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal timeout check task: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(orderID),
		Value: taskBytes,
		Headers: []kafka.Header{
			{Key: mq.HeaderRealTopic, Value: []byte(a.realTopic)},
			{Key: mq.HeaderDelayTimestamp, Value: []byte(creationTime.Add(a.deadline).Format(time.RFC3339))},
		},
	}
	mq.InjectTraceContext(ctx, &msg.Headers)

	return a.delayWriter.WriteMessages(ctx, msg)
}

// Close 关闭底层的 Kafka writer。
func (a *SchedulerKafkaAdapter) Close() error {
	return a.delayWriter.Close()
}
