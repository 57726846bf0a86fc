// internal/service/order/infrastructure/kafka_consumer.go
package infrastructure

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
)

// MessageHandler 处理一条消息，返回 error 时按重试策略处理
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// ErrPoisonMessage 包装无法重试的消息错误（如反序列化失败），直接进入死信
var ErrPoisonMessage = errors.New("poison message")

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Config() kafka.ReaderConfig
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// ConsumerOptions 消费重试参数
type ConsumerOptions struct {
	MaxAttempts int
	Backoff     time.Duration
}

// ConsumerAdapter 是一个驱动适配器，它监听 Kafka 主题并把消息交给 handler。
// 处理失败的消息在重试耗尽后写入死信主题，然后提交 offset。
type ConsumerAdapter struct {
	reader  messageReader
	dlt     messageWriter
	handler MessageHandler
	opts    ConsumerOptions

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewConsumerAdapter 创建消费者适配器，dlt 为空时失败消息只记录日志
func NewConsumerAdapter(reader messageReader, dlt messageWriter, handler MessageHandler, opts ConsumerOptions) *ConsumerAdapter {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &ConsumerAdapter{reader: reader, dlt: dlt, handler: handler, opts: opts}
}

// NewKafkaConsumerAdapter 为 topic 创建 reader 和对应的死信 writer
func NewKafkaConsumerAdapter(brokers []string, topic, groupID string, handler MessageHandler, opts ConsumerOptions) *ConsumerAdapter {
	reader := mq.NewKafkaReader(brokers, topic, groupID)
	dlt := mq.NewKafkaWriter(brokers, mq.DLTTopic(topic))
	return NewConsumerAdapter(reader, dlt, handler, opts)
}

// Start 开始监听 Kafka 主题，直到 ctx 取消或调用 Stop
func (a *ConsumerAdapter) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	topic := a.reader.Config().Topic

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", topic).Msg("✅ Kafka consumer started.")
		for {
			// 使用 FetchMessage 以便在处理完成后再手动提交
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Ctx(ctx).Info().Str("topic", topic).Msg("🛑 Kafka consumer shutting down.")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Str("topic", topic).Msg("could not read message, retrying")
				if !sleep(ctx, time.Second) {
					return
				}
				continue
			}

			a.process(ctx, msg)

			if err := a.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Str("topic", topic).Int64("offset", msg.Offset).Msg("failed to commit message")
			}
		}
	}()
}

// Stop 优雅地停止消费者
func (a *ConsumerAdapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if c, ok := a.dlt.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	return a.reader.Close()
}

func (a *ConsumerAdapter) process(parent context.Context, msg kafka.Message) {
	ctx := mq.ExtractTraceContext(parent, msg.Headers)

	var err error
	for attempt := 1; attempt <= a.opts.MaxAttempts; attempt++ {
		if err = a.handler(ctx, msg); err == nil {
			return
		}
		if errors.Is(err, ErrPoisonMessage) || attempt == a.opts.MaxAttempts {
			break
		}
		logger.Ctx(ctx).Warn().Err(err).Str("key", string(msg.Key)).Int("attempt", attempt).Msg("message handling failed, retrying")
		if !sleep(ctx, a.opts.Backoff*time.Duration(attempt)) {
			return
		}
	}

	logger.Ctx(ctx).Error().Err(err).Str("topic", msg.Topic).Str("key", string(msg.Key)).Msg("message handling failed, sending to dead letter topic")
	if a.dlt == nil {
		return
	}
	if werr := a.dlt.WriteMessages(ctx, mq.DeadLetter(msg, err)); werr != nil {
		logger.Ctx(ctx).Error().Err(werr).Str("key", string(msg.Key)).Msg("failed to write dead letter")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
