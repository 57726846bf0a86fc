// cmd/delay-scheduler/scheduler.go
package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Scheduler 负责一个延迟级别的轮询：到期的消息转投到 real-topic 指定的主题
type Scheduler struct {
	level     string
	delay     time.Duration
	reader    messageReader
	newWriter func(topic string) messageWriter
	tracer    trace.Tracer
	now       func() time.Time

	// pending 是已取出但尚未到期的队头消息，下次轮询先检查它
	pending *kafka.Message

	mu      sync.Mutex
	writers map[string]messageWriter
}

func NewScheduler(level string, delay time.Duration, reader messageReader, newWriter func(topic string) messageWriter, tracer trace.Tracer) *Scheduler {
	return &Scheduler{
		level:     level,
		delay:     delay,
		reader:    reader,
		newWriter: newWriter,
		tracer:    tracer,
		now:       time.Now,
		writers:   make(map[string]messageWriter),
	}
}

// Run 每个 interval 检查一次，直到 ctx 取消
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	logger.Ctx(ctx).Info().Str("level", s.level).Dur("interval", interval).Msg("✅ Polling scheduler started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case <-ticker.C:
			s.poll(ctx, interval)
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Str("level", s.level).Msg("🛑 Shutting down polling scheduler")
			return nil
		}
	}
}

// poll 依次投递到期消息，遇到未到期的队头即停止
func (s *Scheduler) poll(ctx context.Context, wait time.Duration) {
	for ctx.Err() == nil {
		msg, ok := s.next(ctx, wait)
		if !ok {
			return
		}
		if !s.handle(ctx, msg) {
			s.pending = &msg
			return
		}
		s.pending = nil
	}
}

func (s *Scheduler) next(ctx context.Context, wait time.Duration) (kafka.Message, bool) {
	if s.pending != nil {
		return *s.pending, true
	}
	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	msg, err := s.reader.FetchMessage(fetchCtx)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			logger.Ctx(ctx).Error().Err(err).Str("level", s.level).Msg("failed to fetch delayed message")
		}
		return kafka.Message{}, false
	}
	return msg, true
}

// deliveryTime 优先使用生产者写入的 delay-timestamp，否则按级别延迟计算
func (s *Scheduler) deliveryTime(msg kafka.Message) time.Time {
	if raw := mq.Header(msg.Headers, mq.HeaderDelayTimestamp); raw != "" {
		if at, err := time.Parse(time.RFC3339, raw); err == nil {
			return at
		}
	}
	return msg.Time.Add(s.delay)
}

// handle 返回 false 表示消息需要留到下一轮
func (s *Scheduler) handle(parent context.Context, msg kafka.Message) bool {
	now := s.now().UTC()
	due := s.deliveryTime(msg)
	ctx, span := s.tracer.Start(mq.ExtractTraceContext(parent, msg.Headers), "scheduler.CheckAndPublish", trace.WithAttributes(
		attribute.String("delay.level", s.level),
		attribute.String("delivery_time", due.Format(time.RFC3339)),
	))
	defer span.End()

	if now.Before(due) {
		span.AddEvent("HeadMessageNotDue")
		return false
	}

	realTopic := mq.Header(msg.Headers, mq.HeaderRealTopic)
	if realTopic == "" {
		// 无法投递的消息也要提交，否则会一直卡在队头
		logger.Ctx(ctx).Error().Str("level", s.level).Str("key", string(msg.Key)).Msg("'real-topic' header missing, skipping")
		s.commit(ctx, msg)
		return true
	}

	if err := s.publish(ctx, realTopic, msg); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("real_topic", realTopic).Msg("failed to publish delayed message")
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish to real topic")
		return false
	}
	s.commit(ctx, msg)
	logger.Ctx(ctx).Info().Str("level", s.level).Str("real_topic", realTopic).Str("key", string(msg.Key)).Msg("delayed message delivered")
	span.AddEvent("MessagePublishedAndCommitted", trace.WithAttributes(attribute.String("real.topic", realTopic)))
	return true
}

func (s *Scheduler) commit(ctx context.Context, msg kafka.Message) {
	if err := s.reader.CommitMessages(ctx, msg); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("level", s.level).Int64("offset", msg.Offset).Msg("failed to commit delayed message")
	}
}

func (s *Scheduler) publish(ctx context.Context, realTopic string, msg kafka.Message) error {
	s.mu.Lock()
	writer, ok := s.writers[realTopic]
	if !ok {
		writer = s.newWriter(realTopic)
		s.writers[realTopic] = writer
	}
	s.mu.Unlock()

	out := kafka.Message{Key: msg.Key, Value: msg.Value}
	mq.InjectTraceContext(ctx, &out.Headers)
	return writer.WriteMessages(ctx, out)
}

func (s *Scheduler) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, w := range s.writers {
		if err := w.Close(); err != nil {
			logger.Ctx(context.Background()).Error().Err(err).Str("topic", topic).Msg("failed to close writer")
		}
	}
	if err := s.reader.Close(); err != nil {
		logger.Ctx(context.Background()).Error().Err(err).Str("level", s.level).Msg("failed to close reader")
	}
}
