// internal/service/order/interfaces/dlt_handler.go
package interfaces

import (
	"context"

	"github.com/segmentio/kafka-go"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
)

// HandleDeadLetter 记录死信消息详情。死信总是直接提交，它们已经被“处理”了（即记录日志）
func HandleDeadLetter(ctx context.Context, msg kafka.Message) error {
	// 使用结构化日志记录，便于后续分析
	logger.Ctx(ctx).Error().
		Bool("alert", true).
		Str("reason", "dead_letter_message_received").
		Str("original_topic", mq.Header(msg.Headers, mq.HeaderOriginalTopic)).
		Str("original_partition", mq.Header(msg.Headers, mq.HeaderOriginalPartition)).
		Str("original_offset", mq.Header(msg.Headers, mq.HeaderOriginalOffset)).
		Str("exception_message", mq.Header(msg.Headers, mq.HeaderExceptionMessage)).
		Str("key", string(msg.Key)).
		Str("value", string(msg.Value)).
		Msg("🚨 CRITICAL: Dead letter message received")
	return nil
}
