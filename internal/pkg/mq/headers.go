package mq

import (
	"strconv"

	"github.com/segmentio/kafka-go"
)

// 延迟队列与死信队列使用的消息头
const (
	HeaderRealTopic      = "real-topic"
	HeaderDelayTimestamp = "delay-timestamp"

	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionMessage  = "x-exception-message"
)

// DeadLetter 基于处理失败的消息构造一条死信，保留原始消息头
func DeadLetter(msg kafka.Message, cause error) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers)+4)
	headers = append(headers, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
	)
	if cause != nil {
		headers = append(headers, kafka.Header{Key: HeaderExceptionMessage, Value: []byte(cause.Error())})
	}
	return kafka.Message{Key: msg.Key, Value: msg.Value, Headers: headers}
}

// DLTTopic 死信主题命名
func DLTTopic(topic string) string {
	return topic + ".DLT"
}
