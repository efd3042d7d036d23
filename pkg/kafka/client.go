// Package kafka 提供了向 Kafka 发布文件生命周期事件的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"knowledge-ingest-go/internal/config"
	"knowledge-ingest-go/pkg/log"
	"knowledge-ingest-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

// Publisher 发布文件事件。发送失败只影响通知，不影响处理流程。
type Publisher interface {
	Publish(ctx context.Context, event tasks.FileEvent) error
	Close() error
}

// MessageWriter 是 kafka.Writer 中被使用的部分。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaPublisher struct {
	writer MessageWriter
}

// NewPublisher 根据配置创建事件发布者，未启用时返回空实现。
func NewPublisher(cfg config.KafkaConfig) Publisher {
	if !cfg.Enabled {
		log.Info("[Kafka] 事件发布未启用")
		return NopPublisher{}
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	log.Infof("[Kafka] 事件发布者初始化成功, topic: %s", cfg.Topic)
	return NewPublisherWithWriter(w)
}

// NewPublisherWithWriter 使用给定的 writer 构造发布者。
func NewPublisherWithWriter(w MessageWriter) Publisher {
	return &kafkaPublisher{writer: w}
}

// Publish 以文件 ID 为 key 发送事件，保证同一文件的事件有序。
func (p *kafkaPublisher) Publish(ctx context.Context, event tasks.FileEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal file event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.FileID),
		Value: value,
	}); err != nil {
		return fmt.Errorf("write file event: %w", err)
	}
	return nil
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher 丢弃所有事件。
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, tasks.FileEvent) error { return nil }
func (NopPublisher) Close() error                                    { return nil }
