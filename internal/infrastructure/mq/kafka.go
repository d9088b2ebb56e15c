package mq

import (
	"context"
	"fmt"

	"creditgate/internal/config"
	applog "creditgate/pkg/logger"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Publisher 事件投递
type Publisher interface {
	Publish(ctx context.Context, topic, key, value string, headers map[string]string) error
	Close() error
}

// KafkaPublisher 基于 sarama 同步生产者
type KafkaPublisher struct {
	producer sarama.SyncProducer
}

// NewKafkaPublisher 初始化 Kafka 生产者
func NewKafkaPublisher(cfg *config.KafkaConfig) (*KafkaPublisher, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1
	kafkaConfig.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}

	applog.L().Info("[Kafka] 生产者创建成功", zap.Strings("brokers", cfg.Brokers))
	return NewPublisherFromProducer(producer), nil
}

// NewPublisherFromProducer 包装已有的生产者
func NewPublisherFromProducer(producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

// Publish 发送消息到 Kafka
func (p *KafkaPublisher) Publish(ctx context.Context, topic, key, value string, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

// Close 关闭 Kafka 生产者
func (p *KafkaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// LogPublisher Kafka 未启用时把事件写入日志
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, topic, key, value string, _ map[string]string) error {
	applog.L().Info("[Outbox] 事件（未启用 Kafka）",
		zap.String("topic", topic), zap.String("key", key), zap.String("payload", value))
	return nil
}

func (LogPublisher) Close() error { return nil }
