// Package bus mirrors lifecycle event envelopes onto an internal Kafka topic
// for consumers inside the platform (analytics, fulfilment). Vendor-facing
// delivery goes through the durable webhook queue; the bus is best-effort.
package bus

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, key string, message []byte) error
	Close() error
}

type kafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, l *zap.Logger) Publisher {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
		Logger:   zap.NewStdLog(l.With(zap.String("kafka_component", "producer"))),
	}

	l.Info("Kafka lifecycle publisher initialized", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return &kafkaPublisher{writer: writer, logger: l}
}

func (p *kafkaPublisher) Publish(ctx context.Context, key string, message []byte) error {
	msg := kafka.Message{
		Key:   []byte(key),
		Value: message,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Failed to publish lifecycle event to Kafka",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to publish lifecycle event: %w", err)
	}
	p.logger.Debug("Published lifecycle event", zap.String("key", key))
	return nil
}

func (p *kafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		p.logger.Error("Failed to close Kafka publisher", zap.Error(err))
		return fmt.Errorf("failed to close Kafka publisher: %w", err)
	}
	p.logger.Info("Kafka publisher closed.")
	return nil
}
