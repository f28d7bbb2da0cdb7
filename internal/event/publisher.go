package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/shestoi/cardflow/platform/observability"
)

// Publisher публикует доменные события во внешний топик
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// KafkaPublisher публикует события в Kafka, ключ партиционирования —
// external id платежа, чтобы события одного платежа шли в порядке
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher создаёт publisher для топика событий
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}

	return &KafkaPublisher{
		writer: writer,
		logger: logger,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	messages := make([]kafka.Message, 0, len(events))
	for _, evt := range events {
		value, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", evt.Type, err)
		}

		key := evt.ParentResourceExternalID
		if key == "" {
			key = evt.ResourceExternalID
		}

		msg := kafka.Message{
			Key:   []byte(key),
			Value: value,
		}
		otel.GetTextMapPropagator().Inject(ctx, observability.NewKafkaHeaderCarrier(&msg.Headers))
		messages = append(messages, msg)
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("write events: %w", err)
	}

	for _, evt := range events {
		p.logger.Debug("domain event published",
			zap.String("event_type", evt.Type),
			zap.String("resource_external_id", evt.ResourceExternalID),
		)
	}
	return nil
}

// Close закрывает writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
