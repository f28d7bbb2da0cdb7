package kafka

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DLQMessage представляет нечитаемое сообщение очереди захватов
// для Dead Letter Queue
type DLQMessage struct {
	OriginalValue    string `json:"original_value"` // base64 encoded payload
	ErrorMessage     string `json:"error_message"`
	FailedAt         string `json:"failed_at"` // RFC3339
	ChargeExternalID string `json:"charge_external_id,omitempty"`
}

// DLQPublisher публикует poison-сообщения в Dead Letter Queue
type DLQPublisher struct {
	logger *zap.Logger
	writer *kafka.Writer
	topic  string
}

// NewDLQPublisher создаёт новый publisher для DLQ
func NewDLQPublisher(logger *zap.Logger, brokers []string, topic string) *DLQPublisher {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}

	return &DLQPublisher{
		logger: logger,
		writer: writer,
		topic:  topic,
	}
}

// Publish отправляет нечитаемое сообщение в DLQ
func (p *DLQPublisher) Publish(ctx context.Context, raw []byte, chargeExternalID string, cause error) error {
	errorMsg := "unknown error"
	if cause != nil {
		errorMsg = cause.Error()
	}

	dlqMsg := DLQMessage{
		OriginalValue:    base64.StdEncoding.EncodeToString(raw),
		ErrorMessage:     errorMsg,
		FailedAt:         time.Now().UTC().Format(time.RFC3339),
		ChargeExternalID: chargeExternalID,
	}

	valueBytes, err := json.Marshal(dlqMsg)
	if err != nil {
		p.logger.Error("failed to marshal DLQ message", zap.Error(err))
		return err
	}

	key := []byte(chargeExternalID)
	if chargeExternalID == "" {
		key = nil
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: valueBytes}); err != nil {
		p.logger.Error("failed to publish message to DLQ",
			zap.Error(err),
			zap.String("dlq_topic", p.topic),
		)
		return err
	}

	p.logger.Info("message sent to DLQ",
		zap.String("dlq_topic", p.topic),
		zap.String("error", errorMsg),
	)

	return nil
}

// Close закрывает Kafka writer
func (p *DLQPublisher) Close() error {
	return p.writer.Close()
}
