package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/shestoi/cardflow/internal/queue"
	"github.com/shestoi/cardflow/platform/observability"
)

// Queue реализация очереди захватов поверх Kafka. Семантика
// at-least-once: FetchMessage выдаёт сообщение, коммит оффсета
// происходит только в Delete.
type Queue struct {
	writer *kafka.Writer
	reader *kafka.Reader
	logger *zap.Logger
}

// NewQueue создаёт очередь для топика с consumer group
func NewQueue(brokers []string, topic, groupID string, logger *zap.Logger) *Queue {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})

	return &Queue{
		writer: writer,
		reader: reader,
		logger: logger,
	}
}

// Send публикует сообщение, ключ партиционирования — external id платежа,
// чтобы попытки по одному платежу шли в порядке
func (q *Queue) Send(ctx context.Context, msg queue.Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal capture message: %w", err)
	}

	kafkaMsg := kafka.Message{
		Key:   []byte(msg.ChargeExternalID),
		Value: value,
	}
	otel.GetTextMapPropagator().Inject(ctx, observability.NewKafkaHeaderCarrier(&kafkaMsg.Headers))

	if err := q.writer.WriteMessages(ctx, kafkaMsg); err != nil {
		return fmt.Errorf("write capture message: %w", err)
	}

	q.logger.Debug("capture message sent",
		zap.String("charge_external_id", msg.ChargeExternalID),
		zap.Int("attempt", msg.Attempt),
	)
	return nil
}

// Receive блокируется до следующего сообщения. Нечитаемое сообщение
// возвращается с ParseErr, решение о DLQ принимает вызывающий.
func (q *Queue) Receive(ctx context.Context) (queue.Delivery, error) {
	kafkaMsg, err := q.reader.FetchMessage(ctx)
	if err != nil {
		return queue.Delivery{}, fmt.Errorf("fetch capture message: %w", err)
	}

	delivery := queue.Delivery{
		Raw:     kafkaMsg.Value,
		Receipt: kafkaMsg,
	}

	if err := json.Unmarshal(kafkaMsg.Value, &delivery.Message); err != nil {
		delivery.ParseErr = err
		return delivery, nil
	}

	return delivery, nil
}

// Delete подтверждает сообщение коммитом оффсета
func (q *Queue) Delete(ctx context.Context, delivery queue.Delivery) error {
	kafkaMsg, ok := delivery.Receipt.(kafka.Message)
	if !ok {
		return fmt.Errorf("delivery receipt is not a kafka message")
	}

	if err := q.reader.CommitMessages(ctx, kafkaMsg); err != nil {
		return fmt.Errorf("commit capture message: %w", err)
	}
	return nil
}

// Close закрывает writer и reader
func (q *Queue) Close() error {
	writerErr := q.writer.Close()
	readerErr := q.reader.Close()
	if writerErr != nil {
		return writerErr
	}
	return readerErr
}
