package queue

import (
	"context"
	"time"
)

// Message сообщение очереди захватов. Очередь at-least-once:
// сообщение может прийти повторно, обработчик обязан быть идемпотентным.
type Message struct {
	// ChargeExternalID внешний идентификатор платежа
	ChargeExternalID string `json:"charge_external_id"`
	// Attempt номер попытки захвата, начиная с 1
	Attempt int `json:"attempt"`
	// NotBefore момент, раньше которого сообщение не должно обрабатываться.
	// Заменяет отложенную доставку, которой нет у брокера
	NotBefore time.Time `json:"not_before"`
}

// Delivery полученное из очереди сообщение вместе с квитанцией,
/// нужной для подтверждения. ParseErr не-nil для poison-сообщений:
// такие уходят в DLQ и подтверждаются без обработки.
type Delivery struct {
	Message  Message
	Raw      []byte
	ParseErr error

	// Receipt брокер-специфичная квитанция для Delete
	Receipt any
}

// Queue очередь захватов с явным подтверждением. Receive блокируется
// до появления сообщения или отмены контекста. Сообщение, не удалённое
// через Delete, будет доставлено повторно.
type Queue interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Delivery, error)
	Delete(ctx context.Context, delivery Delivery) error
}
