package domain

import "time"

// Refund представляет возврат средств по ранее захваченному charge
type Refund struct {
	ExternalID           string
	ChargeExternalID     string
	Amount               int64
	Status               RefundStatus
	GatewayTransactionID string
	Version              int64
	CreatedAt            time.Time
}

// HasStatus сообщает, находится ли refund в одном из указанных статусов
func (r Refund) HasStatus(statuses ...RefundStatus) bool {
	return r.Status.In(statuses...)
}

// RefundHistoryEvent — запись истории переходов refund.
// Держит gateway transaction id и сумму: event factory строит из неё payload события.
type RefundHistoryEvent struct {
	RefundExternalID     string
	ChargeExternalID     string
	Status               RefundStatus
	Amount               int64
	GatewayTransactionID string
	OccurredAt           time.Time
}
