package domain

import "time"

// Charge представляет платёж на всём его жизненном цикле.
// Статус меняется только через Transitioner (state machine), version — поле
// оптимистичной блокировки: conditioned write в хранилище сверяет его.
type Charge struct {
	ExternalID           string
	Amount               int64 // в минорных единицах валюты
	Status               ChargeStatus
	GatewayAccountID     string
	GatewayName          string
	GatewayTransactionID string
	Reference            string
	Description          string
	Email                string
	CardDetails          *CardDetails
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CardDetails снапшот карточных данных (без PAN)
type CardDetails struct {
	CardholderName        string
	LastDigitsCardNumber  string
	FirstDigitsCardNumber string
	ExpiryDate            string
	CardBrand             string
}

// HasStatus сообщает, находится ли charge в одном из указанных статусов
func (c Charge) HasStatus(statuses ...ChargeStatus) bool {
	return c.Status.In(statuses...)
}

// ChargeEvent — запись истории переходов: снапшот (id, status, момент времени).
// Пишется state machine атомарно вместе со сменой статуса; event factory
// читает её как источник истины для доменных событий.
type ChargeEvent struct {
	ChargeExternalID string
	Status           ChargeStatus
	OccurredAt       time.Time
}
