package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shestoi/cardflow/internal/domain"
)

// Ошибки хранилища. Service слой переводит их в доменную таксономию.
var (
	// ErrNotFound сущность не найдена
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict conditioned write проиграл version race
	ErrVersionConflict = errors.New("version conflict")
)

// ChargeRepository определяет интерфейс хранилища charge.
// Service слой зависит от интерфейса, а не от конкретной реализации.
type ChargeRepository interface {
	// Create сохраняет новый charge и первую запись истории
	Create(ctx context.Context, charge domain.Charge) error

	// FindByExternalID получает charge по external id.
	// Возвращает ErrNotFound, если charge не найден
	FindByExternalID(ctx context.Context, externalID string) (domain.Charge, error)

	// FindByGatewayTransactionID получает charge по имени шлюза и transaction id
	// шлюза. Возвращает ErrNotFound, если charge не найден
	FindByGatewayTransactionID(ctx context.Context, gatewayName, transactionID string) (domain.Charge, error)

	// FindOverdueForCapture возвращает external id charge-ей в статусе
	// AUTHORISATION_SUCCESS, не обновлявшихся дольше порога cutoff
	FindOverdueForCapture(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// FindExpirable возвращает external id charge-ей в нетерминальных
	// до-захватных статусах, созданных раньше порога cutoff
	FindExpirable(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// UpdateConditional применяет новый статус (и опционально gateway transaction
	// id) при совпадении expectedVersion и атомарно добавляет запись истории.
	// Возвращает обновлённый charge или ErrVersionConflict при проигранной гонке
	UpdateConditional(ctx context.Context, externalID string, expectedVersion int64, status domain.ChargeStatus, gatewayTransactionID string, occurredAt time.Time) (domain.Charge, error)

	// History возвращает записи истории charge в порядке возникновения
	History(ctx context.Context, externalID string) ([]domain.ChargeEvent, error)
}

// RefundRepository определяет интерфейс хранилища refund
type RefundRepository interface {
	// Create сохраняет новый refund и первую запись истории
	Create(ctx context.Context, refund domain.Refund) error

	// FindByExternalID получает refund по external id (reference в уведомлениях).
	// Возвращает ErrNotFound, если refund не найден
	FindByExternalID(ctx context.Context, externalID string) (domain.Refund, error)

	// UpdateConditional применяет новый статус (и опционально gateway transaction
	// id: непустое значение записывается, пустое сохраняет текущее) при совпадении
	// expectedVersion и атомарно добавляет запись истории. Возвращает обновлённый
	// refund или ErrVersionConflict
	UpdateConditional(ctx context.Context, externalID string, expectedVersion int64, status domain.RefundStatus, gatewayTransactionID string, occurredAt time.Time) (domain.Refund, error)

	// AmountRefundedFor возвращает сумму всех не-ошибочных возвратов по charge
	AmountRefundedFor(ctx context.Context, chargeExternalID string) (int64, error)

	// History возвращает записи истории refund в порядке возникновения
	History(ctx context.Context, externalID string) ([]domain.RefundHistoryEvent, error)
}
