package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/repository"
)

// ChargeRepository реализует repository.ChargeRepository в памяти.
// Используется в тестах и для локальной разработки без PostgreSQL.
// Conditioned write здесь честный: проверка версии и запись идут под одним
// мьютексом, так что гонки двух вызывающих видны так же, как в БД.
type ChargeRepository struct {
	mu      sync.RWMutex
	charges map[string]domain.Charge // ключ = externalID
	history map[string][]domain.ChargeEvent
}

// NewChargeRepository создаёт новый in-memory репозиторий charge
func NewChargeRepository() *ChargeRepository {
	return &ChargeRepository{
		charges: make(map[string]domain.Charge),
		history: make(map[string][]domain.ChargeEvent),
	}
}

// Create сохраняет новый charge и первую запись истории
func (r *ChargeRepository) Create(ctx context.Context, charge domain.Charge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if charge.Version == 0 {
		charge.Version = 1
	}
	r.charges[charge.ExternalID] = charge
	r.history[charge.ExternalID] = append(r.history[charge.ExternalID], domain.ChargeEvent{
		ChargeExternalID: charge.ExternalID,
		Status:           charge.Status,
		OccurredAt:       charge.CreatedAt,
	})
	return nil
}

// FindByExternalID получает charge по external id
func (r *ChargeRepository) FindByExternalID(ctx context.Context, externalID string) (domain.Charge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	charge, exists := r.charges[externalID]
	if !exists {
		return domain.Charge{}, repository.ErrNotFound
	}
	return charge, nil
}

// FindByGatewayTransactionID получает charge по имени шлюза и transaction id шлюза
func (r *ChargeRepository) FindByGatewayTransactionID(ctx context.Context, gatewayName, transactionID string) (domain.Charge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, charge := range r.charges {
		if charge.GatewayName == gatewayName && charge.GatewayTransactionID == transactionID {
			return charge, nil
		}
	}
	return domain.Charge{}, repository.ErrNotFound
}

// FindOverdueForCapture возвращает external id charge-ей в AUTHORISATION_SUCCESS
// старше cutoff
func (r *ChargeRepository) FindOverdueForCapture(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, charge := range r.charges {
		if charge.Status == domain.ChargeAuthorisationSuccess && charge.UpdatedAt.Before(cutoff) {
			ids = append(ids, charge.ExternalID)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
	}
	return ids, nil
}

// FindExpirable возвращает external id charge-ей в экспирируемых статусах,
// созданных раньше cutoff
func (r *ChargeRepository) FindExpirable(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, charge := range r.charges {
		if charge.Status.In(domain.ExpireLegalStates...) && charge.CreatedAt.Before(cutoff) {
			ids = append(ids, charge.ExternalID)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
	}
	return ids, nil
}

// UpdateConditional применяет статус при совпадении версии, атомарно с историей
func (r *ChargeRepository) UpdateConditional(ctx context.Context, externalID string, expectedVersion int64, status domain.ChargeStatus, gatewayTransactionID string, occurredAt time.Time) (domain.Charge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	charge, exists := r.charges[externalID]
	if !exists {
		return domain.Charge{}, repository.ErrNotFound
	}
	if charge.Version != expectedVersion {
		return domain.Charge{}, repository.ErrVersionConflict
	}

	charge.Status = status
	if gatewayTransactionID != "" {
		charge.GatewayTransactionID = gatewayTransactionID
	}
	charge.Version++
	charge.UpdatedAt = occurredAt
	r.charges[externalID] = charge

	r.history[externalID] = append(r.history[externalID], domain.ChargeEvent{
		ChargeExternalID: externalID,
		Status:           status,
		OccurredAt:       occurredAt,
	})
	return charge, nil
}

// History возвращает записи истории charge
func (r *ChargeRepository) History(ctx context.Context, externalID string) ([]domain.ChargeEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := r.history[externalID]
	out := make([]domain.ChargeEvent, len(events))
	copy(out, events)
	return out, nil
}

// RefundRepository реализует repository.RefundRepository в памяти
type RefundRepository struct {
	mu      sync.RWMutex
	refunds map[string]domain.Refund // ключ = externalID
	history map[string][]domain.RefundHistoryEvent
}

// NewRefundRepository создаёт новый in-memory репозиторий refund
func NewRefundRepository() *RefundRepository {
	return &RefundRepository{
		refunds: make(map[string]domain.Refund),
		history: make(map[string][]domain.RefundHistoryEvent),
	}
}

// Create сохраняет новый refund и первую запись истории
func (r *RefundRepository) Create(ctx context.Context, refund domain.Refund) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if refund.Version == 0 {
		refund.Version = 1
	}
	r.refunds[refund.ExternalID] = refund
	r.history[refund.ExternalID] = append(r.history[refund.ExternalID], domain.RefundHistoryEvent{
		RefundExternalID:     refund.ExternalID,
		ChargeExternalID:     refund.ChargeExternalID,
		Status:               refund.Status,
		Amount:               refund.Amount,
		GatewayTransactionID: refund.GatewayTransactionID,
		OccurredAt:           refund.CreatedAt,
	})
	return nil
}

// FindByExternalID получает refund по external id
func (r *RefundRepository) FindByExternalID(ctx context.Context, externalID string) (domain.Refund, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refund, exists := r.refunds[externalID]
	if !exists {
		return domain.Refund{}, repository.ErrNotFound
	}
	return refund, nil
}

// UpdateConditional применяет статус при совпадении версии, атомарно с историей
func (r *RefundRepository) UpdateConditional(ctx context.Context, externalID string, expectedVersion int64, status domain.RefundStatus, gatewayTransactionID string, occurredAt time.Time) (domain.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	refund, exists := r.refunds[externalID]
	if !exists {
		return domain.Refund{}, repository.ErrNotFound
	}
	if refund.Version != expectedVersion {
		return domain.Refund{}, repository.ErrVersionConflict
	}

	refund.Status = status
	if gatewayTransactionID != "" {
		refund.GatewayTransactionID = gatewayTransactionID
	}
	refund.Version++
	r.refunds[externalID] = refund

	r.history[externalID] = append(r.history[externalID], domain.RefundHistoryEvent{
		RefundExternalID:     externalID,
		ChargeExternalID:     refund.ChargeExternalID,
		Status:               status,
		Amount:               refund.Amount,
		GatewayTransactionID: refund.GatewayTransactionID,
		OccurredAt:           occurredAt,
	})
	return refund, nil
}

// AmountRefundedFor возвращает сумму не-ошибочных возвратов по charge
func (r *RefundRepository) AmountRefundedFor(ctx context.Context, chargeExternalID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int64
	for _, refund := range r.refunds {
		if refund.ChargeExternalID == chargeExternalID && refund.Status != domain.RefundError {
			total += refund.Amount
		}
	}
	return total, nil
}

// History возвращает записи истории refund
func (r *RefundRepository) History(ctx context.Context, externalID string) ([]domain.RefundHistoryEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := r.history[externalID]
	out := make([]domain.RefundHistoryEvent, len(events))
	copy(out, events)
	return out, nil
}
