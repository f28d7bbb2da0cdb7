package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/repository"
)

// maxConflictRetries предел повторов при проигранной гонке версий.
// Дальше — ErrConflict вызывающему
const maxConflictRetries = 3

// ChargeTransitioner применяет переходы статусов charge через conditioned
// write. Единственная точка, где статус пишется: сервисы выражают намерение
// (lock, apply), легальность решает таблица переходов.
type ChargeTransitioner struct {
	charges repository.ChargeRepository
	logger  *zap.Logger
}

// NewChargeTransitioner создаёт transitioner поверх хранилища charge
func NewChargeTransitioner(charges repository.ChargeRepository, logger *zap.Logger) *ChargeTransitioner {
	return &ChargeTransitioner{
		charges: charges,
		logger:  logger,
	}
}

// Lock переводит charge в locking статус операции. Протокол pre-operation:
//   - EXPIRED → ErrExpired
//   - уже в lock-статусе → ErrOperationInProgress (не идемпотентный успех)
//   - статус вне legalFrom → ErrIllegalState
//   - проигранная гонка на сам lock → ErrOperationInProgress, если победитель
//     успел взять lock, иначе ErrConflict
func (t *ChargeTransitioner) Lock(ctx context.Context, externalID string, lock domain.ChargeStatus, legalFrom []domain.ChargeStatus) (domain.Charge, error) {
	charge, err := t.find(ctx, externalID)
	if err != nil {
		return domain.Charge{}, err
	}

	if err := t.checkLockable(charge, lock, legalFrom); err != nil {
		return domain.Charge{}, err
	}

	locked, err := t.charges.UpdateConditional(ctx, externalID, charge.Version, lock, "", time.Now().UTC())
	if err == nil {
		return locked, nil
	}
	if !errors.Is(err, repository.ErrVersionConflict) {
		return domain.Charge{}, t.mapStoreErr(err)
	}

	// гонку на lock кто-то выиграл: перечитываем и смотрим, кто
	current, findErr := t.find(ctx, externalID)
	if findErr != nil {
		return domain.Charge{}, findErr
	}
	if current.Status == lock {
		return domain.Charge{}, domain.ErrOperationInProgress
	}
	return domain.Charge{}, domain.ErrConflict
}

// Apply переводит charge в target по таблице переходов. Гонка версий
// повторяется ограниченно; charge уже в target — no-op успех (идемпотентное
// применение для at-least-once доставки).
func (t *ChargeTransitioner) Apply(ctx context.Context, externalID string, target domain.ChargeStatus, gatewayTransactionID string, occurredAt time.Time) (domain.Charge, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		charge, err := t.find(ctx, externalID)
		if err != nil {
			return domain.Charge{}, err
		}

		if charge.Status == target {
			return charge, nil
		}
		if !charge.Status.CanTransitionTo(target) {
			return domain.Charge{}, fmt.Errorf("%w: %s -> %s", domain.ErrIllegalState, charge.Status, target)
		}

		updated, err := t.charges.UpdateConditional(ctx, externalID, charge.Version, target, gatewayTransactionID, occurredAt)
		if err == nil {
			t.logger.Info("charge transition applied",
				zap.String("charge_external_id", externalID),
				zap.String("from", string(charge.Status)),
				zap.String("to", string(target)),
			)
			return updated, nil
		}
		if errors.Is(err, repository.ErrVersionConflict) {
			t.logger.Debug("charge transition lost version race, retrying",
				zap.String("charge_external_id", externalID),
				zap.String("to", string(target)),
			)
			continue
		}
		return domain.Charge{}, t.mapStoreErr(err)
	}
	return domain.Charge{}, domain.ErrConflict
}

func (t *ChargeTransitioner) checkLockable(charge domain.Charge, lock domain.ChargeStatus, legalFrom []domain.ChargeStatus) error {
	switch {
	case charge.Status == domain.ChargeExpired:
		return domain.ErrExpired
	case charge.Status == lock:
		return domain.ErrOperationInProgress
	case !charge.Status.In(legalFrom...):
		return fmt.Errorf("%w: %s not in legal set for %s", domain.ErrIllegalState, charge.Status, lock)
	}
	return nil
}

func (t *ChargeTransitioner) find(ctx context.Context, externalID string) (domain.Charge, error) {
	charge, err := t.charges.FindByExternalID(ctx, externalID)
	if err != nil {
		return domain.Charge{}, t.mapStoreErr(err)
	}
	return charge, nil
}

func (t *ChargeTransitioner) mapStoreErr(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return domain.ErrNotFound
	case errors.Is(err, repository.ErrVersionConflict):
		return domain.ErrConflict
	default:
		return err
	}
}

// RefundTransitioner применяет переходы статусов refund. Locking статусов
// у возвратов нет, протокол ограничивается таблицей переходов и версией.
type RefundTransitioner struct {
	refunds repository.RefundRepository
	logger  *zap.Logger
}

// NewRefundTransitioner создаёт transitioner поверх хранилища refund
func NewRefundTransitioner(refunds repository.RefundRepository, logger *zap.Logger) *RefundTransitioner {
	return &RefundTransitioner{
		refunds: refunds,
		logger:  logger,
	}
}

// Apply переводит refund в target по таблице переходов, семантика как у
// ChargeTransitioner.Apply
func (t *RefundTransitioner) Apply(ctx context.Context, externalID string, target domain.RefundStatus, gatewayTransactionID string, occurredAt time.Time) (domain.Refund, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		refund, err := t.refunds.FindByExternalID(ctx, externalID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.Refund{}, domain.ErrNotFound
			}
			return domain.Refund{}, err
		}

		if refund.Status == target {
			return refund, nil
		}
		if !refund.Status.CanTransitionTo(target) {
			return domain.Refund{}, fmt.Errorf("%w: %s -> %s", domain.ErrIllegalState, refund.Status, target)
		}

		updated, err := t.refunds.UpdateConditional(ctx, externalID, refund.Version, target, gatewayTransactionID, occurredAt)
		if err == nil {
			t.logger.Info("refund transition applied",
				zap.String("refund_external_id", externalID),
				zap.String("from", string(refund.Status)),
				zap.String("to", string(target)),
			)
			return updated, nil
		}
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		return domain.Refund{}, err
	}
	return domain.Refund{}, domain.ErrConflict
}
