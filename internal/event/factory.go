package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/ledger"
	"github.com/shestoi/cardflow/internal/repository"
)

// ChargeFinder доступ к платежам для снимков availability
type ChargeFinder interface {
	FindByExternalID(ctx context.Context, externalID string) (domain.Charge, error)
}

// RefundedAmounts суммарно возвращённая сумма по платежу
type RefundedAmounts interface {
	AmountRefundedFor(ctx context.Context, chargeExternalID string) (int64, error)
}

// Factory выводит доменные события из переходов статусов. Переход в
// статус, влияющий на возвратность, дополнительно порождает синтетическое
// событие REFUND_AVAILABILITY_UPDATED по платежу.
type Factory struct {
	charges  ChargeFinder
	refunded RefundedAmounts
	archive  ledger.Archive
	logger   *zap.Logger
}

// NewFactory создаёт фабрику событий
func NewFactory(charges ChargeFinder, refunded RefundedAmounts, archive ledger.Archive, logger *zap.Logger) *Factory {
	return &Factory{
		charges:  charges,
		refunded: refunded,
		archive:  archive,
		logger:   logger,
	}
}

// ForChargeTransition порождает события для перехода платежа.
// Незначимые статусы дают пустой срез, не ошибку.
func (f *Factory) ForChargeTransition(ctx context.Context, charge domain.Charge, occurredAt time.Time) ([]Event, error) {
	var events []Event

	if eventType, ok := chargeEventTypes[charge.Status]; ok {
		events = append(events, New(ResourcePayment, charge.ExternalID, "", eventType, occurredAt, Details{
			Amount:               charge.Amount,
			Status:               string(charge.Status),
			GatewayName:          charge.GatewayName,
			GatewayTransactionID: charge.GatewayTransactionID,
			Reference:            charge.Reference,
		}))
	}

	if charge.Status.ChangesRefundability() {
		availability, err := f.availabilityEvent(ctx, charge, occurredAt)
		if err != nil {
			return nil, err
		}
		events = append(events, availability)
	}

	return events, nil
}

// ForCaptureAbandoned порождает события для платежа, захват которого
// брошен после исчерпания попыток
func (f *Factory) ForCaptureAbandoned(ctx context.Context, charge domain.Charge, occurredAt time.Time) ([]Event, error) {
	events := []Event{
		New(ResourcePayment, charge.ExternalID, "", TypeCaptureAbandoned, occurredAt, Details{
			Amount:               charge.Amount,
			Status:               string(charge.Status),
			GatewayName:          charge.GatewayName,
			GatewayTransactionID: charge.GatewayTransactionID,
		}),
	}

	availability, err := f.availabilityEvent(ctx, charge, occurredAt)
	if err != nil {
		return nil, err
	}
	return append(events, availability), nil
}

// ForRefundTransition порождает события для перехода возврата.
// Родительский платёж ищется в operational store, для исторических
// платежей — в ledger-архиве.
func (f *Factory) ForRefundTransition(ctx context.Context, refund domain.Refund, occurredAt time.Time) ([]Event, error) {
	var events []Event

	if eventType, ok := refundEventTypes[refund.Status]; ok {
		events = append(events, New(ResourceRefund, refund.ExternalID, refund.ChargeExternalID, eventType, occurredAt, Details{
			Amount:               refund.Amount,
			Status:               string(refund.Status),
			GatewayTransactionID: refund.GatewayTransactionID,
		}))
	}

	if refund.Status.ChangesRefundability() {
		charge, err := f.findCharge(ctx, refund.ChargeExternalID)
		if err != nil {
			return nil, fmt.Errorf("find parent charge %s: %w", refund.ChargeExternalID, err)
		}

		availability, err := f.availabilityEvent(ctx, charge, occurredAt)
		if err != nil {
			return nil, err
		}
		events = append(events, availability)
	}

	return events, nil
}

func (f *Factory) availabilityEvent(ctx context.Context, charge domain.Charge, occurredAt time.Time) (Event, error) {
	refunded, err := f.refunded.AmountRefundedFor(ctx, charge.ExternalID)
	if err != nil {
		return Event{}, fmt.Errorf("amount refunded for %s: %w", charge.ExternalID, err)
	}

	return New(ResourcePayment, charge.ExternalID, "", TypeRefundAvailabilityUpdate, occurredAt, Details{
		RefundAvailability:    string(domain.AvailabilityOf(charge, refunded)),
		RefundAmountAvailable: domain.RefundableAmount(charge, refunded),
	}), nil
}

func (f *Factory) findCharge(ctx context.Context, externalID string) (domain.Charge, error) {
	charge, err := f.charges.FindByExternalID(ctx, externalID)
	if err == nil {
		return charge, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return domain.Charge{}, err
	}

	// платёж уже вычищен из operational store, читаем архив
	charge, err = f.archive.FindByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return domain.Charge{}, domain.ErrNotFound
		}
		return domain.Charge{}, err
	}

	f.logger.Debug("parent charge resolved from ledger archive",
		zap.String("charge_external_id", externalID),
	)
	return charge, nil
}
