package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/event"
	"github.com/shestoi/cardflow/internal/gateway"
	"github.com/shestoi/cardflow/internal/repository"
)

// ErrRefundNotAvailable возврат по платежу сейчас невозможен:
// платёж не захвачен или запрошенная сумма больше остатка
var ErrRefundNotAvailable = errors.New("refund not available")

// RefundService инициирует возвраты. Дальнейшие переходы
// (REFUNDED, REFUND_ERROR) приходят уведомлениями шлюза.
type RefundService struct {
	charges      repository.ChargeRepository
	refunds      repository.RefundRepository
	transitioner *RefundTransitioner
	providers    *gateway.Providers
	events       *event.Factory
	publisher    event.Publisher
	logger       *zap.Logger

	now func() time.Time
}

// NewRefundService создаёт сервис возвратов
func NewRefundService(
	charges repository.ChargeRepository,
	refunds repository.RefundRepository,
	transitioner *RefundTransitioner,
	providers *gateway.Providers,
	events *event.Factory,
	publisher event.Publisher,
	logger *zap.Logger,
) *RefundService {
	return &RefundService{
		charges:      charges,
		refunds:      refunds,
		transitioner: transitioner,
		providers:    providers,
		events:       events,
		publisher:    publisher,
		logger:       logger,
		now:          time.Now,
	}
}

// Request создаёт возврат и отправляет его шлюзу. Сумма проверяется
// против остатка: amount − сумма не-ошибочных возвратов.
func (s *RefundService) Request(ctx context.Context, chargeExternalID string, amount int64) (domain.Refund, error) {
	charge, err := s.charges.FindByExternalID(ctx, chargeExternalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Refund{}, domain.ErrNotFound
		}
		return domain.Refund{}, err
	}

	refunded, err := s.refunds.AmountRefundedFor(ctx, chargeExternalID)
	if err != nil {
		return domain.Refund{}, err
	}

	availability := domain.AvailabilityOf(charge, refunded)
	if availability != domain.RefundAvailabilityAvailable {
		return domain.Refund{}, fmt.Errorf("%w: availability is %s", ErrRefundNotAvailable, availability)
	}
	if amount <= 0 || amount > domain.RefundableAmount(charge, refunded) {
		return domain.Refund{}, fmt.Errorf("%w: amount %d exceeds refundable %d",
			ErrRefundNotAvailable, amount, domain.RefundableAmount(charge, refunded))
	}

	now := s.now().UTC()
	refund := domain.Refund{
		ExternalID:       uuid.NewString(),
		ChargeExternalID: chargeExternalID,
		Amount:           amount,
		Status:           domain.RefundCreated,
		Version:          1,
		CreatedAt:        now,
	}
	if err := s.refunds.Create(ctx, refund); err != nil {
		return domain.Refund{}, fmt.Errorf("create refund: %w", err)
	}
	s.publishEvents(ctx, refund, now)

	provider, err := s.providers.ByName(charge.GatewayName)
	if err != nil {
		return domain.Refund{}, err
	}

	result, err := provider.Refund(ctx, gateway.RefundRequest{
		RefundExternalID:     refund.ExternalID,
		GatewayTransactionID: charge.GatewayTransactionID,
		Amount:               amount,
	})

	occurredAt := s.now().UTC()
	if err != nil {
		s.logger.Error("gateway refund failed",
			zap.String("refund_external_id", refund.ExternalID),
			zap.String("gateway", charge.GatewayName),
			zap.Error(err),
		)
		failed, applyErr := s.transitioner.Apply(ctx, refund.ExternalID, domain.RefundError, "", occurredAt)
		if applyErr != nil {
			return domain.Refund{}, applyErr
		}
		s.publishEvents(ctx, failed, occurredAt)
		return failed, nil
	}

	submitted, err := s.transitioner.Apply(ctx, refund.ExternalID, domain.RefundSubmitted, result.TransactionID, occurredAt)
	if err != nil {
		return domain.Refund{}, err
	}
	s.publishEvents(ctx, submitted, occurredAt)
	return submitted, nil
}

// Find возвращает refund по external id
func (s *RefundService) Find(ctx context.Context, refundExternalID string) (domain.Refund, error) {
	refund, err := s.refunds.FindByExternalID(ctx, refundExternalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Refund{}, domain.ErrNotFound
		}
		return domain.Refund{}, err
	}
	return refund, nil
}

func (s *RefundService) publishEvents(ctx context.Context, refund domain.Refund, occurredAt time.Time) {
	events, err := s.events.ForRefundTransition(ctx, refund, occurredAt)
	if err != nil {
		s.logger.Error("failed to derive refund events",
			zap.String("refund_external_id", refund.ExternalID),
			zap.Error(err),
		)
		return
	}
	if len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, events...); err != nil {
		s.logger.Error("failed to publish refund events",
			zap.String("refund_external_id", refund.ExternalID),
			zap.Error(err),
		)
	}
}
