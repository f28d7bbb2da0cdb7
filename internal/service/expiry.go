package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/event"
	"github.com/shestoi/cardflow/internal/repository"
)

// expiryBatchSize максимум платежей за один проход sweeper-а
const expiryBatchSize = 100

// ExpiryService экспирирует платежи, зависшие в до-захватных статусах
// дольше порога. Протокол тот же, что у других операций: lock
// EXPIRE_CANCEL_READY, затем терминальный EXPIRED.
type ExpiryService struct {
	charges      repository.ChargeRepository
	transitioner *ChargeTransitioner
	events       *event.Factory
	publisher    event.Publisher
	chargeTTL    time.Duration
	logger       *zap.Logger

	now func() time.Time
}

// NewExpiryService создаёт сервис экспирации
func NewExpiryService(
	charges repository.ChargeRepository,
	transitioner *ChargeTransitioner,
	events *event.Factory,
	publisher event.Publisher,
	chargeTTL time.Duration,
	logger *zap.Logger,
) *ExpiryService {
	return &ExpiryService{
		charges:      charges,
		transitioner: transitioner,
		events:       events,
		publisher:    publisher,
		chargeTTL:    chargeTTL,
		logger:       logger,
		now:          time.Now,
	}
}

// SweepOnce находит и экспирирует просроченные платежи.
// Возвращает число экспирированных.
func (s *ExpiryService) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.chargeTTL)
	ids, err := s.charges.FindExpirable(ctx, cutoff, expiryBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if err := s.Expire(ctx, id); err != nil {
			// проигранная гонка или параллельная операция — платёж
			// подберёт следующий проход, если останется просроченным
			s.logger.Warn("charge not expired this sweep",
				zap.String("charge_external_id", id),
				zap.Error(err),
			)
			continue
		}
		expired++
	}

	if expired > 0 {
		s.logger.Info("expiry sweep finished",
			zap.Int("expired", expired),
			zap.Int("candidates", len(ids)),
		)
	}
	return expired, nil
}

// Expire экспирирует один платёж
func (s *ExpiryService) Expire(ctx context.Context, chargeExternalID string) error {
	if _, err := s.transitioner.Lock(ctx, chargeExternalID, domain.ChargeExpireCancelReady, domain.ExpireLegalStates); err != nil {
		if errors.Is(err, domain.ErrExpired) {
			// уже экспирирован, no-op
			return nil
		}
		return err
	}

	occurredAt := s.now().UTC()
	charge, err := s.transitioner.Apply(ctx, chargeExternalID, domain.ChargeExpired, "", occurredAt)
	if err != nil {
		return err
	}

	events, err := s.events.ForChargeTransition(ctx, charge, occurredAt)
	if err != nil {
		s.logger.Error("failed to derive expiry events",
			zap.String("charge_external_id", chargeExternalID),
			zap.Error(err),
		)
		return nil
	}
	if err := s.publisher.Publish(ctx, events...); err != nil {
		s.logger.Error("failed to publish expiry events",
			zap.String("charge_external_id", chargeExternalID),
			zap.Error(err),
		)
	}
	return nil
}
