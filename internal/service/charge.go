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

// CreateChargeParams параметры создания платежа
type CreateChargeParams struct {
	Amount           int64
	GatewayAccountID string
	GatewayName      string
	Reference        string
	Description      string
	Email            string
}

// ChargeService управляет жизненным циклом платежа до захвата:
// создание, ввод карты, авторизация, отмены
type ChargeService struct {
	charges      repository.ChargeRepository
	transitioner *ChargeTransitioner
	providers    *gateway.Providers
	events       *event.Factory
	publisher    event.Publisher
	logger       *zap.Logger

	now func() time.Time
}

// NewChargeService создаёт сервис платежей
func NewChargeService(
	charges repository.ChargeRepository,
	transitioner *ChargeTransitioner,
	providers *gateway.Providers,
	events *event.Factory,
	publisher event.Publisher,
	logger *zap.Logger,
) *ChargeService {
	return &ChargeService{
		charges:      charges,
		transitioner: transitioner,
		providers:    providers,
		events:       events,
		publisher:    publisher,
		logger:       logger,
		now:          time.Now,
	}
}

// Create создаёт новый платёж в статусе CREATED
func (s *ChargeService) Create(ctx context.Context, params CreateChargeParams) (domain.Charge, error) {
	if params.Amount <= 0 {
		return domain.Charge{}, fmt.Errorf("%w: amount must be positive", domain.ErrIllegalState)
	}
	if _, err := s.providers.ByName(params.GatewayName); err != nil {
		return domain.Charge{}, err
	}

	now := s.now().UTC()
	charge := domain.Charge{
		ExternalID:       uuid.NewString(),
		Amount:           params.Amount,
		Status:           domain.ChargeCreated,
		GatewayAccountID: params.GatewayAccountID,
		GatewayName:      params.GatewayName,
		Reference:        params.Reference,
		Description:      params.Description,
		Email:            params.Email,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.charges.Create(ctx, charge); err != nil {
		return domain.Charge{}, fmt.Errorf("create charge: %w", err)
	}

	s.logger.Info("charge created",
		zap.String("charge_external_id", charge.ExternalID),
		zap.String("gateway", charge.GatewayName),
		zap.Int64("amount", charge.Amount),
	)
	return charge, nil
}

// SubmitCardDetails фиксирует начало ввода карты:
// CREATED → ENTERING_CARD_DETAILS
func (s *ChargeService) SubmitCardDetails(ctx context.Context, chargeExternalID string) (domain.Charge, error) {
	return s.transitioner.Apply(ctx, chargeExternalID, domain.ChargeEnteringCardDetails, "", s.now().UTC())
}

// Authorise авторизует платёж у шлюза. Протокол:
// lock AUTHORISATION_READY (легально только из ENTERING_CARD_DETAILS) →
// gateway Authorise → AUTHORISATION_SUCCESS с transaction id шлюза,
// AUTHORISATION_REJECTED при отказе карты, AUTHORISATION_ERROR при
// ошибке шлюза
func (s *ChargeService) Authorise(ctx context.Context, chargeExternalID string, card domain.CardDetails) (domain.Charge, error) {
	locked, err := s.transitioner.Lock(ctx, chargeExternalID, domain.ChargeAuthorisationReady, domain.AuthoriseLegalStates)
	if err != nil {
		return domain.Charge{}, err
	}

	provider, err := s.providers.ByName(locked.GatewayName)
	if err != nil {
		return domain.Charge{}, err
	}

	result, err := provider.Authorise(ctx, gateway.AuthoriseRequest{
		ChargeExternalID: locked.ExternalID,
		Amount:           locked.Amount,
		CardDetails:      card,
	})

	occurredAt := s.now().UTC()
	switch {
	case err == nil:
		charge, applyErr := s.transitioner.Apply(ctx, chargeExternalID, domain.ChargeAuthorisationSuccess, result.TransactionID, occurredAt)
		if applyErr != nil {
			return domain.Charge{}, applyErr
		}
		s.publishEvents(ctx, charge, occurredAt)
		return charge, nil
	case errors.Is(err, gateway.ErrCardDeclined):
		charge, applyErr := s.transitioner.Apply(ctx, chargeExternalID, domain.ChargeAuthorisationRejected, "", occurredAt)
		if applyErr != nil {
			return domain.Charge{}, applyErr
		}
		s.publishEvents(ctx, charge, occurredAt)
		return charge, nil
	default:
		s.logger.Error("gateway authorisation failed",
			zap.String("charge_external_id", chargeExternalID),
			zap.String("gateway", locked.GatewayName),
			zap.Error(err),
		)
		charge, applyErr := s.transitioner.Apply(ctx, chargeExternalID, domain.ChargeAuthorisationError, "", occurredAt)
		if applyErr != nil {
			return domain.Charge{}, applyErr
		}
		s.publishEvents(ctx, charge, occurredAt)
		return charge, nil
	}
}

// CancelByUser отменяет платёж по запросу плательщика через lock
// USER_CANCEL_READY
func (s *ChargeService) CancelByUser(ctx context.Context, chargeExternalID string) (domain.Charge, error) {
	return s.cancel(ctx, chargeExternalID, domain.ChargeUserCancelReady, domain.ChargeUserCancelled)
}

// CancelByService отменяет платёж по запросу сервиса-владельца через lock
// SYSTEM_CANCEL_READY
func (s *ChargeService) CancelByService(ctx context.Context, chargeExternalID string) (domain.Charge, error) {
	return s.cancel(ctx, chargeExternalID, domain.ChargeSystemCancelReady, domain.ChargeSystemCancelled)
}

func (s *ChargeService) cancel(ctx context.Context, chargeExternalID string, lock, target domain.ChargeStatus) (domain.Charge, error) {
	if _, err := s.transitioner.Lock(ctx, chargeExternalID, lock, domain.LegalSourcesFor(lock)); err != nil {
		return domain.Charge{}, err
	}

	occurredAt := s.now().UTC()
	charge, err := s.transitioner.Apply(ctx, chargeExternalID, target, "", occurredAt)
	if err != nil {
		return domain.Charge{}, err
	}
	s.publishEvents(ctx, charge, occurredAt)
	return charge, nil
}

// Find возвращает платёж по external id
func (s *ChargeService) Find(ctx context.Context, chargeExternalID string) (domain.Charge, error) {
	charge, err := s.charges.FindByExternalID(ctx, chargeExternalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Charge{}, domain.ErrNotFound
		}
		return domain.Charge{}, err
	}
	return charge, nil
}

// History возвращает историю переходов платежа
func (s *ChargeService) History(ctx context.Context, chargeExternalID string) ([]domain.ChargeEvent, error) {
	return s.charges.History(ctx, chargeExternalID)
}

func (s *ChargeService) publishEvents(ctx context.Context, charge domain.Charge, occurredAt time.Time) {
	events, err := s.events.ForChargeTransition(ctx, charge, occurredAt)
	if err != nil {
		s.logger.Error("failed to derive charge events",
			zap.String("charge_external_id", charge.ExternalID),
			zap.Error(err),
		)
		return
	}
	if len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, events...); err != nil {
		s.logger.Error("failed to publish charge events",
			zap.String("charge_external_id", charge.ExternalID),
			zap.Error(err),
		)
	}
}
