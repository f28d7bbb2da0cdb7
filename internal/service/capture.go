package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/event"
	"github.com/shestoi/cardflow/internal/gateway"
	"github.com/shestoi/cardflow/internal/queue"
)

// CaptureOutcome исход одной попытки захвата
type CaptureOutcome string

const (
	// OutcomeSubmitted захват принят шлюзом
	OutcomeSubmitted CaptureOutcome = "submitted"
	// OutcomeRetryScheduled retryable ошибка шлюза, нужна новая попытка
	OutcomeRetryScheduled CaptureOutcome = "retry_scheduled"
	// OutcomeFailed фатальная ошибка, захват больше не будет пробоваться
	OutcomeFailed CaptureOutcome = "failed"
)

// CaptureService управляет жизненным циклом захвата платежа: одобрение,
// попытка у шлюза, классификация исхода. Попытки оркеструет worker очереди,
// сервис знает только про одну попытку.
type CaptureService struct {
	transitioner *ChargeTransitioner
	providers    *gateway.Providers
	captureQueue queue.Queue
	events       *event.Factory
	publisher    event.Publisher
	retryDelay   time.Duration
	logger       *zap.Logger

	now func() time.Time
}

// NewCaptureService создаёт сервис захвата
func NewCaptureService(
	transitioner *ChargeTransitioner,
	providers *gateway.Providers,
	captureQueue queue.Queue,
	events *event.Factory,
	publisher event.Publisher,
	retryDelay time.Duration,
	logger *zap.Logger,
) *CaptureService {
	return &CaptureService{
		transitioner: transitioner,
		providers:    providers,
		captureQueue: captureQueue,
		events:       events,
		publisher:    publisher,
		retryDelay:   retryDelay,
		logger:       logger,
		now:          time.Now,
	}
}

// MarkCaptureApproved одобряет захват: lock CAPTURE_APPROVED (легально
// только из AUTHORISATION_SUCCESS) и первое сообщение в очередь захватов.
// Повторное одобрение — OperationInProgress, дубликат в очередь не уходит.
func (s *CaptureService) MarkCaptureApproved(ctx context.Context, chargeExternalID string) error {
	if _, err := s.transitioner.Lock(ctx, chargeExternalID, domain.ChargeCaptureApproved, domain.ApproveCaptureLegalStates); err != nil {
		return err
	}

	if err := s.captureQueue.Send(ctx, queue.Message{
		ChargeExternalID: chargeExternalID,
		Attempt:          1,
	}); err != nil {
		return fmt.Errorf("enqueue capture for %s: %w", chargeExternalID, err)
	}
	return nil
}

// ScheduleRetry помечает неудавшуюся попытку как ожидающую повтора и
// кладёт в очередь сообщение следующей попытки, отложенное на retry delay
func (s *CaptureService) ScheduleRetry(ctx context.Context, chargeExternalID string, nextAttempt int) error {
	return s.captureQueue.Send(ctx, queue.Message{
		ChargeExternalID: chargeExternalID,
		Attempt:          nextAttempt,
		NotBefore:        s.now().UTC().Add(s.retryDelay),
	})
}

// Capture выполняет одну попытку захвата. Протокол:
// lock CAPTURE_READY → gateway Capture → классификация исхода.
// Ошибки lock-протокола (Expired, IllegalState, OperationInProgress,
// NotFound, Conflict) возвращаются как есть, шлюз при них не вызывается.
func (s *CaptureService) Capture(ctx context.Context, chargeExternalID string) (CaptureOutcome, error) {
	locked, err := s.transitioner.Lock(ctx, chargeExternalID, domain.ChargeCaptureReady, domain.CaptureLegalStates)
	if err != nil {
		return "", err
	}

	provider, err := s.providers.ByName(locked.GatewayName)
	if err != nil {
		// charge с неизвестным шлюзом не может быть захвачен никогда
		return s.markCaptureError(ctx, chargeExternalID, err)
	}

	result, err := provider.Capture(ctx, gateway.CaptureRequest{
		ChargeExternalID:     locked.ExternalID,
		GatewayTransactionID: locked.GatewayTransactionID,
		Amount:               locked.Amount,
	})

	switch {
	case err == nil:
		return s.markCaptureSubmitted(ctx, chargeExternalID, result.TransactionID, provider)
	case gateway.IsRetryable(err):
		s.logger.Warn("gateway capture failed, retryable",
			zap.String("charge_external_id", chargeExternalID),
			zap.String("gateway", locked.GatewayName),
			zap.Error(err),
		)
		occurredAt := s.now().UTC()
		if _, applyErr := s.transitioner.Apply(ctx, chargeExternalID, domain.ChargeCaptureApprovedRetry, "", occurredAt); applyErr != nil {
			return "", applyErr
		}
		return OutcomeRetryScheduled, nil
	default:
		s.logger.Error("gateway capture failed, fatal",
			zap.String("charge_external_id", chargeExternalID),
			zap.String("gateway", locked.GatewayName),
			zap.Error(err),
		)
		return s.markCaptureError(ctx, chargeExternalID, err)
	}
}

// MarkCaptureAbandoned бросает захват после исчерпания попыток:
// CAPTURE_APPROVED_RETRY → CAPTURE_ERROR + событие abandoned
func (s *CaptureService) MarkCaptureAbandoned(ctx context.Context, chargeExternalID string) error {
	current, err := s.transitioner.find(ctx, chargeExternalID)
	if err != nil {
		return err
	}
	if current.Status == domain.ChargeCaptureError {
		// redelivery уже брошенного захвата: перехода нет, события не дублируем
		return nil
	}

	occurredAt := s.now().UTC()
	charge, err := s.transitioner.Apply(ctx, chargeExternalID, domain.ChargeCaptureError, "", occurredAt)
	if err != nil {
		return err
	}

	events, err := s.events.ForCaptureAbandoned(ctx, charge, occurredAt)
	if err != nil {
		s.logger.Error("failed to derive abandoned events",
			zap.String("charge_external_id", chargeExternalID),
			zap.Error(err),
		)
		return nil
	}
	if err := s.publisher.Publish(ctx, events...); err != nil {
		s.logger.Error("failed to publish abandoned events",
			zap.String("charge_external_id", chargeExternalID),
			zap.Error(err),
		)
	}
	return nil
}

func (s *CaptureService) markCaptureSubmitted(ctx context.Context, chargeExternalID, transactionID string, provider gateway.Provider) (CaptureOutcome, error) {
	occurredAt := s.now().UTC()
	charge, err := s.transitioner.Apply(ctx, chargeExternalID, domain.ChargeCaptureSubmitted, transactionID, occurredAt)
	if err != nil {
		return "", err
	}
	s.publishChargeEvents(ctx, charge, occurredAt)

	if !provider.ConfirmsCaptureAsync() {
		// шлюз не шлёт подтверждение, каскадируем в CAPTURED сразу;
		// в истории остаются обе записи
		confirmedAt := s.now().UTC()
		charge, err = s.transitioner.Apply(ctx, chargeExternalID, domain.ChargeCaptured, "", confirmedAt)
		if err != nil {
			return "", err
		}
		s.publishChargeEvents(ctx, charge, confirmedAt)
	}

	return OutcomeSubmitted, nil
}

func (s *CaptureService) markCaptureError(ctx context.Context, chargeExternalID string, cause error) (CaptureOutcome, error) {
	occurredAt := s.now().UTC()
	charge, err := s.transitioner.Apply(ctx, chargeExternalID, domain.ChargeCaptureError, "", occurredAt)
	if err != nil {
		return "", err
	}
	s.publishChargeEvents(ctx, charge, occurredAt)

	s.logger.Error("capture marked as errored",
		zap.String("charge_external_id", chargeExternalID),
		zap.Error(cause),
	)
	return OutcomeFailed, nil
}

// publishChargeEvents деривация и публикация событий перехода.
// Источник истины — строка charge; неопубликованное событие логируется,
// но транзакцию не откатывает
func (s *CaptureService) publishChargeEvents(ctx context.Context, charge domain.Charge, occurredAt time.Time) {
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
