package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/event"
	"github.com/shestoi/cardflow/internal/gateway"
	"github.com/shestoi/cardflow/internal/ledger"
	"github.com/shestoi/cardflow/internal/repository"
)

// ProcessedStore хранилище ключей уже обработанных уведомлений.
// Дедупликация best-effort: потеря ключа даёт повторную обработку,
// которую штатно гасит таблица переходов.
type ProcessedStore interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) error
}

// NotificationService — пайплайн реконсиляции уведомлений шлюзов.
// Каждое уведомление обрабатывается независимо: негодное молча
// отбрасывается с логом, годное применяется через таблицу переходов.
// Единственная фатальная ошибка всего вызова — невалидная подпись.
type NotificationService struct {
	providers          *gateway.Providers
	charges            repository.ChargeRepository
	refunds            repository.RefundRepository
	chargeTransitioner *ChargeTransitioner
	refundTransitioner *RefundTransitioner
	processed          ProcessedStore
	archive            ledger.Archive
	events             *event.Factory
	publisher          event.Publisher
	dedupTTL           time.Duration
	logger             *zap.Logger

	now func() time.Time
}

// NewNotificationService создаёт пайплайн уведомлений
func NewNotificationService(
	providers *gateway.Providers,
	charges repository.ChargeRepository,
	refunds repository.RefundRepository,
	chargeTransitioner *ChargeTransitioner,
	refundTransitioner *RefundTransitioner,
	processed ProcessedStore,
	archive ledger.Archive,
	events *event.Factory,
	publisher event.Publisher,
	dedupTTL time.Duration,
	logger *zap.Logger,
) *NotificationService {
	return &NotificationService{
		providers:          providers,
		charges:            charges,
		refunds:            refunds,
		chargeTransitioner: chargeTransitioner,
		refundTransitioner: refundTransitioner,
		processed:          processed,
		archive:            archive,
		events:             events,
		publisher:          publisher,
		dedupTTL:           dedupTTL,
		logger:             logger,
		now:                time.Now,
	}
}

// Handle обрабатывает один webhook. Возвращает gateway.ErrUnknownProvider
// для незнакомого имени шлюза и gateway.ErrSignatureInvalid при плохой
// подписи; всё остальное — nil, негодные уведомления отброшены с логом.
func (s *NotificationService) Handle(ctx context.Context, gatewayName string, payload []byte, signature string) error {
	provider, err := s.providers.ByName(gatewayName)
	if err != nil {
		return err
	}

	if err := provider.VerifySignature(payload, signature); err != nil {
		s.logger.Warn("webhook signature rejected",
			zap.String("gateway", gatewayName),
		)
		return err
	}

	notifications, err := provider.ParseNotification(payload)
	if err != nil {
		s.logger.Warn("webhook payload not parseable",
			zap.String("gateway", gatewayName),
			zap.Error(err),
		)
		return nil
	}

	for _, notification := range notifications {
		s.handleOne(ctx, provider, notification)
	}
	return nil
}

// handleOne обрабатывает одно уведомление. Любой исход, кроме применённого
// перехода и ошибки инфраструктуры, — отбрасывание с логом
func (s *NotificationService) handleOne(ctx context.Context, provider gateway.Provider, notification gateway.Notification) {
	log := s.logger.With(
		zap.String("gateway", provider.Name()),
		zap.String("transaction_id", notification.TransactionID),
		zap.String("raw_status", notification.Status),
	)

	if notification.TransactionID == "" {
		log.Warn("notification dropped: blank transaction id")
		return
	}

	interpreted := provider.StatusMapper().From(notification.Status)
	switch interpreted.Type {
	case gateway.TypeUnknown:
		log.Warn("notification dropped: unknown status")
		return
	case gateway.TypeIgnored:
		log.Debug("notification ignored: non-actionable status")
		return
	}

	dedupKey := s.dedupKey(provider.Name(), notification, interpreted)
	seen, err := s.processed.IsProcessed(ctx, dedupKey)
	if err != nil {
		// дедуп недоступен — обрабатываем, идемпотентность обеспечит
		// таблица переходов
		log.Warn("processed store unavailable, continuing without dedup", zap.Error(err))
	} else if seen {
		log.Debug("notification dropped: already processed")
		return
	}

	occurredAt := notification.GatewayEventDate
	if occurredAt.IsZero() {
		occurredAt = s.now().UTC()
	}

	var handled bool
	switch interpreted.Type {
	case gateway.TypeCharge:
		handled = s.applyChargeNotification(ctx, log, provider.Name(), notification, interpreted.ChargeStatus, occurredAt)
	case gateway.TypeRefund:
		handled = s.applyRefundNotification(ctx, log, notification, interpreted.RefundStatus, occurredAt)
	}
	if !handled {
		return
	}

	if err := s.processed.MarkProcessed(ctx, dedupKey, s.dedupTTL); err != nil {
		log.Warn("failed to mark notification processed", zap.Error(err))
	}
}

func (s *NotificationService) applyChargeNotification(ctx context.Context, log *zap.Logger, gatewayName string, notification gateway.Notification, target domain.ChargeStatus, occurredAt time.Time) bool {
	charge, err := s.charges.FindByGatewayTransactionID(ctx, gatewayName, notification.TransactionID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			log.Error("charge lookup failed", zap.Error(err))
			return false
		}
		return s.acknowledgeHistoric(ctx, log, gatewayName, notification.TransactionID)
	}

	updated, err := s.chargeTransitioner.Apply(ctx, charge.ExternalID, target, "", occurredAt)
	if err != nil {
		if errors.Is(err, domain.ErrIllegalState) {
			log.Warn("notification dropped: illegal charge transition",
				zap.String("charge_external_id", charge.ExternalID),
				zap.String("target", string(target)),
			)
			return false
		}
		log.Error("charge transition failed",
			zap.String("charge_external_id", charge.ExternalID),
			zap.Error(err),
		)
		return false
	}

	s.publishChargeEvents(ctx, log, updated, occurredAt)
	return true
}

func (s *NotificationService) applyRefundNotification(ctx context.Context, log *zap.Logger, notification gateway.Notification, target domain.RefundStatus, occurredAt time.Time) bool {
	if notification.Reference == "" {
		log.Warn("refund notification dropped: blank reference")
		return false
	}

	refund, err := s.refunds.FindByExternalID(ctx, notification.Reference)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("refund notification dropped: refund not found",
				zap.String("reference", notification.Reference),
			)
			return false
		}
		log.Error("refund lookup failed", zap.Error(err))
		return false
	}

	updated, err := s.refundTransitioner.Apply(ctx, refund.ExternalID, target, "", occurredAt)
	if err != nil {
		if errors.Is(err, domain.ErrIllegalState) {
			log.Warn("refund notification dropped: illegal refund transition",
				zap.String("refund_external_id", refund.ExternalID),
				zap.String("target", string(target)),
			)
			return false
		}
		log.Error("refund transition failed",
			zap.String("refund_external_id", refund.ExternalID),
			zap.Error(err),
		)
		return false
	}

	events, err := s.events.ForRefundTransition(ctx, updated, occurredAt)
	if err != nil {
		log.Error("failed to derive refund events", zap.Error(err))
		return true
	}
	if len(events) > 0 {
		if err := s.publisher.Publish(ctx, events...); err != nil {
			log.Error("failed to publish refund events", zap.Error(err))
		}
	}
	return true
}

// acknowledgeHistoric платёж уже вычищен из operational store: уведомление
// по архивному платежу подтверждается, но ничего не мутирует
func (s *NotificationService) acknowledgeHistoric(ctx context.Context, log *zap.Logger, gatewayName, transactionID string) bool {
	_, err := s.archive.FindByGatewayTransactionID(ctx, gatewayName, transactionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			log.Warn("notification dropped: charge not found")
			return false
		}
		log.Error("ledger archive lookup failed", zap.Error(err))
		return false
	}

	log.Info("notification acknowledged for historic charge")
	return true
}

func (s *NotificationService) publishChargeEvents(ctx context.Context, log *zap.Logger, charge domain.Charge, occurredAt time.Time) {
	events, err := s.events.ForChargeTransition(ctx, charge, occurredAt)
	if err != nil {
		log.Error("failed to derive charge events", zap.Error(err))
		return
	}
	if len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, events...); err != nil {
		log.Error("failed to publish charge events", zap.Error(err))
	}
}

func (s *NotificationService) dedupKey(gatewayName string, notification gateway.Notification, interpreted gateway.InterpretedStatus) string {
	mapped := string(interpreted.ChargeStatus)
	if interpreted.Type == gateway.TypeRefund {
		mapped = string(interpreted.RefundStatus)
	}
	return fmt.Sprintf("%s:%s:%s:%s", gatewayName, notification.TransactionID, notification.Reference, mapped)
}
