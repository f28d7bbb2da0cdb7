package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/queue"
	"github.com/shestoi/cardflow/internal/service"
)

// receiveBackoff — пауза перед повторным Receive после ошибки брокера,
// чтобы не крутить цикл впустую пока брокер недоступен.
const receiveBackoff = time.Second

// DLQPublisher публикует нечитаемые сообщения очереди в Dead Letter Queue
type DLQPublisher interface {
	Publish(ctx context.Context, raw []byte, chargeExternalID string, cause error) error
}

// CaptureWorker — consumer очереди захватов. Обрабатывает по одному
// сообщению: выдерживает NotBefore, выполняет попытку захвата,
// классифицирует исход. Семантика at-least-once: сообщение
// подтверждается только после обработки.
type CaptureWorker struct {
	captureQueue queue.Queue
	captures     *service.CaptureService
	dlq          DLQPublisher
	maxRetries   int
	sleeper      Sleeper
	logger       *zap.Logger

	now func() time.Time
}

// NewCaptureWorker создаёт worker очереди захватов
func NewCaptureWorker(
	captureQueue queue.Queue,
	captures *service.CaptureService,
	dlq DLQPublisher,
	maxRetries int,
	logger *zap.Logger,
) *CaptureWorker {
	if maxRetries <= 0 {
		maxRetries = 48
	}

	return &CaptureWorker{
		captureQueue: captureQueue,
		captures:     captures,
		dlq:          dlq,
		maxRetries:   maxRetries,
		sleeper:      &DefaultSleeper{},
		logger:       logger,
		now:          time.Now,
	}
}

// Run запускает цикл обработки до отмены контекста
func (w *CaptureWorker) Run(ctx context.Context) error {
	w.logger.Info("starting capture worker",
		zap.Int("max_retries", w.maxRetries),
	)

	for {
		delivery, err := w.captureQueue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("capture worker context cancelled, stopping")
				return nil
			}
			w.logger.Error("failed to receive capture message", zap.Error(err))
			if sleepErr := w.sleeper.Sleep(ctx, receiveBackoff); sleepErr != nil {
				w.logger.Info("capture worker context cancelled, stopping")
				return nil
			}
			continue
		}

		w.ProcessOne(ctx, delivery)
	}
}

// ProcessOne обрабатывает одно сообщение очереди захватов
func (w *CaptureWorker) ProcessOne(ctx context.Context, delivery queue.Delivery) {
	if delivery.ParseErr != nil {
		w.logger.Error("poison capture message, sending to DLQ", zap.Error(delivery.ParseErr))
		if err := w.dlq.Publish(ctx, delivery.Raw, "", delivery.ParseErr); err != nil {
			// DLQ недоступен — сообщение не подтверждаем, придёт снова
			return
		}
		w.ack(ctx, delivery)
		return
	}

	msg := delivery.Message
	log := w.logger.With(
		zap.String("charge_external_id", msg.ChargeExternalID),
		zap.Int("attempt", msg.Attempt),
	)

	// у брокера нет отложенной доставки, задержку выдерживает worker
	if wait := msg.NotBefore.Sub(w.now()); wait > 0 {
		if err := w.sleeper.Sleep(ctx, wait); err != nil {
			// shutdown во время ожидания: не подтверждаем, сообщение
			// будет доставлено повторно
			return
		}
	}

	if msg.Attempt > w.maxRetries {
		log.Warn("capture retries exhausted, abandoning")
		if err := w.captures.MarkCaptureAbandoned(ctx, msg.ChargeExternalID); err != nil {
			log.Error("failed to mark capture abandoned", zap.Error(err))
		}
		w.ack(ctx, delivery)
		return
	}

	outcome, err := w.captures.Capture(ctx, msg.ChargeExternalID)
	switch {
	case err == nil:
		if outcome == service.OutcomeRetryScheduled {
			if sendErr := w.captures.ScheduleRetry(ctx, msg.ChargeExternalID, msg.Attempt+1); sendErr != nil {
				// повтор не запланирован — оставляем сообщение
				// неподтверждённым, брокер доставит его снова
				log.Error("failed to schedule capture retry", zap.Error(sendErr))
				return
			}
			log.Info("capture retry scheduled")
		}
		w.ack(ctx, delivery)

	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrExpired),
		errors.Is(err, domain.ErrIllegalState),
		errors.Is(err, domain.ErrOperationInProgress):
		// redelivery по уже обработанному или увезённому charge:
		// подтверждаем без вызова шлюза
		log.Info("capture message is a no-op", zap.Error(err))
		w.ack(ctx, delivery)

	case errors.Is(err, domain.ErrConflict):
		log.Warn("capture lost version race, message will be redelivered")

	default:
		log.Error("capture attempt failed", zap.Error(err))
	}
}

func (w *CaptureWorker) ack(ctx context.Context, delivery queue.Delivery) {
	if err := w.captureQueue.Delete(ctx, delivery); err != nil {
		w.logger.Error("failed to acknowledge capture message", zap.Error(err))
	}
}
