package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shestoi/cardflow/internal/repository"
	"github.com/shestoi/cardflow/internal/service"
)

// scannerBatchSize максимум платежей за один проход сканера
const scannerBatchSize = 100

// CaptureScanner периодически находит платежи, зависшие в
// AUTHORISATION_SUCCESS дольше порога, и ставит их в очередь захватов.
// Страхует от потерянных сообщений: очередь at-least-once, но сообщение,
// не дошедшее до очереди вовсе, иначе потеряло бы платёж навсегда.
type CaptureScanner struct {
	charges      repository.ChargeRepository
	captures     *service.CaptureService
	overdueAfter time.Duration
	interval     time.Duration
	logger       *zap.Logger

	now func() time.Time
}

// NewCaptureScanner создаёт сканер просроченных захватов
func NewCaptureScanner(
	charges repository.ChargeRepository,
	captures *service.CaptureService,
	overdueAfter time.Duration,
	interval time.Duration,
	logger *zap.Logger,
) *CaptureScanner {
	return &CaptureScanner{
		charges:      charges,
		captures:     captures,
		overdueAfter: overdueAfter,
		interval:     interval,
		logger:       logger,
		now:          time.Now,
	}
}

// Run запускает периодический скан до отмены контекста
func (s *CaptureScanner) Run(ctx context.Context) error {
	s.logger.Info("starting capture scanner",
		zap.Duration("overdue_after", s.overdueAfter),
		zap.Duration("interval", s.interval),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("capture scanner context cancelled, stopping")
			return nil
		case <-ticker.C:
			if _, err := s.ScanOnce(ctx); err != nil {
				s.logger.Error("capture scan failed", zap.Error(err))
			}
		}
	}
}

// ScanOnce выполняет один проход: найденные просроченные платежи
// одобряются к захвату и отправляются в очередь. Возвращает число
// поставленных в очередь.
func (s *CaptureScanner) ScanOnce(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.overdueAfter)
	ids, err := s.charges.FindOverdueForCapture(ctx, cutoff, scannerBatchSize)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, id := range ids {
		if err := s.captures.MarkCaptureApproved(ctx, id); err != nil {
			// параллельная операция увела платёж — следующий проход
			// переоценит
			s.logger.Warn("overdue charge not enqueued",
				zap.String("charge_external_id", id),
				zap.Error(err),
			)
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		s.logger.Info("capture scan finished",
			zap.Int("enqueued", enqueued),
			zap.Int("candidates", len(ids)),
		)
	}
	return enqueued, nil
}

// ExpirySweeper периодически запускает экспирацию просроченных платежей
type ExpirySweeper struct {
	expiry   *service.ExpiryService
	interval time.Duration
	logger   *zap.Logger
}

// NewExpirySweeper создаёт периодический sweeper экспирации
func NewExpirySweeper(expiry *service.ExpiryService, interval time.Duration, logger *zap.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		expiry:   expiry,
		interval: interval,
		logger:   logger,
	}
}

// Run запускает периодический sweep до отмены контекста
func (s *ExpirySweeper) Run(ctx context.Context) error {
	s.logger.Info("starting expiry sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper context cancelled, stopping")
			return nil
		case <-ticker.C:
			if _, err := s.expiry.SweepOnce(ctx); err != nil {
				s.logger.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}
