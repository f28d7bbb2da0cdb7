package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/event"
	"github.com/shestoi/cardflow/internal/gateway"
	queuememory "github.com/shestoi/cardflow/internal/queue/memory"
	"github.com/shestoi/cardflow/internal/repository/memory"
	"github.com/shestoi/cardflow/internal/service"
)

func newScannerFixture(t *testing.T, overdueAfter time.Duration) (*memory.ChargeRepository, *queuememory.Queue, *CaptureScanner) {
	t.Helper()

	charges := memory.NewChargeRepository()
	refunds := memory.NewRefundRepository()
	captureQueue := queuememory.NewQueue(16)
	factory := event.NewFactory(charges, refunds, emptyArchive{}, zap.NewNop())

	captures := service.NewCaptureService(
		service.NewChargeTransitioner(charges, zap.NewNop()),
		gateway.NewProviders(&scriptedGateway{name: "worldpay", confirmsAsync: true}),
		captureQueue,
		factory,
		&recordingPublisher{},
		time.Minute,
		zap.NewNop(),
	)

	scanner := NewCaptureScanner(charges, captures, overdueAfter, time.Minute, zap.NewNop())
	return charges, captureQueue, scanner
}

func seedAuthorisedAged(t *testing.T, charges *memory.ChargeRepository, externalID string, age time.Duration) {
	t.Helper()

	stamp := time.Now().UTC().Add(-age)
	require.NoError(t, charges.Create(context.Background(), domain.Charge{
		ExternalID:           externalID,
		Amount:               5000,
		Status:               domain.ChargeAuthorisationSuccess,
		GatewayName:          "worldpay",
		GatewayTransactionID: "tx-" + externalID,
		Version:              1,
		CreatedAt:            stamp,
		UpdatedAt:            stamp,
	}))
}

func TestScanOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("overdue authorised charge is queued for capture", func(t *testing.T) {
		charges, captureQueue, scanner := newScannerFixture(t, time.Hour)
		seedAuthorisedAged(t, charges, "overdue", 2*time.Hour)
		seedAuthorisedAged(t, charges, "fresh", 5*time.Minute)

		enqueued, err := scanner.ScanOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, enqueued)

		overdue, err := charges.FindByExternalID(ctx, "overdue")
		require.NoError(t, err)
		require.Equal(t, domain.ChargeCaptureApproved, overdue.Status)

		fresh, err := charges.FindByExternalID(ctx, "fresh")
		require.NoError(t, err)
		require.Equal(t, domain.ChargeAuthorisationSuccess, fresh.Status)

		require.Equal(t, 1, captureQueue.Len())
		delivery, err := captureQueue.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, "overdue", delivery.Message.ChargeExternalID)
		require.Equal(t, 1, delivery.Message.Attempt)
	})

	t.Run("second scan does not re-enqueue an approved charge", func(t *testing.T) {
		charges, captureQueue, scanner := newScannerFixture(t, time.Hour)
		seedAuthorisedAged(t, charges, "overdue", 2*time.Hour)

		_, err := scanner.ScanOnce(ctx)
		require.NoError(t, err)

		enqueued, err := scanner.ScanOnce(ctx)
		require.NoError(t, err)
		require.Zero(t, enqueued)
		require.Equal(t, 1, captureQueue.Len())
	})

	t.Run("empty store is a quiet no-op", func(t *testing.T) {
		_, captureQueue, scanner := newScannerFixture(t, time.Hour)

		enqueued, err := scanner.ScanOnce(ctx)
		require.NoError(t, err)
		require.Zero(t, enqueued)
		require.Zero(t, captureQueue.Len())
	})
}
