package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/event"
	"github.com/shestoi/cardflow/internal/gateway"
	"github.com/shestoi/cardflow/internal/ledger"
	"github.com/shestoi/cardflow/internal/repository/memory"
)

// failingProcessedStore имитирует недоступный дедуп-стор
type failingProcessedStore struct{}

func (failingProcessedStore) IsProcessed(context.Context, string) (bool, error) {
	return false, errors.New("store unavailable")
}

func (failingProcessedStore) MarkProcessed(context.Context, string, time.Duration) error {
	return errors.New("store unavailable")
}

type notificationFixture struct {
	charges   *memory.ChargeRepository
	refunds   *memory.RefundRepository
	provider  *scriptedProvider
	publisher *recordingPublisher
	service   *NotificationService
}

func newNotificationFixture(t *testing.T, provider *scriptedProvider, processed ProcessedStore, archive ledger.Archive) *notificationFixture {
	t.Helper()

	charges := memory.NewChargeRepository()
	refunds := memory.NewRefundRepository()
	publisher := &recordingPublisher{}
	factory := event.NewFactory(charges, refunds, archive, zap.NewNop())

	service := NewNotificationService(
		gateway.NewProviders(provider),
		charges,
		refunds,
		NewChargeTransitioner(charges, zap.NewNop()),
		NewRefundTransitioner(refunds, zap.NewNop()),
		processed,
		archive,
		factory,
		publisher,
		time.Hour,
		zap.NewNop(),
	)

	return &notificationFixture{
		charges:   charges,
		refunds:   refunds,
		provider:  provider,
		publisher: publisher,
		service:   service,
	}
}

func (f *notificationFixture) seedCharge(t *testing.T, status domain.ChargeStatus, transactionID string) {
	t.Helper()

	now := time.Now().UTC()
	require.NoError(t, f.charges.Create(context.Background(), domain.Charge{
		ExternalID:           "charge-1",
		Amount:               5000,
		Status:               status,
		GatewayName:          f.provider.name,
		GatewayTransactionID: transactionID,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}))
}

func (f *notificationFixture) seedRefund(t *testing.T, status domain.RefundStatus) {
	t.Helper()

	require.NoError(t, f.refunds.Create(context.Background(), domain.Refund{
		ExternalID:       "refund-1",
		ChargeExternalID: "charge-1",
		Amount:           2000,
		Status:           status,
		Version:          1,
		CreatedAt:        time.Now().UTC(),
	}))
}

func TestNotificationHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown provider is the caller's problem", func(t *testing.T) {
		fixture := newNotificationFixture(t, newScriptedProvider("worldpay", true), NewMemoryProcessedStore(), emptyArchive{})

		err := fixture.service.Handle(ctx, "no-such-gateway", []byte("{}"), "")
		require.ErrorIs(t, err, gateway.ErrUnknownProvider)
	})

	t.Run("bad signature rejects the whole webhook", func(t *testing.T) {
		provider := newScriptedProvider("stripe", true)
		provider.signatureErr = gateway.ErrSignatureInvalid
		fixture := newNotificationFixture(t, provider, NewMemoryProcessedStore(), emptyArchive{})
		fixture.seedCharge(t, domain.ChargeCaptureSubmitted, "tx-1")

		err := fixture.service.Handle(ctx, "stripe", []byte("{}"), "bogus")
		require.ErrorIs(t, err, gateway.ErrSignatureInvalid)

		charge, err := fixture.charges.FindByExternalID(ctx, "charge-1")
		require.NoError(t, err)
		require.Equal(t, domain.ChargeCaptureSubmitted, charge.Status)
	})

	t.Run("unparseable payload is acknowledged without processing", func(t *testing.T) {
		provider := newScriptedProvider("worldpay", true)
		provider.parseErr = gateway.ErrMalformedNotification
		fixture := newNotificationFixture(t, provider, NewMemoryProcessedStore(), emptyArchive{})

		require.NoError(t, fixture.service.Handle(ctx, "worldpay", []byte("<garbage"), ""))
		require.Empty(t, fixture.publisher.all())
	})

	t.Run("capture confirmation moves CAPTURE_SUBMITTED to CAPTURED", func(t *testing.T) {
		provider := newScriptedProvider("worldpay", true)
		provider.statuses["CAPTURED"] = gateway.ForCharge(domain.ChargeCaptured)
		provider.notifications = []gateway.Notification{{
			TransactionID:    "tx-1",
			Status:           "CAPTURED",
			GatewayEventDate: time.Now().UTC(),
		}}
		fixture := newNotificationFixture(t, provider, NewMemoryProcessedStore(), emptyArchive{})
		fixture.seedCharge(t, domain.ChargeCaptureSubmitted, "tx-1")

		require.NoError(t, fixture.service.Handle(ctx, "worldpay", []byte("{}"), ""))

		charge, err := fixture.charges.FindByExternalID(ctx, "charge-1")
		require.NoError(t, err)
		require.Equal(t, domain.ChargeCaptured, charge.Status)

		require.Equal(t, 1, fixture.publisher.countOfType(event.TypeCaptureConfirmed))
		require.Equal(t, 1, fixture.publisher.countOfType(event.TypeRefundAvailabilityUpdate))
	})

	t.Run("refund confirmation emits refund and availability events", func(t *testing.T) {
		provider := newScriptedProvider("worldpay", true)
		provider.statuses["REFUNDED"] = gateway.ForRefund(domain.RefundSucceeded)
		provider.notifications = []gateway.Notification{{
			TransactionID: "tx-1",
			Reference:     "refund-1",
			Status:        "REFUNDED",
		}}
		fixture := newNotificationFixture(t, provider, NewMemoryProcessedStore(), emptyArchive{})
		fixture.seedCharge(t, domain.ChargeCaptured, "tx-1")
		fixture.seedRefund(t, domain.RefundSubmitted)

		require.NoError(t, fixture.service.Handle(ctx, "worldpay", []byte("{}"), ""))

		refund, err := fixture.refunds.FindByExternalID(ctx, "refund-1")
		require.NoError(t, err)
		require.Equal(t, domain.RefundSucceeded, refund.Status)

		require.Equal(t, 1, fixture.publisher.countOfType(event.TypeRefundSucceeded))
		require.Equal(t, 1, fixture.publisher.countOfType(event.TypeRefundAvailabilityUpdate))
	})

	t.Run("refund notification without reference is dropped", func(t *testing.T) {
		provider := newScriptedProvider("worldpay", true)
		provider.statuses["REFUNDED"] = gateway.ForRefund(domain.RefundSucceeded)
		provider.notifications = []gateway.Notification{{
			TransactionID: "tx-1",
			Status:        "REFUNDED",
		}}
		fixture := newNotificationFixture(t, provider, NewMemoryProcessedStore(), emptyArchive{})
		fixture.seedCharge(t, domain.ChargeCaptured, "tx-1")
		fixture.seedRefund(t, domain.RefundSubmitted)

		require.NoError(t, fixture.service.Handle(ctx, "worldpay", []byte("{}"), ""))

		refund, err := fixture.refunds.FindByExternalID(ctx, "refund-1")
		require.NoError(t, err)
		require.Equal(t, domain.RefundSubmitted, refund.Status)
		require.Empty(t, fixture.publisher.all())
	})

	t.Run("blank transaction id is dropped", func(t *testing.T) {
		provider := newScriptedProvider("worldpay", true)
		provider.statuses["CAPTURED"] = gateway.ForCharge(domain.ChargeCaptured)
		provider.notifications = []gateway.Notification{{Status: "CAPTURED"}}
		fixture := newNotificationFixture(t, provider, NewMemoryProcessedStore(), emptyArchive{})
		fixture.seedCharge(t, domain.ChargeCaptureSubmitted, "tx-1")

		require.NoError(t, fixture.service.Handle(ctx, "worldpay", []byte("{}"), ""))

		charge, err := fixture.charges.FindByExternalID(ctx, "charge-1")
		require.NoError(t, err)
		require.Equal(t, domain.ChargeCaptureSubmitted, charge.Status)
	})

	t.Run("unknown and ignored statuses never mutate state", func(t *testing.T) {
		provider := newScriptedProvider("worldpay", true)
		provider.statuses["AUTHORISED"] = gateway.Ignored()
		provider.notifications = []gateway.Notification{
			{TransactionID: "tx-1", Status: "AUTHORISED"},
			{TransactionID: "tx-1", Status: "NEVER_HEARD_OF_IT"},
		}
		fixture := newNotificationFixture(t, provider, NewMemoryProcessedStore(), emptyArchive{})
		fixture.seedCharge(t, domain.ChargeCaptureSubmitted, "tx-1")

		require.NoError(t, fixture.service.Handle(ctx, "worldpay", []byte("{}"), ""))

		charge, err := fixture.charges.FindByExternalID(ctx, "charge-1")
		require.NoError(t, err)
		require.Equal(t, domain.ChargeCaptureSubmitted, charge.Status)
		require.Empty(t, fixture.publisher.all())
	})

	t.Run("duplicate delivery is dropped by the dedup store", func(t *testing.T) {
		provider := newScriptedProvider("worldpay", true)
		provider.statuses["CAPTURED"] = gateway.ForCharge(domain.ChargeCaptured)
		provider.notifications = []gateway.Notification{{TransactionID: "tx-1", Status: "CAPTURED"}}
		fixture := newNotificationFixture(t, provider, NewMemoryProcessedStore(), emptyArchive{})
		fixture.seedCharge(t, domain.ChargeCaptureSubmitted, "tx-1")

		require.NoError(t, fixture.service.Handle(ctx, "worldpay", []byte("{}"), ""))
		require.NoError(t, fixture.service.Handle(ctx, "worldpay", []byte("{}"), ""))

		require.Equal(t, 1, fixture.publisher.countOfType(event.TypeCaptureConfirmed))
	})

	t.Run("dedup store outage fails open", func(t *testing.T) {
		provider := newScriptedProvider("worldpay", true)
		provider.statuses["CAPTURED"] = gateway.ForCharge(domain.ChargeCaptured)
		provider.notifications = []gateway.Notification{{TransactionID: "tx-1", Status: "CAPTURED"}}
		fixture := newNotificationFixture(t, provider, failingProcessedStore{}, emptyArchive{})
		fixture.seedCharge(t, domain.ChargeCaptureSubmitted, "tx-1")

		require.NoError(t, fixture.service.Handle(ctx, "worldpay", []byte("{}"), ""))

		charge, err := fixture.charges.FindByExternalID(ctx, "charge-1")
		require.NoError(t, err)
		require.Equal(t, domain.ChargeCaptured, charge.Status)
	})

	t.Run("historic charge is acknowledged via the ledger without mutation", func(t *testing.T) {
		provider := newScriptedProvider("worldpay", true)
		provider.statuses["CAPTURED"] = gateway.ForCharge(domain.ChargeCaptured)
		provider.notifications = []gateway.Notification{{TransactionID: "archived-tx", Status: "CAPTURED"}}
		archive := &stubArchive{charges: map[string]domain.Charge{
			"old-charge": {ExternalID: "old-charge", GatewayTransactionID: "archived-tx", Status: domain.ChargeCaptured},
		}}
		fixture := newNotificationFixture(t, provider, NewMemoryProcessedStore(), archive)

		require.NoError(t, fixture.service.Handle(ctx, "worldpay", []byte("{}"), ""))
		require.Empty(t, fixture.publisher.all())
	})

	t.Run("illegal transition is dropped, charge untouched", func(t *testing.T) {
		provider := newScriptedProvider("worldpay", true)
		provider.statuses["CAPTURED"] = gateway.ForCharge(domain.ChargeCaptured)
		provider.notifications = []gateway.Notification{{TransactionID: "tx-1", Status: "CAPTURED"}}
		fixture := newNotificationFixture(t, provider, NewMemoryProcessedStore(), emptyArchive{})
		fixture.seedCharge(t, domain.ChargeUserCancelled, "tx-1")

		require.NoError(t, fixture.service.Handle(ctx, "worldpay", []byte("{}"), ""))

		charge, err := fixture.charges.FindByExternalID(ctx, "charge-1")
		require.NoError(t, err)
		require.Equal(t, domain.ChargeUserCancelled, charge.Status)
		require.Empty(t, fixture.publisher.all())
	})
}
