package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/repository/memory"
)

func seedCharge(t *testing.T, repo *memory.ChargeRepository, status domain.ChargeStatus) domain.Charge {
	t.Helper()

	now := time.Now().UTC()
	charge := domain.Charge{
		ExternalID:  "charge-1",
		Amount:      5000,
		Status:      status,
		GatewayName: "worldpay",
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, repo.Create(context.Background(), charge))
	return charge
}

func TestChargeTransitionerLock(t *testing.T) {
	ctx := context.Background()

	t.Run("locks from a legal status", func(t *testing.T) {
		repo := memory.NewChargeRepository()
		seedCharge(t, repo, domain.ChargeCaptureApproved)
		transitioner := NewChargeTransitioner(repo, zap.NewNop())

		locked, err := transitioner.Lock(ctx, "charge-1", domain.ChargeCaptureReady, domain.CaptureLegalStates)
		require.NoError(t, err)
		require.Equal(t, domain.ChargeCaptureReady, locked.Status)
		require.Equal(t, int64(2), locked.Version)
	})

	t.Run("already locked is OperationInProgress, not success", func(t *testing.T) {
		repo := memory.NewChargeRepository()
		seedCharge(t, repo, domain.ChargeCaptureReady)
		transitioner := NewChargeTransitioner(repo, zap.NewNop())

		_, err := transitioner.Lock(ctx, "charge-1", domain.ChargeCaptureReady, domain.CaptureLegalStates)
		require.ErrorIs(t, err, domain.ErrOperationInProgress)
	})

	t.Run("expired charge", func(t *testing.T) {
		repo := memory.NewChargeRepository()
		seedCharge(t, repo, domain.ChargeExpired)
		transitioner := NewChargeTransitioner(repo, zap.NewNop())

		_, err := transitioner.Lock(ctx, "charge-1", domain.ChargeCaptureReady, domain.CaptureLegalStates)
		require.ErrorIs(t, err, domain.ErrExpired)
	})

	t.Run("status outside the legal set", func(t *testing.T) {
		repo := memory.NewChargeRepository()
		seedCharge(t, repo, domain.ChargeCaptureSubmitted)
		transitioner := NewChargeTransitioner(repo, zap.NewNop())

		_, err := transitioner.Lock(ctx, "charge-1", domain.ChargeCaptureReady, domain.CaptureLegalStates)
		require.ErrorIs(t, err, domain.ErrIllegalState)
	})

	t.Run("missing charge", func(t *testing.T) {
		repo := memory.NewChargeRepository()
		transitioner := NewChargeTransitioner(repo, zap.NewNop())

		_, err := transitioner.Lock(ctx, "nope", domain.ChargeCaptureReady, domain.CaptureLegalStates)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestChargeTransitionerApply(t *testing.T) {
	ctx := context.Background()

	t.Run("legal transition appends one history row", func(t *testing.T) {
		repo := memory.NewChargeRepository()
		seedCharge(t, repo, domain.ChargeCaptureReady)
		transitioner := NewChargeTransitioner(repo, zap.NewNop())

		updated, err := transitioner.Apply(ctx, "charge-1", domain.ChargeCaptureSubmitted, "tx-1", time.Now().UTC())
		require.NoError(t, err)
		require.Equal(t, domain.ChargeCaptureSubmitted, updated.Status)
		require.Equal(t, "tx-1", updated.GatewayTransactionID)

		history, err := repo.History(ctx, "charge-1")
		require.NoError(t, err)
		require.Len(t, history, 2)
	})

	t.Run("illegal transition leaves status untouched", func(t *testing.T) {
		repo := memory.NewChargeRepository()
		seedCharge(t, repo, domain.ChargeCreated)
		transitioner := NewChargeTransitioner(repo, zap.NewNop())

		_, err := transitioner.Apply(ctx, "charge-1", domain.ChargeCaptured, "", time.Now().UTC())
		require.ErrorIs(t, err, domain.ErrIllegalState)

		charge, err := repo.FindByExternalID(ctx, "charge-1")
		require.NoError(t, err)
		require.Equal(t, domain.ChargeCreated, charge.Status)

		history, err := repo.History(ctx, "charge-1")
		require.NoError(t, err)
		require.Len(t, history, 1)
	})

	t.Run("already in target is a no-op success", func(t *testing.T) {
		repo := memory.NewChargeRepository()
		seedCharge(t, repo, domain.ChargeCaptured)
		transitioner := NewChargeTransitioner(repo, zap.NewNop())

		charge, err := transitioner.Apply(ctx, "charge-1", domain.ChargeCaptured, "", time.Now().UTC())
		require.NoError(t, err)
		require.Equal(t, int64(1), charge.Version)

		history, err := repo.History(ctx, "charge-1")
		require.NoError(t, err)
		require.Len(t, history, 1)
	})

	t.Run("version race is retried by re-reading", func(t *testing.T) {
		repo := memory.NewChargeRepository()
		seedCharge(t, repo, domain.ChargeAuthorisationSuccess)
		transitioner := NewChargeTransitioner(repo, zap.NewNop())

		// параллельный писатель уводит версию вперёд, но оставляет
		// статус легальным для перехода
		_, err := repo.UpdateConditional(ctx, "charge-1", 1, domain.ChargeCaptureApproved, "", time.Now().UTC())
		require.NoError(t, err)

		updated, err := transitioner.Apply(ctx, "charge-1", domain.ChargeCaptureReady, "", time.Now().UTC())
		require.NoError(t, err)
		require.Equal(t, domain.ChargeCaptureReady, updated.Status)
	})
}

func TestRefundTransitionerApply(t *testing.T) {
	ctx := context.Background()

	seedRefund := func(t *testing.T, repo interface {
		Create(context.Context, domain.Refund) error
	}, status domain.RefundStatus) {
		t.Helper()
		require.NoError(t, repo.Create(ctx, domain.Refund{
			ExternalID:       "refund-1",
			ChargeExternalID: "charge-1",
			Amount:           2000,
			Status:           status,
			Version:          1,
			CreatedAt:        time.Now().UTC(),
		}))
	}

	t.Run("submitted to refunded", func(t *testing.T) {
		repo := memory.NewRefundRepository()
		seedRefund(t, repo, domain.RefundSubmitted)
		transitioner := NewRefundTransitioner(repo, zap.NewNop())

		updated, err := transitioner.Apply(ctx, "refund-1", domain.RefundSucceeded, "", time.Now().UTC())
		require.NoError(t, err)
		require.Equal(t, domain.RefundSucceeded, updated.Status)
	})

	t.Run("terminal refund rejects transitions", func(t *testing.T) {
		repo := memory.NewRefundRepository()
		seedRefund(t, repo, domain.RefundSucceeded)
		transitioner := NewRefundTransitioner(repo, zap.NewNop())

		_, err := transitioner.Apply(ctx, "refund-1", domain.RefundError, "", time.Now().UTC())
		require.ErrorIs(t, err, domain.ErrIllegalState)
	})
}
