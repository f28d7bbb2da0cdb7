package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/repository"
)

// RefundRepository реализует repository.RefundRepository используя PostgreSQL
type RefundRepository struct {
	pool *pgxpool.Pool
}

// NewRefundRepository создаёт новый PostgreSQL репозиторий refund
func NewRefundRepository(pool *pgxpool.Pool) *RefundRepository {
	return &RefundRepository{
		pool: pool,
	}
}

// Create сохраняет новый refund и первую запись истории в одной транзакции
func (r *RefundRepository) Create(ctx context.Context, refund domain.Refund) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if refund.Version == 0 {
		refund.Version = 1
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO refunds (external_id, charge_external_id, amount, status,
		                      gateway_transaction_id, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		refund.ExternalID, refund.ChargeExternalID, refund.Amount, string(refund.Status),
		nullable(refund.GatewayTransactionID), refund.Version, refund.CreatedAt)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO refund_events (refund_external_id, charge_external_id, status,
		                            amount, gateway_transaction_id, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		refund.ExternalID, refund.ChargeExternalID, string(refund.Status),
		refund.Amount, nullable(refund.GatewayTransactionID), refund.CreatedAt)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// FindByExternalID получает refund по external id
func (r *RefundRepository) FindByExternalID(ctx context.Context, externalID string) (domain.Refund, error) {
	var refund domain.Refund
	var gatewayTxID *string

	err := r.pool.QueryRow(ctx,
		`SELECT external_id, charge_external_id, amount, status,
		        gateway_transaction_id, version, created_at
		 FROM refunds
		 WHERE external_id = $1`,
		externalID).Scan(
		&refund.ExternalID, &refund.ChargeExternalID, &refund.Amount, &refund.Status,
		&gatewayTxID, &refund.Version, &refund.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Refund{}, repository.ErrNotFound
		}
		return domain.Refund{}, err
	}
	if gatewayTxID != nil {
		refund.GatewayTransactionID = *gatewayTxID
	}
	return refund, nil
}

// UpdateConditional применяет статус (и опционально gateway transaction id)
// при совпадении версии и атомарно добавляет запись истории
func (r *RefundRepository) UpdateConditional(ctx context.Context, externalID string, expectedVersion int64, status domain.RefundStatus, gatewayTransactionID string, occurredAt time.Time) (domain.Refund, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Refund{}, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE refunds
		 SET status = $1,
		     gateway_transaction_id = COALESCE(NULLIF($2, ''), gateway_transaction_id),
		     version = version + 1
		 WHERE external_id = $3 AND version = $4`,
		string(status), gatewayTransactionID, externalID, expectedVersion)
	if err != nil {
		return domain.Refund{}, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM refunds WHERE external_id = $1)`, externalID).Scan(&exists); err != nil {
			return domain.Refund{}, err
		}
		if !exists {
			return domain.Refund{}, repository.ErrNotFound
		}
		return domain.Refund{}, repository.ErrVersionConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO refund_events (refund_external_id, charge_external_id, status,
		                            amount, gateway_transaction_id, occurred_at)
		 SELECT external_id, charge_external_id, $1, amount, gateway_transaction_id, $2
		 FROM refunds WHERE external_id = $3`,
		string(status), occurredAt, externalID)
	if err != nil {
		return domain.Refund{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Refund{}, err
	}

	return r.FindByExternalID(ctx, externalID)
}

// AmountRefundedFor возвращает сумму не-ошибочных возвратов по charge
func (r *RefundRepository) AmountRefundedFor(ctx context.Context, chargeExternalID string) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM refunds
		 WHERE charge_external_id = $1 AND status <> $2`,
		chargeExternalID, string(domain.RefundError)).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

// History возвращает записи истории refund в порядке возникновения
func (r *RefundRepository) History(ctx context.Context, externalID string) ([]domain.RefundHistoryEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT refund_external_id, charge_external_id, status, amount,
		        COALESCE(gateway_transaction_id, ''), occurred_at
		 FROM refund_events
		 WHERE refund_external_id = $1
		 ORDER BY id`,
		externalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.RefundHistoryEvent
	for rows.Next() {
		var event domain.RefundHistoryEvent
		if err := rows.Scan(&event.RefundExternalID, &event.ChargeExternalID, &event.Status,
			&event.Amount, &event.GatewayTransactionID, &event.OccurredAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
