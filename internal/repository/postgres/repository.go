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

// ChargeRepository реализует repository.ChargeRepository используя PostgreSQL.
// Версионность: UPDATE ... WHERE external_id=$1 AND version=$2; ноль задетых
// строк при существующем charge означает проигранную гонку версий.
type ChargeRepository struct {
	pool *pgxpool.Pool
}

// NewChargeRepository создаёт новый PostgreSQL репозиторий charge
func NewChargeRepository(pool *pgxpool.Pool) *ChargeRepository {
	return &ChargeRepository{
		pool: pool,
	}
}

// Create сохраняет новый charge и первую запись истории в одной транзакции
func (r *ChargeRepository) Create(ctx context.Context, charge domain.Charge) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if charge.Version == 0 {
		charge.Version = 1
	}

	var cardholder, lastDigits, firstDigits, expiry, brand *string
	if charge.CardDetails != nil {
		cardholder = &charge.CardDetails.CardholderName
		lastDigits = &charge.CardDetails.LastDigitsCardNumber
		firstDigits = &charge.CardDetails.FirstDigitsCardNumber
		expiry = &charge.CardDetails.ExpiryDate
		brand = &charge.CardDetails.CardBrand
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO charges (external_id, amount, status, gateway_account_id, gateway_name,
		                      gateway_transaction_id, reference, description, email,
		                      cardholder_name, last_digits_card_number, first_digits_card_number,
		                      card_expiry_date, card_brand, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		charge.ExternalID, charge.Amount, string(charge.Status), charge.GatewayAccountID,
		charge.GatewayName, nullable(charge.GatewayTransactionID), charge.Reference,
		charge.Description, charge.Email, cardholder, lastDigits, firstDigits, expiry, brand,
		charge.Version, charge.CreatedAt, charge.CreatedAt)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO charge_events (charge_external_id, status, occurred_at)
		 VALUES ($1, $2, $3)`,
		charge.ExternalID, string(charge.Status), charge.CreatedAt)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// FindByExternalID получает charge по external id
func (r *ChargeRepository) FindByExternalID(ctx context.Context, externalID string) (domain.Charge, error) {
	return r.findOne(ctx, `WHERE external_id = $1`, externalID)
}

// FindByGatewayTransactionID получает charge по имени шлюза и transaction id шлюза
func (r *ChargeRepository) FindByGatewayTransactionID(ctx context.Context, gatewayName, transactionID string) (domain.Charge, error) {
	return r.findOne(ctx, `WHERE gateway_name = $1 AND gateway_transaction_id = $2`, gatewayName, transactionID)
}

func (r *ChargeRepository) findOne(ctx context.Context, where string, args ...any) (domain.Charge, error) {
	var charge domain.Charge
	var gatewayTxID *string
	var cardholder, lastDigits, firstDigits, expiry, brand *string

	err := r.pool.QueryRow(ctx,
		`SELECT external_id, amount, status, gateway_account_id, gateway_name,
		        gateway_transaction_id, reference, description, email,
		        cardholder_name, last_digits_card_number, first_digits_card_number,
		        card_expiry_date, card_brand, version, created_at, updated_at
		 FROM charges `+where,
		args...).Scan(
		&charge.ExternalID, &charge.Amount, &charge.Status, &charge.GatewayAccountID,
		&charge.GatewayName, &gatewayTxID, &charge.Reference, &charge.Description,
		&charge.Email, &cardholder, &lastDigits, &firstDigits, &expiry, &brand,
		&charge.Version, &charge.CreatedAt, &charge.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Charge{}, repository.ErrNotFound
		}
		return domain.Charge{}, err
	}

	if gatewayTxID != nil {
		charge.GatewayTransactionID = *gatewayTxID
	}
	if cardholder != nil {
		charge.CardDetails = &domain.CardDetails{
			CardholderName:        *cardholder,
			LastDigitsCardNumber:  deref(lastDigits),
			FirstDigitsCardNumber: deref(firstDigits),
			ExpiryDate:            deref(expiry),
			CardBrand:             deref(brand),
		}
	}
	return charge, nil
}

// FindOverdueForCapture возвращает external id charge-ей в AUTHORISATION_SUCCESS
// старше cutoff. Порядок — от самых старых, чтобы сканер не давал новым
// платежам обгонять давно просроченные
func (r *ChargeRepository) FindOverdueForCapture(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT external_id
		 FROM charges
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at
		 LIMIT $3`,
		string(domain.ChargeAuthorisationSuccess), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindExpirable возвращает external id charge-ей в экспирируемых статусах,
// созданных раньше cutoff
func (r *ChargeRepository) FindExpirable(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	statuses := make([]string, 0, len(domain.ExpireLegalStates))
	for _, status := range domain.ExpireLegalStates {
		statuses = append(statuses, string(status))
	}

	rows, err := r.pool.Query(ctx,
		`SELECT external_id
		 FROM charges
		 WHERE status = ANY($1) AND created_at < $2
		 ORDER BY created_at
		 LIMIT $3`,
		statuses, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateConditional применяет новый статус при совпадении версии и атомарно
// добавляет запись истории. ErrVersionConflict — если строка существует, но
// версия не совпала
func (r *ChargeRepository) UpdateConditional(ctx context.Context, externalID string, expectedVersion int64, status domain.ChargeStatus, gatewayTransactionID string, occurredAt time.Time) (domain.Charge, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Charge{}, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE charges
		 SET status = $1,
		     gateway_transaction_id = COALESCE(NULLIF($2, ''), gateway_transaction_id),
		     version = version + 1,
		     updated_at = $3
		 WHERE external_id = $4 AND version = $5`,
		string(status), gatewayTransactionID, occurredAt, externalID, expectedVersion)
	if err != nil {
		return domain.Charge{}, err
	}
	if tag.RowsAffected() == 0 {
		// различаем "нет такой строки" и "проиграна гонка версий"
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM charges WHERE external_id = $1)`, externalID).Scan(&exists); err != nil {
			return domain.Charge{}, err
		}
		if !exists {
			return domain.Charge{}, repository.ErrNotFound
		}
		return domain.Charge{}, repository.ErrVersionConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO charge_events (charge_external_id, status, occurred_at)
		 VALUES ($1, $2, $3)`,
		externalID, string(status), occurredAt)
	if err != nil {
		return domain.Charge{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Charge{}, err
	}

	return r.FindByExternalID(ctx, externalID)
}

// History возвращает записи истории charge в порядке возникновения
func (r *ChargeRepository) History(ctx context.Context, externalID string) ([]domain.ChargeEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT charge_external_id, status, occurred_at
		 FROM charge_events
		 WHERE charge_external_id = $1
		 ORDER BY id`,
		externalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.ChargeEvent
	for rows.Next() {
		var event domain.ChargeEvent
		if err := rows.Scan(&event.ChargeExternalID, &event.Status, &event.OccurredAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
