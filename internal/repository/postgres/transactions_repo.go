package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
)

type transactionsRepo struct{ pool *pgxpool.Pool }

const txColumns = `id, user_id, type, status, amount, currency, fee, reserved_amount,
  fx_rate, amount_converted, converted_currency, reference,
  external_swap_id, external_payment_id, external_payment_reference,
  error_message, metadata, idempotency_key, created_at, updated_at`

func scanTx(row pgx.Row) (models.Transaction, error) {
	var (
		tx        models.Transaction
		fxRate    decimal.NullDecimal
		converted decimal.NullDecimal
		convCur   *string
	)
	err := row.Scan(
		&tx.ID, &tx.UserID, &tx.Type, &tx.Status, &tx.Amount, &tx.Currency, &tx.Fee, &tx.ReservedAmount,
		&fxRate, &converted, &convCur, &tx.Reference,
		&tx.ExternalSwapID, &tx.ExternalPaymentID, &tx.ExternalPaymentReference,
		&tx.ErrorMessage, &tx.Metadata, &tx.IdempotencyKey, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return tx, apperr.ErrNotFound
	}
	if err != nil {
		return tx, err
	}
	if fxRate.Valid {
		tx.FxRate = &fxRate.Decimal
	}
	if converted.Valid {
		tx.AmountConverted = &converted.Decimal
	}
	if convCur != nil {
		c := models.Currency(*convCur)
		tx.ConvertedCurrency = &c
	}
	return tx, nil
}

func nullDec(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullCur(c *models.Currency) *string {
	if c == nil {
		return nil
	}
	s := string(*c)
	return &s
}

// insertTx runs on either the pool or an open pgx.Tx.
func insertTx(ctx context.Context, q querier, tx models.Transaction) (models.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Metadata == nil {
		tx.Metadata = map[string]any{}
	}
	return scanTx(q.QueryRow(ctx, `
INSERT INTO transactions (
  id, user_id, type, status, amount, currency, fee, reserved_amount,
  fx_rate, amount_converted, converted_currency, reference,
  external_swap_id, external_payment_id, external_payment_reference,
  error_message, metadata, idempotency_key
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
RETURNING `+txColumns,
		tx.ID, tx.UserID, tx.Type, tx.Status, tx.Amount, tx.Currency, tx.Fee, tx.ReservedAmount,
		nullDec(tx.FxRate), nullDec(tx.AmountConverted), nullCur(tx.ConvertedCurrency), tx.Reference,
		tx.ExternalSwapID, tx.ExternalPaymentID, tx.ExternalPaymentReference,
		tx.ErrorMessage, tx.Metadata, tx.IdempotencyKey,
	))
}

func (r *transactionsRepo) Create(ctx context.Context, tx models.Transaction) (models.Transaction, error) {
	return insertTx(ctx, r.pool, tx)
}

func (r *transactionsRepo) GetByID(ctx context.Context, id string) (models.Transaction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Transaction{}, apperr.ErrNotFound
	}
	return scanTx(r.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id=$1`, id))
}

func (r *transactionsRepo) FindBySwapRef(ctx context.Context, ref string) (models.Transaction, error) {
	return scanTx(r.pool.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE external_swap_id=$1 ORDER BY created_at DESC LIMIT 1`, ref))
}

func (r *transactionsRepo) FindByPaymentRef(ctx context.Context, ref string) (models.Transaction, error) {
	return scanTx(r.pool.QueryRow(ctx, `
SELECT `+txColumns+`
  FROM transactions
 WHERE external_payment_reference=$1 OR external_payment_id=$1
 ORDER BY created_at DESC
 LIMIT 1`, ref))
}

func (r *transactionsRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+txColumns+`
  FROM transactions
 WHERE user_id=$1
 ORDER BY created_at DESC
 LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectTx(rows)
}

func (r *transactionsRepo) ListStale(ctx context.Context, status models.TransactionStatus, types []models.TransactionType, updatedBefore time.Time, limit int) ([]models.Transaction, error) {
	ts := make([]string, 0, len(types))
	for _, t := range types {
		ts = append(ts, string(t))
	}
	rows, err := r.pool.Query(ctx, `
SELECT `+txColumns+`
  FROM transactions
 WHERE status=$1
   AND (cardinality($2::text[]) = 0 OR type = ANY($2::text[]))
   AND updated_at < $3
 ORDER BY updated_at
 LIMIT $4`, status, ts, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectTx(rows)
}

func collectTx(rows pgx.Rows) ([]models.Transaction, error) {
	defer rows.Close()
	var out []models.Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}
