package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
)

type walletsRepo struct{ pool *pgxpool.Pool }

const walletColumns = `user_id, ngn, usd, locked_ngn, updated_at`

func scanWallet(row pgx.Row) (models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(&w.UserID, &w.Ngn, &w.Usd, &w.LockedNgn, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return w, apperr.ErrNotFound
	}
	return w, err
}

func (r *walletsRepo) GetOrCreate(ctx context.Context, userID string) (models.Wallet, error) {
	if _, err := r.pool.Exec(ctx, `INSERT INTO wallets(user_id) VALUES($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return models.Wallet{}, err
	}
	return r.Get(ctx, userID)
}

func (r *walletsRepo) Get(ctx context.Context, userID string) (models.Wallet, error) {
	return scanWallet(r.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id=$1`, userID))
}

func (r *walletsRepo) Credit(ctx context.Context, userID string, amount decimal.Decimal, cur models.Currency) (models.Wallet, error) {
	if !amount.IsPositive() {
		return models.Wallet{}, fmt.Errorf("%w: amount must be > 0", apperr.ErrValidation)
	}
	return creditWallet(ctx, r.pool, userID, amount, cur)
}

// creditWallet upserts the wallet row and adds amount to the currency column.
func creditWallet(ctx context.Context, q querier, userID string, amount decimal.Decimal, cur models.Currency) (models.Wallet, error) {
	var col string
	switch cur {
	case models.NGN:
		col = "ngn"
	case models.USD:
		col = "usd"
	default:
		return models.Wallet{}, fmt.Errorf("%w: unsupported currency %q", apperr.ErrValidation, cur)
	}
	return scanWallet(q.QueryRow(ctx, `
INSERT INTO wallets(user_id, `+col+`) VALUES($1, $2)
ON CONFLICT (user_id) DO UPDATE
   SET `+col+` = wallets.`+col+` + EXCLUDED.`+col+`, updated_at = now()
RETURNING `+walletColumns, userID, amount))
}
