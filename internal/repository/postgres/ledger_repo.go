package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
	"github.com/baharkarakas/fxcard-wallet/internal/ledger"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
)

type ledgerRepo struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func (r *ledgerRepo) ReserveAndCreate(ctx context.Context, t models.Transaction, amount decimal.Decimal) (models.Transaction, models.Wallet, error) {
	if !amount.IsPositive() {
		return models.Transaction{}, models.Wallet{}, fmt.Errorf("%w: amount must be > 0", apperr.ErrValidation)
	}

	dbtx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Transaction{}, models.Wallet{}, err
	}
	defer func() { _ = dbtx.Rollback(ctx) }()

	w, err := scanWallet(dbtx.QueryRow(ctx, `
UPDATE wallets
   SET locked_ngn = locked_ngn + $2, updated_at = now()
 WHERE user_id = $1 AND ngn - locked_ngn >= $2
RETURNING `+walletColumns, t.UserID, amount))
	if errors.Is(err, apperr.ErrNotFound) {
		return models.Transaction{}, models.Wallet{}, apperr.ErrInsufficientFunds
	}
	if err != nil {
		return models.Transaction{}, models.Wallet{}, err
	}

	t.ReservedAmount = amount
	out, err := insertTx(ctx, dbtx, t)
	if err != nil {
		return models.Transaction{}, models.Wallet{}, fmt.Errorf("insert transaction: %w", err)
	}
	if err := insertAudit(ctx, dbtx, models.TransactionCreatedAudit(out)); err != nil {
		return models.Transaction{}, models.Wallet{}, err
	}
	if err := dbtx.Commit(ctx); err != nil {
		return models.Transaction{}, models.Wallet{}, err
	}
	return out, w, nil
}

func (r *ledgerRepo) Apply(ctx context.Context, t models.Transition) (models.Transaction, models.Wallet, error) {
	dbtx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Transaction{}, models.Wallet{}, err
	}
	defer func() { _ = dbtx.Rollback(ctx) }()

	cur, err := scanTx(dbtx.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id=$1 FOR UPDATE`, t.TxID))
	if err != nil {
		return models.Transaction{}, models.Wallet{}, err
	}

	if t.EventKey != "" {
		tag, err := dbtx.Exec(ctx, `
INSERT INTO processed_events(event_key, event, transaction_id) VALUES($1,$2,$3)
ON CONFLICT (event_key) DO NOTHING`, t.EventKey, t.Event, cur.ID)
		if err != nil {
			return models.Transaction{}, models.Wallet{}, err
		}
		if tag.RowsAffected() == 0 {
			return r.current(ctx, cur, apperr.ErrDuplicateEvent)
		}
	}
	if !t.Allows(cur.Status) {
		return r.current(ctx, cur, apperr.ErrStaleTransition)
	}

	w, err := lockWallet(ctx, dbtx, cur.UserID)
	if err != nil {
		return models.Transaction{}, models.Wallet{}, err
	}
	reserved := cur.ReservedAmount
	switch t.Wallet.Kind {
	case models.WalletOpCredit:
		w, err = ledger.Credit(w, t.Wallet.Amount, t.Wallet.Currency)
	case models.WalletOpSettleReserved:
		if reserved.IsPositive() {
			w, err = ledger.Settle(w, reserved)
			reserved = decimal.Zero
		}
	case models.WalletOpReleaseReserved:
		if reserved.IsPositive() {
			var clamped bool
			w, clamped = ledger.Release(w, reserved)
			if clamped {
				r.log.Warn("release clamped at zero", "tx_id", cur.ID, "user_id", cur.UserID, "amount", reserved.String())
			}
			reserved = decimal.Zero
		}
	}
	if err != nil {
		return models.Transaction{}, models.Wallet{}, err
	}
	if t.Wallet.Kind != models.WalletOpNone {
		if w, err = writeWallet(ctx, dbtx, w); err != nil {
			return models.Transaction{}, models.Wallet{}, err
		}
	}

	p := t.Patch
	out, err := scanTx(dbtx.QueryRow(ctx, `
UPDATE transactions SET
  status                     = $2,
  reserved_amount            = $3,
  amount                     = COALESCE($4::numeric, amount),
  fee                        = COALESCE($5::numeric, fee),
  fx_rate                    = COALESCE($6::numeric, fx_rate),
  amount_converted           = COALESCE($7::numeric, amount_converted),
  converted_currency         = COALESCE($8::text, converted_currency),
  external_swap_id           = COALESCE($9::text, external_swap_id),
  external_payment_id        = COALESCE($10::text, external_payment_id),
  external_payment_reference = COALESCE($11::text, external_payment_reference),
  error_message              = COALESCE($12::text, error_message),
  updated_at                 = now()
WHERE id = $1
RETURNING `+txColumns,
		cur.ID, t.To, reserved,
		nullDec(p.Amount), nullDec(p.Fee), nullDec(p.FxRate), nullDec(p.AmountConverted), nullCur(p.ConvertedCurrency),
		p.ExternalSwapID, p.ExternalPaymentID, p.ExternalPaymentReference, p.ErrorMessage,
	))
	if err != nil {
		return models.Transaction{}, models.Wallet{}, fmt.Errorf("update transaction: %w", err)
	}
	if err := insertAudit(ctx, dbtx, models.TransitionAudit(cur.Status, out, t)); err != nil {
		return models.Transaction{}, models.Wallet{}, err
	}
	if err := dbtx.Commit(ctx); err != nil {
		return models.Transaction{}, models.Wallet{}, err
	}
	return out, w, nil
}

// current returns the committed state alongside a sentinel after the caller's
// transaction was abandoned.
func (r *ledgerRepo) current(ctx context.Context, tx models.Transaction, sentinel error) (models.Transaction, models.Wallet, error) {
	w, err := scanWallet(r.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id=$1`, tx.UserID))
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return tx, w, err
	}
	return tx, w, sentinel
}

func lockWallet(ctx context.Context, q querier, userID string) (models.Wallet, error) {
	if _, err := q.Exec(ctx, `INSERT INTO wallets(user_id) VALUES($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return models.Wallet{}, err
	}
	return scanWallet(q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id=$1 FOR UPDATE`, userID))
}

func writeWallet(ctx context.Context, q querier, w models.Wallet) (models.Wallet, error) {
	if err := ledger.Check(w); err != nil {
		return w, err
	}
	return scanWallet(q.QueryRow(ctx, `
UPDATE wallets SET ngn=$2, usd=$3, locked_ngn=$4, updated_at=now()
 WHERE user_id=$1
RETURNING `+walletColumns, w.UserID, w.Ngn, w.Usd, w.LockedNgn))
}
