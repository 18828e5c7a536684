package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
)

type idempotencyRepo struct{ pool *pgxpool.Pool }

const idemColumns = `user_id, idem_key, request_hash, state, status_code, response_body, created_at, expires_at`

func scanIdem(row pgx.Row) (models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := row.Scan(&rec.UserID, &rec.Key, &rec.RequestHash, &rec.State, &rec.StatusCode, &rec.ResponseBody, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, apperr.ErrNotFound
	}
	return rec, err
}

// Begin claims (user_id, idem_key). An expired row is taken over in place; a
// live one is left alone and returned.
func (r *idempotencyRepo) Begin(ctx context.Context, rec models.IdempotencyRecord) (models.IdempotencyRecord, bool, error) {
	out, err := scanIdem(r.pool.QueryRow(ctx, `
INSERT INTO idempotency_records(user_id, idem_key, request_hash, state, created_at, expires_at)
VALUES($1,$2,$3,'in_progress',$4,$5)
ON CONFLICT (user_id, idem_key) DO UPDATE
   SET request_hash = EXCLUDED.request_hash,
       state = 'in_progress',
       status_code = 0,
       response_body = NULL,
       created_at = EXCLUDED.created_at,
       expires_at = EXCLUDED.expires_at
 WHERE idempotency_records.expires_at <= now()
RETURNING `+idemColumns, rec.UserID, rec.Key, rec.RequestHash, rec.CreatedAt, rec.ExpiresAt))
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return models.IdempotencyRecord{}, false, err
	}
	existing, err := scanIdem(r.pool.QueryRow(ctx,
		`SELECT `+idemColumns+` FROM idempotency_records WHERE user_id=$1 AND idem_key=$2`, rec.UserID, rec.Key))
	if err != nil {
		return models.IdempotencyRecord{}, false, err
	}
	return existing, false, nil
}

func (r *idempotencyRepo) Complete(ctx context.Context, userID, key string, status int, body []byte) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE idempotency_records
   SET state='completed', status_code=$3, response_body=$4
 WHERE user_id=$1 AND idem_key=$2 AND state='in_progress'`, userID, key, status, body)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (r *idempotencyRepo) Abandon(ctx context.Context, userID, key string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM idempotency_records WHERE user_id=$1 AND idem_key=$2 AND state='in_progress'`, userID, key)
	return err
}

func (r *idempotencyRepo) DeleteExpired(ctx context.Context, before time.Time, limit int) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
DELETE FROM idempotency_records
 WHERE ctid IN (SELECT ctid FROM idempotency_records WHERE expires_at <= $1 LIMIT $2)`, before, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
