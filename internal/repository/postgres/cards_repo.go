package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
)

type cardsRepo struct{ pool *pgxpool.Pool }

const cardColumns = `id, user_id, external_card_id, status, updated_at`

func scanCard(row pgx.Row) (models.Card, error) {
	var c models.Card
	err := row.Scan(&c.ID, &c.UserID, &c.ExternalCardID, &c.Status, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, apperr.ErrNotFound
	}
	return c, err
}

func (r *cardsRepo) GetActiveByUser(ctx context.Context, userID string) (models.Card, error) {
	return scanCard(r.pool.QueryRow(ctx, `
SELECT `+cardColumns+` FROM cards
 WHERE user_id=$1 AND status='active'
 ORDER BY updated_at DESC
 LIMIT 1`, userID))
}

func (r *cardsRepo) Upsert(ctx context.Context, c models.Card) (models.Card, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return scanCard(r.pool.QueryRow(ctx, `
INSERT INTO cards(id, user_id, external_card_id, status) VALUES($1,$2,$3,$4)
ON CONFLICT (external_card_id) DO UPDATE
   SET status = EXCLUDED.status,
       user_id = COALESCE(NULLIF(EXCLUDED.user_id, ''), cards.user_id),
       updated_at = now()
RETURNING `+cardColumns, c.ID, c.UserID, c.ExternalCardID, c.Status))
}

func (r *cardsRepo) GetByExternalID(ctx context.Context, externalID string) (models.Card, error) {
	return scanCard(r.pool.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE external_card_id=$1`, externalID))
}
