package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/baharkarakas/fxcard-wallet/internal/models"
)

type Wallets interface {
	GetOrCreate(ctx context.Context, userID string) (models.Wallet, error)
	Get(ctx context.Context, userID string) (models.Wallet, error)
	// Credit adds to ngn or usd outside any transaction (manual top-ups, seeding).
	Credit(ctx context.Context, userID string, amount decimal.Decimal, cur models.Currency) (models.Wallet, error)
}

type Transactions interface {
	Create(ctx context.Context, tx models.Transaction) (models.Transaction, error)
	GetByID(ctx context.Context, id string) (models.Transaction, error)
	FindBySwapRef(ctx context.Context, ref string) (models.Transaction, error)
	// FindByPaymentRef matches either the external payment reference or the external payment id.
	FindByPaymentRef(ctx context.Context, ref string) (models.Transaction, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Transaction, error)
	ListStale(ctx context.Context, status models.TransactionStatus, types []models.TransactionType, updatedBefore time.Time, limit int) ([]models.Transaction, error)
}

// Ledger groups the multi-row atomic units. Every wallet mutation made on behalf
// of a transaction goes through one of these two calls.
type Ledger interface {
	// ReserveAndCreate locks amount on tx.UserID's wallet and inserts tx with
	// ReservedAmount = amount, or does neither (ErrInsufficientFunds).
	ReserveAndCreate(ctx context.Context, tx models.Transaction, amount decimal.Decimal) (models.Transaction, models.Wallet, error)
	// Apply performs t atomically. ErrStaleTransition when the current status is
	// not in t.From, ErrDuplicateEvent when t.EventKey was already recorded.
	Apply(ctx context.Context, t models.Transition) (models.Transaction, models.Wallet, error)
}

type Idempotency interface {
	// Begin inserts an in-progress record for (userID, key) unless a live one
	// exists. created reports whether this call won the insert; otherwise the
	// existing record is returned. Expired records are replaced.
	Begin(ctx context.Context, rec models.IdempotencyRecord) (out models.IdempotencyRecord, created bool, err error)
	Complete(ctx context.Context, userID, key string, status int, body []byte) error
	// Abandon deletes an in-progress record so the key can be used again.
	Abandon(ctx context.Context, userID, key string) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int64, error)
}

type Cards interface {
	GetActiveByUser(ctx context.Context, userID string) (models.Card, error)
	// Upsert keys on ExternalCardID.
	Upsert(ctx context.Context, c models.Card) (models.Card, error)
	GetByExternalID(ctx context.Context, externalID string) (models.Card, error)
}

type AuditLogs interface {
	Create(ctx context.Context, l models.AuditLog) error
}
