package postgres

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	repo "github.com/baharkarakas/fxcard-wallet/internal/repository"
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repositories struct {
	Wallets      repo.Wallets
	Transactions repo.Transactions
	Ledger       repo.Ledger
	Idempotency  repo.Idempotency
	Cards        repo.Cards
	AuditLogs    repo.AuditLogs
}

func NewRepositories(pool *pgxpool.Pool, log *slog.Logger) Repositories {
	return Repositories{
		Wallets:      &walletsRepo{pool},
		Transactions: &transactionsRepo{pool},
		Ledger:       &ledgerRepo{pool: pool, log: log},
		Idempotency:  &idempotencyRepo{pool},
		Cards:        &cardsRepo{pool},
		AuditLogs:    &auditLogsRepo{pool},
	}
}
