package services

import (
	"context"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
	repo "github.com/baharkarakas/fxcard-wallet/internal/repository"
)

// Transaction list page sizes.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

type WalletService struct {
	wallets repo.Wallets
	txs     repo.Transactions
}

func NewWalletService(w repo.Wallets, t repo.Transactions) *WalletService {
	return &WalletService{wallets: w, txs: t}
}

func (s *WalletService) Current(ctx context.Context, userID string) (models.Wallet, error) {
	return s.wallets.GetOrCreate(ctx, userID)
}

func (s *WalletService) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	if offset < 0 {
		offset = 0
	}
	return s.txs.ListByUser(ctx, userID, limit, offset)
}

// Transaction returns the transaction only to its owner.
func (s *WalletService) Transaction(ctx context.Context, userID, id string) (models.Transaction, error) {
	tx, err := s.txs.GetByID(ctx, id)
	if err != nil {
		return models.Transaction{}, err
	}
	if tx.UserID != userID {
		return models.Transaction{}, apperr.ErrNotFound
	}
	return tx, nil
}
