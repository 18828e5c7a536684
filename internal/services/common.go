package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
	"github.com/baharkarakas/fxcard-wallet/internal/notify"
	repo "github.com/baharkarakas/fxcard-wallet/internal/repository"
)

// Reference prefixes sent to the gateway.
const (
	RefPayment    = "pay_"
	RefDeposit    = "dep_"
	RefWithdrawal = "wdr_"
)

func newReference(prefix string) string {
	return prefix + strings.ToLower(ulid.Make().String())
}

// upstream makes err match kind without doubling the message when it already does.
func upstream(kind, err error) error {
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %v", kind, err)
}

func strPtr(s string) *string { return &s }

// applyWithRetry retries store failures a few times; sentinel outcomes
// (stale, duplicate, not found) are returned at once.
func applyWithRetry(ctx context.Context, l repo.Ledger, t models.Transition) (models.Transaction, models.Wallet, error) {
	var (
		tx  models.Transaction
		w   models.Wallet
		err error
	)
	for attempt := 0; attempt < 3; attempt++ {
		tx, w, err = l.Apply(ctx, t)
		if err == nil ||
			errors.Is(err, apperr.ErrStaleTransition) ||
			errors.Is(err, apperr.ErrDuplicateEvent) ||
			errors.Is(err, apperr.ErrNotFound) ||
			errors.Is(err, apperr.ErrLedgerInvariant) {
			return tx, w, err
		}
		select {
		case <-ctx.Done():
			return tx, w, err
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return tx, w, err
}

// failAndRelease moves a processing transaction to failed and unlocks whatever
// it still holds.
func failAndRelease(ctx context.Context, l repo.Ledger, txID, reason string, patch models.TxPatch) (models.Transaction, models.Wallet, error) {
	patch.ErrorMessage = strPtr(reason)
	return applyWithRetry(ctx, l, models.Transition{
		TxID:   txID,
		From:   []models.TransactionStatus{models.TxnProcessing},
		To:     models.TxnFailed,
		Patch:  patch,
		Wallet: models.WalletOp{Kind: models.WalletOpReleaseReserved},
	})
}

type publisher struct {
	sink notify.Sink
	log  *slog.Logger
}

func (p publisher) transaction(ctx context.Context, tx models.Transaction, w models.Wallet, source string) {
	if p.sink == nil {
		return
	}
	ev := notify.Event{
		Type:          notify.TypeTransactionUpdated,
		UserID:        tx.UserID,
		TransactionID: tx.ID,
		Source:        source,
		Data:          map[string]any{"transaction": tx, "wallet": w},
		Timestamp:     time.Now().UTC(),
	}
	if err := p.sink.Publish(ctx, ev); err != nil {
		p.log.Warn("observer publish failed", "tx_id", tx.ID, "err", err)
	}
}
