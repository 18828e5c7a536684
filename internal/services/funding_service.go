package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
	"github.com/baharkarakas/fxcard-wallet/internal/gateway"
	"github.com/baharkarakas/fxcard-wallet/internal/metrics"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
	"github.com/baharkarakas/fxcard-wallet/internal/notify"
	repo "github.com/baharkarakas/fxcard-wallet/internal/repository"
)

type TransferGateway interface {
	Transfer(ctx context.Context, req gateway.TransferRequest) (gateway.TransferResult, error)
}

// FundingService opens deposits and runs withdrawals. Both finish through
// gateway webhooks handled by the reconciler.
type FundingService struct {
	ledger   repo.Ledger
	txs      repo.Transactions
	wallets  repo.Wallets
	transfer TransferGateway
	pub      publisher
	log      *slog.Logger
}

func NewFundingService(l repo.Ledger, t repo.Transactions, w repo.Wallets, tg TransferGateway, events notify.Sink, log *slog.Logger) *FundingService {
	return &FundingService{ledger: l, txs: t, wallets: w, transfer: tg, pub: publisher{sink: events, log: log}, log: log}
}

// CreateDeposit records a pending deposit whose reference the gateway echoes
// back on charge events.
func (s *FundingService) CreateDeposit(ctx context.Context, userID string, amount decimal.Decimal, idemKey string) (models.Transaction, error) {
	if !amount.IsPositive() {
		return models.Transaction{}, fmt.Errorf("%w: amount must be > 0", apperr.ErrValidation)
	}
	if _, err := s.wallets.GetOrCreate(ctx, userID); err != nil {
		return models.Transaction{}, err
	}
	ref := newReference(RefDeposit)
	tx := models.Transaction{
		UserID:                   userID,
		Type:                     models.TxnDeposit,
		Status:                   models.TxnPending,
		Amount:                   amount,
		Currency:                 models.NGN,
		Reference:                ref,
		ExternalPaymentReference: &ref,
		Metadata:                 map[string]any{"channel": "gateway"},
	}
	if idemKey != "" {
		tx.IdempotencyKey = &idemKey
	}
	tx, err := s.txs.Create(ctx, tx)
	if err != nil {
		return models.Transaction{}, err
	}
	s.log.Info("deposit opened", "tx_id", tx.ID, "user_id", userID, "reference", ref, "amount", amount.String())
	return tx, nil
}

// Withdraw reserves amount, asks the gateway to pay it out and leaves the
// transaction processing until a transfer webhook settles or releases it.
func (s *FundingService) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, idemKey string) (PaymentResult, error) {
	if !amount.IsPositive() {
		return PaymentResult{}, fmt.Errorf("%w: amount must be > 0", apperr.ErrValidation)
	}
	if _, err := s.wallets.GetOrCreate(ctx, userID); err != nil {
		return PaymentResult{}, err
	}
	ref := newReference(RefWithdrawal)
	tx := models.Transaction{
		UserID:                   userID,
		Type:                     models.TxnWithdrawal,
		Status:                   models.TxnProcessing,
		Amount:                   amount,
		Currency:                 models.NGN,
		Reference:                ref,
		ExternalPaymentReference: &ref,
		Metadata:                 map[string]any{"channel": "gateway"},
	}
	if idemKey != "" {
		tx.IdempotencyKey = &idemKey
	}
	tx, w, err := s.ledger.ReserveAndCreate(ctx, tx, amount)
	if err != nil {
		return PaymentResult{}, err
	}
	log := s.log.With("tx_id", tx.ID, "user_id", userID, "reference", ref)

	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	res, err := s.transfer.Transfer(ctx, gateway.TransferRequest{Amount: amount, Currency: string(models.NGN), Reference: ref})
	observeGateway("transfer", start, err)
	if err != nil {
		log.Warn("transfer failed", "err", err)
		failed, fw, ferr := failAndRelease(ctx, s.ledger, tx.ID, err.Error(), models.TxPatch{})
		switch {
		case ferr == nil:
			metrics.CompensationsTotal.WithLabelValues("transfer", "ok").Inc()
			s.pub.transaction(ctx, failed, fw, "api")
		case !errors.Is(ferr, apperr.ErrStaleTransition):
			metrics.CompensationsTotal.WithLabelValues("transfer", "error").Inc()
			log.Error("compensation failed; reservation left for sweeper", "step", "transfer", "err", ferr)
		}
		return PaymentResult{}, upstream(apperr.ErrUpstreamTransfer, err)
	}

	if res.Reference != "" && res.Reference != ref {
		updated, uw, err := applyWithRetry(ctx, s.ledger, models.Transition{
			TxID:  tx.ID,
			From:  []models.TransactionStatus{models.TxnProcessing},
			To:    models.TxnProcessing,
			Patch: models.TxPatch{ExternalPaymentID: &res.Reference},
		})
		switch {
		case err == nil:
			tx, w = updated, uw
		case errors.Is(err, apperr.ErrStaleTransition):
			// a transfer webhook got there first
			tx, w = updated, uw
		default:
			log.Warn("recording transfer reference failed", "err", err)
		}
	}
	log.Info("withdrawal submitted", "amount", amount.String(), "gateway_ref", res.Reference)
	s.pub.transaction(ctx, tx, w, "api")
	return PaymentResult{Transaction: tx, Wallet: w}, nil
}
