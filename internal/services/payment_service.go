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

type Quoter interface {
	GetQuote(ctx context.Context, amountForeign decimal.Decimal) (models.FXQuote, error)
}

type FXGateway interface {
	Swap(ctx context.Context, amount decimal.Decimal, pair, reference string) (gateway.SwapResult, error)
}

type CardGateway interface {
	Authorize(ctx context.Context, cardID string, req gateway.AuthorizeRequest) (gateway.AuthorizeResult, error)
}

type PaymentDeps struct {
	Quotes  Quoter
	Ledger  repo.Ledger
	Txs     repo.Transactions
	Wallets repo.Wallets
	Cards   repo.Cards
	FX      FXGateway
	Card    CardGateway
	Events  notify.Sink
	Pair    string
}

// PaymentService runs the card payment saga:
// quote, reserve, swap, authorize, then settle or compensate.
type PaymentService struct {
	d   PaymentDeps
	pub publisher
	log *slog.Logger
}

func NewPaymentService(d PaymentDeps, log *slog.Logger) *PaymentService {
	if d.Pair == "" {
		d.Pair = "NGN/USD"
	}
	return &PaymentService{d: d, pub: publisher{sink: d.Events, log: log}, log: log}
}

type PaymentRequest struct {
	UserID         string
	AmountForeign  decimal.Decimal
	MerchantName   string
	IdempotencyKey string
}

type PaymentResult struct {
	Transaction models.Transaction `json:"transaction"`
	Wallet      models.Wallet      `json:"wallet"`
}

// Pay returns the completed transaction or one of ErrValidation,
// ErrInsufficientFunds, ErrUpstreamSwap, ErrUpstreamAuthorization. Once funds are
// reserved the saga ignores cancellation of ctx so it always reaches a
// terminal state or leaves the reservation for the sweeper.
func (s *PaymentService) Pay(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	if req.UserID == "" || req.MerchantName == "" {
		return PaymentResult{}, fmt.Errorf("%w: user and merchant are required", apperr.ErrValidation)
	}
	if !req.AmountForeign.IsPositive() {
		return PaymentResult{}, fmt.Errorf("%w: amountForeign must be > 0", apperr.ErrValidation)
	}

	card, err := s.d.Cards.GetActiveByUser(ctx, req.UserID)
	if errors.Is(err, apperr.ErrNotFound) {
		return PaymentResult{}, fmt.Errorf("%w: user has no active card", apperr.ErrValidation)
	}
	if err != nil {
		return PaymentResult{}, err
	}

	// quoting
	q, err := s.d.Quotes.GetQuote(ctx, req.AmountForeign)
	if err != nil {
		return PaymentResult{}, err
	}
	if q.Fallback {
		metrics.QuoteFallbacks.Inc()
	}
	local := q.TotalAmount

	// reserving
	usd := models.USD
	tx := models.Transaction{
		UserID:            req.UserID,
		Type:              models.TxnCardPayment,
		Status:            models.TxnProcessing,
		Amount:            local,
		Currency:          models.NGN,
		Fee:               q.Fee,
		FxRate:            &q.Rate,
		AmountConverted:   &q.AmountRequested,
		ConvertedCurrency: &usd,
		Reference:         newReference(RefPayment),
		Metadata: map[string]any{
			"merchant":       req.MerchantName,
			"card_id":        card.ExternalCardID,
			"quote_rate":     q.Rate.String(),
			"quote_base":     q.BaseAmount.String(),
			"quote_fallback": q.Fallback,
		},
	}
	if req.IdempotencyKey != "" {
		tx.IdempotencyKey = strPtr(req.IdempotencyKey)
	}
	if _, err := s.d.Wallets.GetOrCreate(ctx, req.UserID); err != nil {
		return PaymentResult{}, err
	}
	tx, _, err = s.d.Ledger.ReserveAndCreate(ctx, tx, local)
	if err != nil {
		if errors.Is(err, apperr.ErrInsufficientFunds) {
			metrics.PaymentsTotal.WithLabelValues("insufficient_funds").Inc()
		}
		return PaymentResult{}, err
	}
	log := s.log.With("tx_id", tx.ID, "user_id", tx.UserID, "reference", tx.Reference)
	log.Info("funds reserved", "amount", local.String(), "rate", q.Rate.String())

	ctx = context.WithoutCancel(ctx)

	// swapping
	start := time.Now()
	swap, err := s.d.FX.Swap(ctx, local, s.d.Pair, tx.Reference)
	observeGateway("swap", start, err)
	if err != nil {
		log.Warn("swap failed", "err", err)
		s.compensate(ctx, log, tx.ID, "swap", err.Error(), models.TxPatch{})
		metrics.PaymentsTotal.WithLabelValues("swap_failed").Inc()
		return PaymentResult{}, upstream(apperr.ErrUpstreamSwap, err)
	}

	// authorizing
	start = time.Now()
	auth, err := s.d.Card.Authorize(ctx, card.ExternalCardID, gateway.AuthorizeRequest{
		Amount:    req.AmountForeign,
		Currency:  string(models.USD),
		Merchant:  req.MerchantName,
		Reference: tx.Reference,
	})
	observeGateway("authorize", start, err)
	if err != nil {
		log.Warn("authorization failed", "err", err, "swap_ref", swap.Reference)
		s.compensate(ctx, log, tx.ID, "authorize", err.Error(), models.TxPatch{ExternalSwapID: nonEmpty(swap.Reference)})
		metrics.PaymentsTotal.WithLabelValues("authorization_failed").Inc()
		return PaymentResult{}, upstream(apperr.ErrUpstreamAuthorization, err)
	}

	// settling
	rate := q.Rate
	if swap.Rate.IsPositive() {
		rate = swap.Rate
	}
	converted := req.AmountForeign
	if swap.AmountDelivered.IsPositive() {
		converted = swap.AmountDelivered
	}
	done, w, err := applyWithRetry(ctx, s.d.Ledger, models.Transition{
		TxID: tx.ID,
		From: []models.TransactionStatus{models.TxnProcessing},
		To:   models.TxnCompleted,
		Patch: models.TxPatch{
			FxRate:                   &rate,
			AmountConverted:          &converted,
			ExternalSwapID:           nonEmpty(swap.Reference),
			ExternalPaymentID:        nonEmpty(auth.ID),
			ExternalPaymentReference: nonEmpty(auth.Reference),
		},
		Wallet: models.WalletOp{Kind: models.WalletOpSettleReserved},
	})
	if errors.Is(err, apperr.ErrStaleTransition) {
		return s.resolvedElsewhere(ctx, log, tx.ID)
	}
	if err != nil {
		log.Error("settle failed; reservation left for sweeper", "err", err)
		metrics.PaymentsTotal.WithLabelValues("error").Inc()
		return PaymentResult{}, fmt.Errorf("settle payment %s: %w", tx.ID, err)
	}

	metrics.PaymentsTotal.WithLabelValues("completed").Inc()
	log.Info("payment completed", "swap_ref", swap.Reference, "auth_ref", auth.Reference)
	s.pub.transaction(ctx, done, w, "api")
	return PaymentResult{Transaction: done, Wallet: w}, nil
}

// compensate releases the reservation and fails the transaction. A failure
// here leaves the transaction processing with funds locked.
func (s *PaymentService) compensate(ctx context.Context, log *slog.Logger, txID, step, reason string, patch models.TxPatch) {
	tx, w, err := failAndRelease(ctx, s.d.Ledger, txID, reason, patch)
	switch {
	case err == nil:
		metrics.CompensationsTotal.WithLabelValues(step, "ok").Inc()
		s.pub.transaction(ctx, tx, w, "api")
	case errors.Is(err, apperr.ErrStaleTransition):
		log.Info("transaction already resolved before compensation", "status", tx.Status)
	default:
		metrics.CompensationsTotal.WithLabelValues(step, "error").Inc()
		log.Error("compensation failed; reservation left for sweeper", "step", step, "err", err)
	}
}

// resolvedElsewhere reports the state another writer left the transaction in.
func (s *PaymentService) resolvedElsewhere(ctx context.Context, log *slog.Logger, txID string) (PaymentResult, error) {
	tx, err := s.d.Txs.GetByID(ctx, txID)
	if err != nil {
		return PaymentResult{}, err
	}
	w, err := s.d.Wallets.Get(ctx, tx.UserID)
	if err != nil {
		return PaymentResult{}, err
	}
	log.Warn("transaction resolved by another writer", "status", tx.Status)
	if tx.Status == models.TxnCompleted {
		metrics.PaymentsTotal.WithLabelValues("completed").Inc()
		return PaymentResult{Transaction: tx, Wallet: w}, nil
	}
	metrics.PaymentsTotal.WithLabelValues("error").Inc()
	return PaymentResult{Transaction: tx, Wallet: w}, fmt.Errorf("payment %s is %s: %w", tx.ID, tx.Status, apperr.ErrStaleTransition)
}

func observeGateway(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.GatewayDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
