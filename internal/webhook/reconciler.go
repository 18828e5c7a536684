// Package webhook verifies gateway events and folds them into the ledger.
// Every effect is keyed by a processed-event marker written in the same atomic
// unit as the mutation, so redelivered events are no-ops.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
	"github.com/baharkarakas/fxcard-wallet/internal/metrics"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
	"github.com/baharkarakas/fxcard-wallet/internal/notify"
	repo "github.com/baharkarakas/fxcard-wallet/internal/repository"
)

type Reconciler struct {
	secret []byte
	ledger repo.Ledger
	txs    repo.Transactions
	cards  repo.Cards
	audit  repo.AuditLogs
	events notify.Sink
	log    *slog.Logger
}

// NewReconciler accepts a nil audit log and a nil sink.
func NewReconciler(secret string, l repo.Ledger, t repo.Transactions, c repo.Cards, audit repo.AuditLogs, events notify.Sink, log *slog.Logger) *Reconciler {
	if events == nil {
		events = notify.Discard{}
	}
	return &Reconciler{secret: []byte(secret), ledger: l, txs: t, cards: c, audit: audit, events: events, log: log}
}

// Handle verifies and applies one delivery. The returned error is for logging
// only; the gateway has already been acknowledged.
func (r *Reconciler) Handle(ctx context.Context, body []byte, signature string) error {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil || p.Event == "" || len(p.Data) == 0 {
		metrics.WebhookEvents.WithLabelValues("unknown", "malformed").Inc()
		return fmt.Errorf("%w: malformed webhook body", apperr.ErrValidation)
	}
	cls := class(p.Event)
	log := r.log.With("event", p.Event)

	if err := Verify(r.secret, p.Data, signature); err != nil {
		metrics.WebhookEvents.WithLabelValues(cls, "bad_signature").Inc()
		log.Warn("webhook dropped", "err", err)
		return err
	}

	var data EventData
	dec := json.NewDecoder(bytes.NewReader(p.Data))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		metrics.WebhookEvents.WithLabelValues(cls, "malformed").Inc()
		return fmt.Errorf("%w: event data: %v", apperr.ErrValidation, err)
	}

	err := r.apply(ctx, log, p.Event, cls, data)
	switch {
	case err == nil:
		metrics.WebhookEvents.WithLabelValues(cls, "applied").Inc()
	case errors.Is(err, apperr.ErrDuplicateEvent):
		metrics.WebhookEvents.WithLabelValues(cls, "duplicate").Inc()
		log.Info("duplicate webhook ignored", "reference", data.Reference)
	case errors.Is(err, apperr.ErrStaleTransition):
		metrics.WebhookEvents.WithLabelValues(cls, "stale").Inc()
		log.Info("webhook found transaction in another state", "reference", data.Reference, "err", err)
	case errors.Is(err, apperr.ErrCorrelationNotFound):
		metrics.WebhookEvents.WithLabelValues(cls, "uncorrelated").Inc()
		log.Warn("webhook dropped", "reference", data.Reference, "id", string(data.ID), "err", err)
	default:
		metrics.WebhookEvents.WithLabelValues(cls, "error").Inc()
		log.Error("webhook processing failed", "reference", data.Reference, "err", err)
	}
	return err
}

func (r *Reconciler) apply(ctx context.Context, log *slog.Logger, event, cls string, data EventData) error {
	if cls == "card" {
		return r.applyCard(ctx, log, event, data)
	}
	if cls == "unknown" {
		log.Info("unhandled webhook event")
		return nil
	}

	tx, err := r.correlate(ctx, data)
	if err != nil {
		return err
	}
	log = log.With("tx_id", tx.ID, "user_id", tx.UserID)

	if cls == "refund" {
		r.publish(ctx, notify.Event{Type: notify.TypeRefund, UserID: tx.UserID, TransactionID: tx.ID, Source: event, Data: data})
		return nil
	}

	t, ok := r.transition(event, tx, data)
	if !ok {
		log.Info("event does not apply to transaction", "type", tx.Type, "status", tx.Status)
		return nil
	}
	out, w, err := r.ledger.Apply(ctx, t)
	if err != nil {
		if errors.Is(err, apperr.ErrStaleTransition) {
			return fmt.Errorf("%w: %s is %s", err, tx.ID, out.Status)
		}
		return err
	}
	log.Info("webhook applied", "status", out.Status, "wallet_op", t.Wallet.Kind)
	r.publish(ctx, notify.Event{
		Type:          notify.TypeTransactionUpdated,
		UserID:        out.UserID,
		TransactionID: out.ID,
		Source:        event,
		Data:          map[string]any{"transaction": out, "wallet": w},
	})
	return nil
}

// transition maps an event onto tx. ok is false when the event has no effect
// on this kind of transaction.
func (r *Reconciler) transition(event string, tx models.Transaction, data EventData) (models.Transition, bool) {
	t := models.Transition{TxID: tx.ID, EventKey: event + ":" + tx.ID, Event: event}
	open := []models.TransactionStatus{models.TxnPending, models.TxnProcessing}

	switch event {
	case ChargeSuccess:
		if tx.Type != models.TxnDeposit {
			return t, false
		}
		amount := tx.Amount
		if data.Amount != nil && data.Amount.IsPositive() {
			amount = *data.Amount
		}
		fee := tx.Fee
		if data.Fee != nil && !data.Fee.IsNegative() {
			fee = *data.Fee
		}
		t.From, t.To = open, models.TxnCompleted
		t.Patch = models.TxPatch{Amount: &amount, Fee: &fee, ExternalPaymentID: gatewayID(tx, data)}
		if net := amount.Sub(fee); net.IsPositive() {
			t.Wallet = models.WalletOp{Kind: models.WalletOpCredit, Amount: net, Currency: tx.Currency}
		}
	case ChargeFailed:
		if tx.Type != models.TxnDeposit {
			return t, false
		}
		reason := data.failureReason("charge failed")
		t.From, t.To = open, models.TxnFailed
		t.Patch = models.TxPatch{ErrorMessage: &reason, ExternalPaymentID: gatewayID(tx, data)}
		t.Wallet = models.WalletOp{Kind: models.WalletOpReleaseReserved}
	case TransferSuccess:
		if !transferable(tx.Type) {
			return t, false
		}
		t.From, t.To = open, models.TxnCompleted
		t.Patch = models.TxPatch{ExternalPaymentID: gatewayID(tx, data)}
		if data.Amount != nil && data.Amount.IsPositive() {
			t.Patch.Amount = data.Amount
		}
		if data.Fee != nil && !data.Fee.IsNegative() {
			t.Patch.Fee = data.Fee
		}
		t.Wallet = models.WalletOp{Kind: models.WalletOpSettleReserved}
	case TransferFailed, TransferReversed:
		if !transferable(tx.Type) {
			return t, false
		}
		reason := data.failureReason(event)
		t.From, t.To = open, models.TxnFailed
		t.Patch = models.TxPatch{ErrorMessage: &reason, ExternalPaymentID: gatewayID(tx, data)}
		t.Wallet = models.WalletOp{Kind: models.WalletOpReleaseReserved}
	default:
		return t, false
	}
	return t, true
}

// transferable reports whether transfer.* events may settle or release tx.
// Deposits only move on charge.* events.
func transferable(t models.TransactionType) bool {
	return t == models.TxnWithdrawal || t == models.TxnCardPayment
}

// correlate tries the internal id, then the swap reference, then the payment
// reference or gateway id. First match wins.
func (r *Reconciler) correlate(ctx context.Context, data EventData) (models.Transaction, error) {
	type lookup struct {
		key  string
		find func(context.Context, string) (models.Transaction, error)
	}
	steps := []lookup{
		{data.meta("transaction_id"), r.txs.GetByID},
		{data.Reference, r.txs.GetByID},
		{data.Reference, r.txs.FindBySwapRef},
		{data.Reference, r.txs.FindByPaymentRef},
		{string(data.ID), r.txs.FindByPaymentRef},
	}
	for _, s := range steps {
		if s.key == "" {
			continue
		}
		tx, err := s.find(ctx, s.key)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return models.Transaction{}, err
		}
	}
	return models.Transaction{}, apperr.ErrCorrelationNotFound
}

func (r *Reconciler) applyCard(ctx context.Context, log *slog.Logger, event string, data EventData) error {
	extID := data.CardID
	if extID == "" {
		extID = string(data.ID)
	}
	if extID == "" {
		return fmt.Errorf("%w: card event without card id", apperr.ErrCorrelationNotFound)
	}

	var status models.CardStatus
	switch event {
	case CardCreated:
		status = models.CardPending
	case CardActivated:
		status = models.CardActive
	case CardSuspended:
		status = models.CardSuspended
	case CardTerminated:
		status = models.CardTerminated
	default:
		log.Info("unhandled card event")
		return nil
	}

	userID := data.meta("user_id")
	if userID == "" {
		existing, err := r.cards.GetByExternalID(ctx, extID)
		if errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("%w: unknown card %s without user", apperr.ErrCorrelationNotFound, extID)
		}
		if err != nil {
			return err
		}
		userID = existing.UserID
	}

	card, err := r.cards.Upsert(ctx, models.Card{UserID: userID, ExternalCardID: extID, Status: status})
	if err != nil {
		return err
	}
	log.Info("card updated", "card_id", extID, "user_id", card.UserID, "status", card.Status)
	if r.audit != nil {
		id := card.ID
		entry := models.AuditLog{
			EntityType: "card",
			EntityID:   &id,
			Action:     "status_changed",
			Details:    map[string]any{"event": event, "status": card.Status, "external_card_id": extID},
		}
		if err := r.audit.Create(ctx, entry); err != nil {
			log.Warn("card audit not written", "card_id", extID, "err", err)
		}
	}
	r.publish(ctx, notify.Event{Type: notify.TypeCardUpdated, UserID: card.UserID, Source: event, Data: card})
	return nil
}

func (r *Reconciler) publish(ctx context.Context, ev notify.Event) {
	ev.Timestamp = time.Now().UTC()
	if err := r.events.Publish(ctx, ev); err != nil {
		r.log.Warn("observer publish failed", "type", ev.Type, "user_id", ev.UserID, "err", err)
	}
}

// gatewayID records the gateway's id for the event unless one is already set.
func gatewayID(tx models.Transaction, data EventData) *string {
	if tx.ExternalPaymentID != nil || data.ID == "" {
		return nil
	}
	s := string(data.ID)
	return &s
}
