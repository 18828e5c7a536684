package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
	"github.com/baharkarakas/fxcard-wallet/internal/gateway"
	"github.com/baharkarakas/fxcard-wallet/internal/ledger"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
	"github.com/baharkarakas/fxcard-wallet/internal/notify"
	"github.com/baharkarakas/fxcard-wallet/internal/quote"
	"github.com/baharkarakas/fxcard-wallet/internal/repository/memory"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeRates struct{}

func (fakeRates) Quote(context.Context, decimal.Decimal, string) (gateway.QuoteResult, error) {
	return gateway.QuoteResult{Rate: d("1600")}, nil
}

type fakeGateway struct {
	mu           sync.Mutex
	swapErr      error
	authErr      error
	transferErr  error
	swaps        int
	auths        int
	lastAuth     gateway.AuthorizeRequest
	lastSwapAmt  decimal.Decimal
	beforeSettle func()
}

func (g *fakeGateway) Swap(_ context.Context, amount decimal.Decimal, _ string, ref string) (gateway.SwapResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.swaps++
	g.lastSwapAmt = amount
	if g.swapErr != nil {
		return gateway.SwapResult{}, g.swapErr
	}
	return gateway.SwapResult{Reference: "swp_" + ref, Rate: d("1600"), AmountDelivered: d("10")}, nil
}

func (g *fakeGateway) Authorize(_ context.Context, _ string, req gateway.AuthorizeRequest) (gateway.AuthorizeResult, error) {
	g.mu.Lock()
	g.auths++
	g.lastAuth = req
	hook := g.beforeSettle
	err := g.authErr
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return gateway.AuthorizeResult{}, err
	}
	return gateway.AuthorizeResult{Reference: "auth_" + req.Reference, ID: "9001"}, nil
}

func (g *fakeGateway) Transfer(_ context.Context, req gateway.TransferRequest) (gateway.TransferResult, error) {
	if g.transferErr != nil {
		return gateway.TransferResult{}, g.transferErr
	}
	return gateway.TransferResult{Reference: "trf_" + req.Reference}, nil
}

type recordingSink struct {
	mu  sync.Mutex
	evs []notify.Event
}

func (r *recordingSink) Publish(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}

type fixture struct {
	store *memory.Store
	gw    *fakeGateway
	sink  *recordingSink
	svc   *PaymentService
}

func newFixture(t *testing.T, ngn string) fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New(quiet)
	if ngn != "0" {
		if _, err := store.Credit(ctx, "u1", d(ngn), models.NGN); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if _, err := store.Upsert(ctx, models.Card{UserID: "u1", ExternalCardID: "crd_1", Status: models.CardActive}); err != nil {
		t.Fatalf("card: %v", err)
	}
	gw := &fakeGateway{}
	sink := &recordingSink{}
	svc := NewPaymentService(PaymentDeps{
		Quotes:  quote.NewService(fakeRates{}, nil, quote.DefaultConfig(), quiet),
		Ledger:  store,
		Txs:     store,
		Wallets: store,
		Cards:   store,
		FX:      gw,
		Card:    gw,
		Events:  sink,
	}, quiet)
	return fixture{store: store, gw: gw, sink: sink, svc: svc}
}

func pay(amount string) PaymentRequest {
	return PaymentRequest{UserID: "u1", AmountForeign: d(amount), MerchantName: "Netflix"}
}

func TestPayTenUSDAtSixteenHundred(t *testing.T) {
	f := newFixture(t, "100000")
	res, err := f.svc.Pay(context.Background(), pay("10"))
	if err != nil {
		t.Fatalf("pay: %v", err)
	}

	tx := res.Transaction
	if tx.Status != models.TxnCompleted || !tx.Amount.Equal(d("16300")) || !tx.Fee.Equal(d("300")) {
		t.Fatalf("tx = %s amount=%s fee=%s", tx.Status, tx.Amount, tx.Fee)
	}
	if tx.FxRate == nil || !tx.FxRate.Equal(d("1600")) || tx.ExternalSwapID == nil || tx.ExternalPaymentReference == nil || tx.ExternalPaymentID == nil {
		t.Fatalf("references not recorded: %+v", tx)
	}
	if !res.Wallet.Ngn.Equal(d("83700")) || !res.Wallet.LockedNgn.IsZero() {
		t.Fatalf("wallet ngn=%s locked=%s", res.Wallet.Ngn, res.Wallet.LockedNgn)
	}
	if !f.gw.lastSwapAmt.Equal(d("16300")) || !f.gw.lastAuth.Amount.Equal(d("10")) || f.gw.lastAuth.Currency != "USD" {
		t.Fatalf("gateway saw swap=%s auth=%+v", f.gw.lastSwapAmt, f.gw.lastAuth)
	}
	if len(f.sink.evs) != 1 || f.sink.evs[0].TransactionID != tx.ID {
		t.Fatalf("events = %+v", f.sink.evs)
	}
}

func TestPayInsufficientFundsTouchesNothing(t *testing.T) {
	f := newFixture(t, "10000")
	_, err := f.svc.Pay(context.Background(), pay("10"))
	if !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want insufficient funds", err)
	}
	if f.gw.swaps != 0 || f.gw.auths != 0 {
		t.Fatalf("gateway called: swaps=%d auths=%d", f.gw.swaps, f.gw.auths)
	}
	txs, _ := f.store.ListByUser(context.Background(), "u1", 10, 0)
	if len(txs) != 0 {
		t.Fatalf("transactions created: %d", len(txs))
	}
	w, _ := f.store.Get(context.Background(), "u1")
	if !w.Ngn.Equal(d("10000")) || !w.LockedNgn.IsZero() {
		t.Fatalf("wallet changed: %+v", w)
	}
}

func TestPayAuthorizationFailureCompensates(t *testing.T) {
	f := newFixture(t, "100000")
	f.gw.authErr = &gateway.Error{Op: "authorize", Status: 400, Message: "card declined", Kind: apperr.ErrUpstreamAuthorization}

	_, err := f.svc.Pay(context.Background(), pay("10"))
	if !errors.Is(err, apperr.ErrUpstreamAuthorization) {
		t.Fatalf("err = %v, want upstream authorization", err)
	}
	w, _ := f.store.Get(context.Background(), "u1")
	if !w.Ngn.Equal(d("100000")) || !w.LockedNgn.IsZero() {
		t.Fatalf("wallet ngn=%s locked=%s", w.Ngn, w.LockedNgn)
	}
	txs, _ := f.store.ListByUser(context.Background(), "u1", 10, 0)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d", len(txs))
	}
	tx := txs[0]
	if tx.Status != models.TxnFailed || tx.ErrorMessage == nil || tx.ExternalSwapID == nil {
		t.Fatalf("failed tx = %+v", tx)
	}
}

func TestPaySwapFailureCompensates(t *testing.T) {
	f := newFixture(t, "100000")
	f.gw.swapErr = errors.New("dial tcp: connection refused")

	_, err := f.svc.Pay(context.Background(), pay("10"))
	if !errors.Is(err, apperr.ErrUpstreamSwap) {
		t.Fatalf("err = %v, want upstream swap", err)
	}
	if f.gw.auths != 0 {
		t.Fatalf("authorize called after swap failure")
	}
	w, _ := f.store.Get(context.Background(), "u1")
	if !w.Ngn.Equal(d("100000")) || !w.LockedNgn.IsZero() {
		t.Fatalf("wallet ngn=%s locked=%s", w.Ngn, w.LockedNgn)
	}
}

func TestPayWithoutActiveCardIsValidationError(t *testing.T) {
	f := newFixture(t, "100000")
	_, _ = f.store.Upsert(context.Background(), models.Card{ExternalCardID: "crd_1", Status: models.CardSuspended})
	if _, err := f.svc.Pay(context.Background(), pay("10")); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestPayCancelledClientStillSettles(t *testing.T) {
	f := newFixture(t, "100000")
	ctx, cancel := context.WithCancel(context.Background())
	f.gw.beforeSettle = cancel

	res, err := f.svc.Pay(ctx, pay("10"))
	if err != nil || res.Transaction.Status != models.TxnCompleted {
		t.Fatalf("status=%s err=%v", res.Transaction.Status, err)
	}
}

func TestConcurrentPaymentsConserveFunds(t *testing.T) {
	f := newFixture(t, "50000")
	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.Pay(context.Background(), pay("10"))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
		} else if !errors.Is(err, apperr.ErrInsufficientFunds) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 3 {
		t.Fatalf("%d payments succeeded, want 3", ok)
	}
	w, _ := f.store.Get(context.Background(), "u1")
	if !w.Ngn.Equal(d("1100")) || !w.LockedNgn.IsZero() {
		t.Fatalf("wallet ngn=%s locked=%s", w.Ngn, w.LockedNgn)
	}
	if err := ledger.Check(w); err != nil {
		t.Fatalf("invariant: %v", err)
	}
}

func TestSweeperFailsStalePayments(t *testing.T) {
	ctx := context.Background()
	store := memory.New(quiet)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	_, _ = store.Credit(ctx, "u1", d("100000"), models.NGN)
	stuck, _, err := store.ReserveAndCreate(ctx, models.Transaction{
		UserID: "u1", Type: models.TxnCardPayment, Status: models.TxnProcessing,
		Amount: d("16300"), Currency: models.NGN, Reference: "pay_stuck",
	}, d("16300"))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	sw := NewSweeper(store, store, store, nil, 10*time.Minute, quiet)
	sw.now = func() time.Time { return now.Add(5 * time.Minute) }
	if n, _ := sw.SweepOnce(ctx); n != 0 {
		t.Fatalf("swept %d fresh transactions", n)
	}

	sw.now = func() time.Time { return now.Add(11 * time.Minute) }
	if n, err := sw.SweepOnce(ctx); err != nil || n != 1 {
		t.Fatalf("swept %d err=%v", n, err)
	}
	tx, _ := store.GetByID(ctx, stuck.ID)
	if tx.Status != models.TxnFailed || tx.ErrorMessage == nil || *tx.ErrorMessage != ReasonReconciliationTimeout {
		t.Fatalf("tx = %+v", tx)
	}
	w, _ := store.Get(ctx, "u1")
	if !w.Ngn.Equal(d("100000")) || !w.LockedNgn.IsZero() {
		t.Fatalf("wallet ngn=%s locked=%s", w.Ngn, w.LockedNgn)
	}
}

func TestSweeperLeavesWithdrawalsForTheWebhook(t *testing.T) {
	ctx := context.Background()
	store := memory.New(quiet)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	_, _ = store.Credit(ctx, "u1", d("20000"), models.NGN)
	res, err := NewFundingService(store, store, store, &fakeGateway{}, nil, quiet).Withdraw(ctx, "u1", d("5000"), "")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	sw := NewSweeper(store, store, store, nil, 10*time.Minute, quiet)
	sw.now = func() time.Time { return now.Add(3 * time.Hour) }
	if n, err := sw.SweepOnce(ctx); err != nil || n != 0 {
		t.Fatalf("swept %d err=%v", n, err)
	}

	// the payout confirmation arrives hours later
	_, w, err := store.Apply(ctx, models.Transition{
		TxID:     res.Transaction.ID,
		EventKey: "transfer.success:" + res.Transaction.ID,
		Event:    "transfer.success",
		From:     []models.TransactionStatus{models.TxnPending, models.TxnProcessing},
		To:       models.TxnCompleted,
		Wallet:   models.WalletOp{Kind: models.WalletOpSettleReserved},
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !w.Ngn.Equal(d("15000")) || !w.LockedNgn.IsZero() {
		t.Fatalf("wallet ngn=%s locked=%s", w.Ngn, w.LockedNgn)
	}
}

func TestWithdrawTransferFailureReleases(t *testing.T) {
	ctx := context.Background()
	store := memory.New(quiet)
	_, _ = store.Credit(ctx, "u1", d("20000"), models.NGN)
	gw := &fakeGateway{transferErr: errors.New("timeout")}
	svc := NewFundingService(store, store, store, gw, nil, quiet)

	if _, err := svc.Withdraw(ctx, "u1", d("5000"), ""); !errors.Is(err, apperr.ErrUpstreamTransfer) {
		t.Fatalf("err = %v, want upstream transfer", err)
	}
	w, _ := store.Get(ctx, "u1")
	if !w.Ngn.Equal(d("20000")) || !w.LockedNgn.IsZero() {
		t.Fatalf("wallet ngn=%s locked=%s", w.Ngn, w.LockedNgn)
	}

	gw.transferErr = nil
	res, err := svc.Withdraw(ctx, "u1", d("5000"), "")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if res.Transaction.Status != models.TxnProcessing || !res.Wallet.LockedNgn.Equal(d("5000")) {
		t.Fatalf("tx=%s locked=%s", res.Transaction.Status, res.Wallet.LockedNgn)
	}
	if res.Transaction.ExternalPaymentID == nil || *res.Transaction.ExternalPaymentID != "trf_"+res.Transaction.Reference {
		t.Fatalf("gateway reference not recorded: %+v", res.Transaction)
	}
}
