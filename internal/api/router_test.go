package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/baharkarakas/fxcard-wallet/internal/api/handlers"
	"github.com/baharkarakas/fxcard-wallet/internal/auth"
	"github.com/baharkarakas/fxcard-wallet/internal/gateway"
	"github.com/baharkarakas/fxcard-wallet/internal/idempotency"
	"github.com/baharkarakas/fxcard-wallet/internal/middleware"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
	"github.com/baharkarakas/fxcard-wallet/internal/notify"
	"github.com/baharkarakas/fxcard-wallet/internal/quote"
	"github.com/baharkarakas/fxcard-wallet/internal/repository/memory"
	"github.com/baharkarakas/fxcard-wallet/internal/services"
	"github.com/baharkarakas/fxcard-wallet/internal/webhook"
)

const hookSecret = "whsec_router"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// inline runs submitted jobs on the caller's goroutine.
type inline struct{}

func (inline) TrySubmit(f func()) bool { f(); return true }

type fakeUpstream struct {
	mu     sync.Mutex
	calls  map[string]int
	failOn string
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls[r.URL.Path]++
	fail := f.failOn != "" && strings.HasSuffix(r.URL.Path, f.failOn)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"message":"card declined"}`))
		return
	}
	switch {
	case r.URL.Path == "/fx/quote":
		_, _ = w.Write([]byte(`{"rate":"1600"}`))
	case r.URL.Path == "/fx/swap":
		_, _ = w.Write([]byte(`{"reference":"swp_1","rate":"1600","amount_delivered":"10"}`))
	case strings.HasSuffix(r.URL.Path, "/authorize"):
		_, _ = w.Write([]byte(`{"reference":"auth_1","id":"9001"}`))
	case r.URL.Path == "/transfers":
		_, _ = w.Write([]byte(`{"reference":"trf_1"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"no route"}`))
	}
}

type env struct {
	store    *memory.Store
	upstream *fakeUpstream
	hub      *notify.Hub
	handler  http.Handler
}

func newEnv(t *testing.T, payer handlers.Payer) *env {
	t.Helper()
	up := &fakeUpstream{calls: map[string]int{}}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	s := memory.New(quiet)
	ctx := context.Background()
	_, _ = s.Credit(ctx, "u1", d("100000"), models.NGN)
	_, _ = s.Upsert(ctx, models.Card{UserID: "u1", ExternalCardID: "crd_1", Status: models.CardActive})

	gw := gateway.New(gateway.Config{BaseURL: srv.URL, APIKey: "k", Timeout: 2 * time.Second}, quiet)
	hub := notify.NewHub(quiet)
	quotes := quote.NewService(gw, nil, quote.DefaultConfig(), quiet)
	if payer == nil {
		payer = services.NewPaymentService(services.PaymentDeps{
			Quotes: quotes, Ledger: s, Txs: s, Wallets: s, Cards: s, FX: gw, Card: gw, Events: hub,
		}, quiet)
	}
	guard := idempotency.NewGuard(s, time.Hour, quiet)

	h := NewRouter(RouterDeps{
		RateRPS:   1000,
		Auth:      middleware.NewAuthMiddleware(auth.NewTokenManager("jwt", "fxcard", time.Minute), "dev"),
		Payments:  &handlers.PaymentHandler{Payments: payer, Quotes: quotes, Guard: guard, Log: quiet},
		Wallet:    &handlers.WalletHandler{Wallets: services.NewWalletService(s, s), Funding: services.NewFundingService(s, s, s, gw, hub, quiet), Guard: guard, Log: quiet},
		Webhooks:  &handlers.WebhookHandler{Events: webhook.NewReconciler(hookSecret, s, s, s, s.AuditLogs(), hub, quiet), Pool: inline{}, Log: quiet},
		Observers: &handlers.ObserverHandler{Hub: hub, Log: quiet},
	})
	return &env{store: s, upstream: up, hub: hub, handler: h}
}

func (e *env) do(method, path, user, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("Authorization", "Bearer dev-"+user)
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestPaymentEndToEndAndReplay(t *testing.T) {
	e := newEnv(t, nil)
	body := `{"amountForeign":"10","merchantName":"Netflix"}`

	first := e.do(http.MethodPost, "/api/v1/payments", "u1", "k-1", body)
	if first.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", first.Code, first.Body)
	}
	var res services.PaymentResult
	if err := json.Unmarshal(first.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Transaction.Status != models.TxnCompleted || !res.Wallet.Ngn.Equal(d("83700")) || !res.Wallet.LockedNgn.IsZero() {
		t.Fatalf("result = %+v", res)
	}

	again := e.do(http.MethodPost, "/api/v1/payments", "u1", "k-1", body)
	if again.Code != first.Code || !bytes.Equal(again.Body.Bytes(), first.Body.Bytes()) {
		t.Fatalf("replay differs: %d %s", again.Code, again.Body)
	}
	if again.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("replay header missing")
	}
	e.upstream.mu.Lock()
	swaps := e.upstream.calls["/fx/swap"]
	e.upstream.mu.Unlock()
	if swaps != 1 {
		t.Fatalf("swap called %d times", swaps)
	}
	w, _ := e.store.Get(context.Background(), "u1")
	if !w.Ngn.Equal(d("83700")) {
		t.Fatalf("wallet after replay = %s", w.Ngn)
	}
}

func TestStoredKeyReplaysWhateverTheBody(t *testing.T) {
	e := newEnv(t, nil)
	first := e.do(http.MethodPost, "/api/v1/payments", "u1", "k-2", `{"amountForeign":"10","merchantName":"Netflix"}`)
	if first.Code != http.StatusCreated {
		t.Fatalf("first: %d %s", first.Code, first.Body)
	}
	again := e.do(http.MethodPost, "/api/v1/payments", "u1", "k-2", `{"amountForeign":`)
	if again.Code != http.StatusCreated || !bytes.Equal(again.Body.Bytes(), first.Body.Bytes()) {
		t.Fatalf("malformed repeat: %d %s", again.Code, again.Body)
	}

	// a rejected body does not use up its key
	if rec := e.do(http.MethodPost, "/api/v1/payments", "u1", "k-3", `{"amountForeign":"-1"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid: %d", rec.Code)
	}
	if rec := e.do(http.MethodPost, "/api/v1/payments", "u1", "k-3", `{"amountForeign":"10","merchantName":"Netflix"}`); rec.Code != http.StatusCreated {
		t.Fatalf("corrected retry: %d %s", rec.Code, rec.Body)
	}
}

func TestTransactionListLimitIsCapped(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(http.MethodGet, "/api/v1/transactions?limit=100000000", "u1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body)
	}
	var page struct {
		Limit int `json:"limit"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Limit != services.MaxListLimit {
		t.Fatalf("limit = %d", page.Limit)
	}
}

func TestPaymentErrors(t *testing.T) {
	e := newEnv(t, nil)

	if rec := e.do(http.MethodPost, "/api/v1/payments", "", "", `{}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no auth: %d", rec.Code)
	}

	rec := e.do(http.MethodPost, "/api/v1/payments", "u1", "", `{"amountForeign":"-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("validation: %d %s", rec.Code, rec.Body)
	}
	var apiErr struct {
		Code    string `json:"code"`
		Details []struct {
			Field string `json:"field"`
		} `json:"details"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &apiErr)
	if apiErr.Code != "validation_failed" || len(apiErr.Details) != 2 {
		t.Fatalf("validation body = %s", rec.Body)
	}

	rec = e.do(http.MethodPost, "/api/v1/payments", "u1", "", `{"amountForeign":"100","merchantName":"Car"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("insufficient funds: %d %s", rec.Code, rec.Body)
	}

	e.upstream.mu.Lock()
	e.upstream.failOn = "/authorize"
	e.upstream.mu.Unlock()
	rec = e.do(http.MethodPost, "/api/v1/payments", "u1", "", `{"amountForeign":"10","merchantName":"Netflix"}`)
	if rec.Code != http.StatusBadGateway || !strings.Contains(rec.Body.String(), "upstream_authorization_error") {
		t.Fatalf("auth failure: %d %s", rec.Code, rec.Body)
	}
	w, _ := e.store.Get(context.Background(), "u1")
	if !w.Ngn.Equal(d("100000")) || !w.LockedNgn.IsZero() {
		t.Fatalf("wallet after compensation = %+v", w)
	}
}

type blockingPayer struct {
	started chan struct{}
	release chan struct{}
}

func (b blockingPayer) Pay(context.Context, services.PaymentRequest) (services.PaymentResult, error) {
	close(b.started)
	<-b.release
	return services.PaymentResult{}, nil
}

func TestConcurrentDuplicateGetsInProgress(t *testing.T) {
	p := blockingPayer{started: make(chan struct{}), release: make(chan struct{})}
	e := newEnv(t, p)
	body := `{"amountForeign":"10","merchantName":"Netflix"}`

	done := make(chan int)
	go func() { done <- e.do(http.MethodPost, "/api/v1/payments", "u1", "k-2", body).Code }()
	<-p.started

	rec := e.do(http.MethodPost, "/api/v1/payments", "u1", "k-2", body)
	if rec.Code != http.StatusConflict || rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("duplicate: %d retry-after=%q", rec.Code, rec.Header().Get("Retry-After"))
	}
	close(p.release)
	if code := <-done; code != http.StatusCreated {
		t.Fatalf("first request: %d", code)
	}
}

func TestQuote(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(http.MethodGet, "/api/v1/quote?amountForeign=10", "u1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	var q models.FXQuote
	_ = json.Unmarshal(rec.Body.Bytes(), &q)
	if !q.TotalAmount.Equal(d("16300")) || !q.Fee.Equal(d("300")) {
		t.Fatalf("quote = %+v", q)
	}
	if rec := e.do(http.MethodGet, "/api/v1/quote?amountForeign=abc", "u1", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad amount: %d", rec.Code)
	}
}

func TestDepositThenChargeWebhook(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(http.MethodPost, "/api/v1/deposits", "u2", "dep-k", `{"amount":"5000"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("deposit: %d %s", rec.Code, rec.Body)
	}
	var tx models.Transaction
	_ = json.Unmarshal(rec.Body.Bytes(), &tx)

	data := []byte(`{"id":77,"reference":"` + tx.Reference + `","amount":5000,"fee":50}`)
	sig, _ := webhook.Sign([]byte(hookSecret), data)
	payload := `{"event":"charge.success","data":` + string(data) + `}`

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", strings.NewReader(payload))
		req.Header.Set("X-Signature", sig)
		rr := httptest.NewRecorder()
		e.handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != `{"received":true}` {
			t.Fatalf("ack %d: %d %s", i, rr.Code, rr.Body)
		}
	}

	// a bad signature is still acknowledged
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", strings.NewReader(payload))
	req.Header.Set("X-Signature", "00")
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("bad signature ack: %d", rr.Code)
	}

	w := e.do(http.MethodGet, "/api/v1/wallet", "u2", "", "")
	var got struct {
		Wallet models.Wallet `json:"wallet"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if !got.Wallet.Ngn.Equal(d("4950")) {
		t.Fatalf("wallet = %s", w.Body)
	}

	one := e.do(http.MethodGet, "/api/v1/transactions/"+tx.ID, "u2", "", "")
	if one.Code != http.StatusOK || !strings.Contains(one.Body.String(), `"status":"completed"`) {
		t.Fatalf("get tx: %d %s", one.Code, one.Body)
	}
	if other := e.do(http.MethodGet, "/api/v1/transactions/"+tx.ID, "u1", "", ""); other.Code != http.StatusNotFound {
		t.Fatalf("foreign tx visible: %d", other.Code)
	}
	list := e.do(http.MethodGet, "/api/v1/transactions?limit=10", "u2", "", "")
	if list.Code != http.StatusOK || !strings.Contains(list.Body.String(), tx.ID) {
		t.Fatalf("list: %d %s", list.Code, list.Body)
	}
}

func TestWithdrawalReservesFunds(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(http.MethodPost, "/api/v1/withdrawals", "u1", "", `{"amount":"20000"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("withdraw: %d %s", rec.Code, rec.Body)
	}
	var res services.PaymentResult
	_ = json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Transaction.Status != models.TxnProcessing || !res.Wallet.LockedNgn.Equal(d("20000")) {
		t.Fatalf("result = %+v", res)
	}
	if rec := e.do(http.MethodPost, "/api/v1/withdrawals", "u1", "", `{"amount":"0.00001"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("too precise: %d", rec.Code)
	}
}

func TestObserverWebsocket(t *testing.T) {
	e := newEnv(t, nil)
	srv := httptest.NewServer(e.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?access_token=dev-u1"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for e.hubCount("u1") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	_ = e.hub.Publish(context.Background(), notify.Event{Type: notify.TypeTransactionUpdated, UserID: "u1", TransactionID: "t1"})

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev notify.Event
	if err := c.ReadJSON(&ev); err != nil || ev.TransactionID != "t1" {
		t.Fatalf("event = %+v err=%v", ev, err)
	}
}

func (e *env) hubCount(uid string) int { return e.hub.Count(uid) }
