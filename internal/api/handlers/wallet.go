package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/baharkarakas/fxcard-wallet/internal/api/httpx"
	"github.com/baharkarakas/fxcard-wallet/internal/api/validate"
	"github.com/baharkarakas/fxcard-wallet/internal/idempotency"
	"github.com/baharkarakas/fxcard-wallet/internal/middleware"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
	"github.com/baharkarakas/fxcard-wallet/internal/services"
)

type WalletReader interface {
	Current(ctx context.Context, userID string) (models.Wallet, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]models.Transaction, error)
	Transaction(ctx context.Context, userID, id string) (models.Transaction, error)
}

type Funder interface {
	CreateDeposit(ctx context.Context, userID string, amount decimal.Decimal, idemKey string) (models.Transaction, error)
	Withdraw(ctx context.Context, userID string, amount decimal.Decimal, idemKey string) (services.PaymentResult, error)
}

type WalletHandler struct {
	Wallets WalletReader
	Funding Funder
	Guard   *idempotency.Guard
	Log     *slog.Logger
}

func (h *WalletHandler) Current(w http.ResponseWriter, r *http.Request) {
	uid, ok := userOrFail(w, r)
	if !ok {
		return
	}
	wl, err := h.Wallets.Current(r.Context(), uid)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"wallet":       wl,
		"availableNgn": wl.Available(),
	})
}

func (h *WalletHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	uid, ok := userOrFail(w, r)
	if !ok {
		return
	}
	limit := services.DefaultListLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, services.MaxListLimit)
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	txs, err := h.Wallets.ListTransactions(r.Context(), uid, limit, offset)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"transactions": txs, "limit": limit, "offset": offset})
}

func (h *WalletHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	uid, ok := userOrFail(w, r)
	if !ok {
		return
	}
	tx, err := h.Wallets.Transaction(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tx)
}

type amountReq struct {
	Amount decimal.Decimal `json:"amount" validate:"required,money"`
}

// Deposit opens a pending deposit the gateway later confirms by webhook.
func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.funding(w, r, func(ctx context.Context, uid string, amount decimal.Decimal, key string) (any, error) {
		return h.Funding.CreateDeposit(ctx, uid, amount, key)
	})
}

// Withdraw reserves the amount and submits a payout.
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.funding(w, r, func(ctx context.Context, uid string, amount decimal.Decimal, key string) (any, error) {
		return h.Funding.Withdraw(ctx, uid, amount, key)
	})
}

func (h *WalletHandler) funding(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, uid string, amount decimal.Decimal, key string) (any, error)) {
	uid, ok := userOrFail(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "bad_request", "unreadable body", nil)
		return
	}
	key := r.Header.Get("Idempotency-Key")
	resp, replayed, err := h.Guard.Do(r.Context(), uid, key, body, func(ctx context.Context) idempotency.Response {
		var req amountReq
		if err := validate.Decode(body, &req); err != nil {
			return invalid(err)
		}
		out, err := run(ctx, uid, req.Amount, key)
		if err != nil {
			middleware.Logger(ctx, h.Log).Info("funding request rejected", "path", r.URL.Path, "err", err)
			status, b := httpx.ErrorBody(err)
			return idempotency.Response{Status: status, Body: b}
		}
		return idempotency.Response{Status: http.StatusCreated, Body: httpx.Marshal(out)}
	})
	writeGuarded(w, resp, replayed, err)
}
