package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/baharkarakas/fxcard-wallet/internal/api/httpx"
	"github.com/baharkarakas/fxcard-wallet/internal/api/validate"
	"github.com/baharkarakas/fxcard-wallet/internal/idempotency"
	"github.com/baharkarakas/fxcard-wallet/internal/middleware"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
	"github.com/baharkarakas/fxcard-wallet/internal/services"
)

const maxBody = 64 << 10

type Payer interface {
	Pay(ctx context.Context, req services.PaymentRequest) (services.PaymentResult, error)
}

type Quoter interface {
	GetQuote(ctx context.Context, amountForeign decimal.Decimal) (models.FXQuote, error)
}

type PaymentHandler struct {
	Payments Payer
	Quotes   Quoter
	Guard    *idempotency.Guard
	Log      *slog.Logger
}

type payReq struct {
	AmountForeign decimal.Decimal `json:"amountForeign" validate:"required,money"`
	MerchantName  string          `json:"merchantName" validate:"required,max=128"`
}

// Create runs a card payment. Requests carrying an Idempotency-Key run at most
// once; repeats get the first response back byte for byte.
func (h *PaymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	uid, ok := userOrFail(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "bad_request", "unreadable body", nil)
		return
	}
	// Validation runs under the guard so a repeat of a stored key replays the
	// stored response whatever its body.
	key := r.Header.Get("Idempotency-Key")
	resp, replayed, err := h.Guard.Do(r.Context(), uid, key, body, func(ctx context.Context) idempotency.Response {
		var req payReq
		if err := validate.Decode(body, &req); err != nil {
			return invalid(err)
		}
		res, err := h.Payments.Pay(ctx, services.PaymentRequest{
			UserID:         uid,
			AmountForeign:  req.AmountForeign,
			MerchantName:   req.MerchantName,
			IdempotencyKey: key,
		})
		if err != nil {
			middleware.Logger(ctx, h.Log).Info("payment rejected", "key", key, "err", err)
			status, b := httpx.ErrorBody(err)
			return idempotency.Response{Status: status, Body: b}
		}
		return idempotency.Response{Status: http.StatusCreated, Body: httpx.Marshal(res)}
	})
	writeGuarded(w, resp, replayed, err)
}

// Quote prices amountForeign without reserving anything.
func (h *PaymentHandler) Quote(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("amountForeign")
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		httpx.WriteErr(w, validate.Errs{{Field: "amountForeign", Msg: "must be a number"}})
		return
	}
	q, err := h.Quotes.GetQuote(r.Context(), amount)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, q)
}

func writeGuarded(w http.ResponseWriter, resp idempotency.Response, replayed bool, err error) {
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	if replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	httpx.WriteRaw(w, resp.Status, resp.Body)
}

// invalid answers a request that failed validation. It is not stored, so the
// client may fix the body and retry with the same key.
func invalid(err error) idempotency.Response {
	status, b := httpx.ErrorBody(err)
	return idempotency.Response{Status: status, Body: b, Transient: true}
}

func userOrFail(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := middleware.FromCtx(r.Context()).UserID
	if uid == "" {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "no authenticated user", nil)
		return "", false
	}
	return uid, true
}
