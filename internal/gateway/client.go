// Package gateway is the HTTP client for the custody provider: FX quotes and
// swaps, card authorizations and payout transfers.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	base    string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	log     *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log,
	}
}

// Error is a failed gateway call. Kind is the upstream sentinel for the
// operation so callers can match it with errors.Is.
type Error struct {
	Op      string
	Status  int
	Message string
	Kind    error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("gateway %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.Kind }

type QuoteResult struct {
	Rate decimal.Decimal `json:"rate"`
}

type SwapResult struct {
	Reference       string          `json:"reference"`
	Rate            decimal.Decimal `json:"rate"`
	AmountDelivered decimal.Decimal `json:"amount_delivered"`
}

type AuthorizeRequest struct {
	Amount    decimal.Decimal
	Currency  string
	Merchant  string
	Reference string
}

type AuthorizeResult struct {
	Reference string `json:"reference"`
	ID        string `json:"id"`
}

type TransferRequest struct {
	Amount    decimal.Decimal
	Currency  string
	Reference string
}

type TransferResult struct {
	Reference string `json:"reference"`
}

func (c *Client) Quote(ctx context.Context, amount decimal.Decimal, pair string) (QuoteResult, error) {
	var out QuoteResult
	err := c.post(ctx, "quote", apperr.ErrUpstreamQuote, "/fx/quote", map[string]any{
		"amount": num(amount),
		"pair":   pair,
	}, &out)
	if err == nil && !out.Rate.IsPositive() {
		err = &Error{Op: "quote", Message: "non-positive rate " + out.Rate.String(), Kind: apperr.ErrUpstreamQuote}
	}
	return out, err
}

func (c *Client) Swap(ctx context.Context, amount decimal.Decimal, pair, reference string) (SwapResult, error) {
	var out SwapResult
	err := c.post(ctx, "swap", apperr.ErrUpstreamSwap, "/fx/swap", map[string]any{
		"amount":    num(amount),
		"pair":      pair,
		"reference": reference,
	}, &out)
	return out, err
}

func (c *Client) Authorize(ctx context.Context, cardID string, req AuthorizeRequest) (AuthorizeResult, error) {
	var out AuthorizeResult
	err := c.post(ctx, "authorize", apperr.ErrUpstreamAuthorization, "/cards/"+url.PathEscape(cardID)+"/authorize", map[string]any{
		"amount":    num(req.Amount),
		"currency":  req.Currency,
		"merchant":  req.Merchant,
		"reference": req.Reference,
	}, &out)
	return out, err
}

func (c *Client) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	var out TransferResult
	err := c.post(ctx, "transfer", apperr.ErrUpstreamTransfer, "/transfers", map[string]any{
		"amount":    num(req.Amount),
		"currency":  req.Currency,
		"reference": req.Reference,
	}, &out)
	return out, err
}

// num renders an amount as a bare JSON number.
func num(d decimal.Decimal) json.Number { return json.Number(d.String()) }

func (c *Client) post(ctx context.Context, op string, kind error, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Op: op, Message: err.Error(), Kind: kind}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return &Error{Op: op, Message: err.Error(), Kind: kind}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = "timeout after " + c.timeout.String()
		}
		c.log.Warn("gateway call failed", "op", op, "err", err, "elapsed", time.Since(start))
		return &Error{Op: op, Message: msg, Kind: kind}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Message: "read body: " + err.Error(), Kind: kind}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &e) != nil || e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		c.log.Warn("gateway returned error", "op", op, "status", resp.StatusCode, "message", e.Message)
		return &Error{Op: op, Status: resp.StatusCode, Message: e.Message, Kind: kind}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Message: "decode response: " + err.Error(), Kind: kind}
	}
	c.log.Debug("gateway call ok", "op", op, "elapsed", time.Since(start))
	return nil
}
