package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/baharkarakas/fxcard-wallet/internal/api/httpx"
)

type EventProcessor interface {
	Handle(ctx context.Context, body []byte, signature string) error
}

type Submitter interface {
	TrySubmit(f func()) bool
}

// WebhookHandler acknowledges gateway deliveries at once and processes them
// on the worker pool.
type WebhookHandler struct {
	Events EventProcessor
	Pool   Submitter
	Log    *slog.Logger
}

const maxWebhookBody = 1 << 20

func (h *WebhookHandler) Gateway(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	sig := r.Header.Get("X-Signature")
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
	if err != nil {
		h.Log.Warn("webhook body unreadable", "err", err)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	job := func() { _ = h.Events.Handle(ctx, body, sig) }
	if !h.Pool.TrySubmit(job) {
		// queue full or stopping: do not hold the gateway's connection
		h.Log.Warn("webhook queue unavailable, processing out of band")
		go job()
	}
}
