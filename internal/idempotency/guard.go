// Package idempotency makes client retries of a mutating request safe: the
// first request for a (user, key) pair runs, later ones get its stored
// response back unchanged.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
	"github.com/baharkarakas/fxcard-wallet/internal/metrics"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
	"github.com/baharkarakas/fxcard-wallet/internal/repository"
)

const DefaultTTL = 24 * time.Hour

// Response is what gets stored and replayed. A Transient response is
// returned to the caller but not stored, and the key is freed.
type Response struct {
	Status    int
	Body      []byte
	Transient bool
}

// panicBody is stored when the guarded call panics.
var panicBody = []byte(`{"error":"internal error","code":"internal_error"}`)

type Guard struct {
	store   repository.Idempotency
	ttl     time.Duration
	now     func() time.Time
	backoff time.Duration
	log     *slog.Logger
}

func NewGuard(store repository.Idempotency, ttl time.Duration, log *slog.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{store: store, ttl: ttl, now: time.Now, backoff: 50 * time.Millisecond, log: log}
}

// Do runs fn at most once per (userID, key) within the retention window.
// An empty key runs fn unguarded. replayed is true when the response came from
// storage. A concurrent duplicate that arrives while the first is still running
// gets apperr.ErrIdempotencyInProgress.
func (g *Guard) Do(ctx context.Context, userID, key string, body []byte, fn func(ctx context.Context) Response) (resp Response, replayed bool, err error) {
	if key == "" {
		return fn(ctx), false, nil
	}

	now := g.now()
	hash := RequestHash(body)
	rec, created, err := g.store.Begin(ctx, models.IdempotencyRecord{
		UserID:      userID,
		Key:         key,
		RequestHash: hash,
		State:       models.IdemInProgress,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	})
	if err != nil {
		return Response{}, false, err
	}

	if !created {
		if rec.RequestHash != hash {
			g.log.Warn("idempotency key reused with a different body", "user_id", userID, "key", key)
		}
		if rec.State != models.IdemCompleted {
			metrics.IdempotencyOutcomes.WithLabelValues("in_progress").Inc()
			return Response{}, false, apperr.ErrIdempotencyInProgress
		}
		metrics.IdempotencyOutcomes.WithLabelValues("replayed").Inc()
		return Response{Status: rec.StatusCode, Body: rec.ResponseBody}, true, nil
	}

	metrics.IdempotencyOutcomes.WithLabelValues("first").Inc()
	finished := false
	defer func() {
		if finished {
			return
		}
		if p := recover(); p != nil {
			g.finish(ctx, userID, key, Response{Status: http.StatusInternalServerError, Body: panicBody})
			panic(p)
		}
	}()
	resp = fn(ctx)
	finished = true
	g.finish(ctx, userID, key, resp)
	return resp, false, nil
}

// finish stores resp for replay. If the store keeps failing, or resp is
// transient, the record is dropped so the key does not stay in progress.
func (g *Guard) finish(ctx context.Context, userID, key string, resp Response) {
	ctx = context.WithoutCancel(ctx)
	log := g.log.With("user_id", userID, "key", key)
	if !resp.Transient {
		var err error
		for attempt := 0; attempt < 3; attempt++ {
			if attempt > 0 {
				time.Sleep(g.backoff * time.Duration(attempt))
			}
			if err = g.store.Complete(ctx, userID, key, resp.Status, resp.Body); err == nil || errors.Is(err, apperr.ErrNotFound) {
				return
			}
		}
		log.Error("idempotency record not completed, freeing key", "err", err)
	}
	if err := g.store.Abandon(ctx, userID, key); err != nil {
		log.Error("idempotency record not released", "err", err)
	}
}

func RequestHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
