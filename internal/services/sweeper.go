package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
	"github.com/baharkarakas/fxcard-wallet/internal/metrics"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
	"github.com/baharkarakas/fxcard-wallet/internal/notify"
	repo "github.com/baharkarakas/fxcard-wallet/internal/repository"
)

const ReasonReconciliationTimeout = "reconciliation timeout"

var sweepable = []models.TransactionType{models.TxnCardPayment}

// Sweeper fails card payments stuck in processing and releases their
// reservations. It also purges expired idempotency records.
//
// Withdrawals are left alone: once the transfer call succeeded the payout may
// already be out, and only a transfer.* webhook may settle or release it.
type Sweeper struct {
	ledger     repo.Ledger
	txs        repo.Transactions
	idem       repo.Idempotency
	pub        publisher
	staleAfter time.Duration
	batch      int
	now        func() time.Time
	log        *slog.Logger
}

func NewSweeper(l repo.Ledger, t repo.Transactions, idem repo.Idempotency, events notify.Sink, staleAfter time.Duration, log *slog.Logger) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Sweeper{
		ledger:     l,
		txs:        t,
		idem:       idem,
		pub:        publisher{sink: events, log: log},
		staleAfter: staleAfter,
		batch:      200,
		now:        time.Now,
		log:        log,
	}
}

// SweepOnce resolves one batch of stale transactions and returns how many it failed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)
	stale, err := s.txs.ListStale(ctx, models.TxnProcessing, sweepable, cutoff, s.batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, tx := range stale {
		out, w, err := failAndRelease(ctx, s.ledger, tx.ID, ReasonReconciliationTimeout, models.TxPatch{})
		switch {
		case err == nil:
			n++
			metrics.CompensationsTotal.WithLabelValues("sweep", "ok").Inc()
			s.log.Warn("stale transaction failed", "tx_id", tx.ID, "user_id", tx.UserID, "type", tx.Type, "age", s.now().Sub(tx.UpdatedAt).String())
			s.pub.transaction(ctx, out, w, "sweeper")
		case errors.Is(err, apperr.ErrStaleTransition):
		default:
			metrics.CompensationsTotal.WithLabelValues("sweep", "error").Inc()
			s.log.Error("sweeping transaction failed", "tx_id", tx.ID, "err", err)
		}
	}
	return n, nil
}

// PurgeIdempotency deletes expired records in batches until none are left.
func (s *Sweeper) PurgeIdempotency(ctx context.Context) (int64, error) {
	var total int64
	for {
		deleted, err := s.idem.DeleteExpired(ctx, s.now(), 500)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted == 0 {
			return total, nil
		}
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.log.Error("sweep failed", "err", err)
			} else if n > 0 {
				s.log.Info("sweep finished", "failed", n)
			}
			if deleted, err := s.PurgeIdempotency(ctx); err != nil {
				s.log.Error("idempotency cleanup failed", "err", err)
			} else if deleted > 0 {
				s.log.Info("idempotency cleanup", "deleted", deleted)
			}
		}
	}
}
