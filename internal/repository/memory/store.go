// Package memory is a process-local implementation of every repository
// interface. A single mutex makes each call one atomic unit, which gives the
// same guarantees the postgres store gets from row locks and conditional updates.
// It backs STORE_BACKEND=memory and the package tests.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
	"github.com/baharkarakas/fxcard-wallet/internal/ledger"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
)

type Store struct {
	mu     sync.Mutex
	now    func() time.Time
	log    *slog.Logger
	wallet map[string]models.Wallet
	txs    map[string]models.Transaction
	events map[string]string // event key -> tx id
	idem   map[string]models.IdempotencyRecord
	cards  map[string]models.Card // external card id -> card
	audit  []models.AuditLog
}

func New(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		now:    time.Now,
		log:    log,
		wallet: map[string]models.Wallet{},
		txs:    map[string]models.Transaction{},
		events: map[string]string{},
		idem:   map[string]models.IdempotencyRecord{},
		cards:  map[string]models.Card{},
	}
}

// SetClock replaces the time source; tests use it to age records.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ----------------- wallets -----------------

func (s *Store) walletLocked(userID string) models.Wallet {
	w, ok := s.wallet[userID]
	if !ok {
		w = models.Wallet{UserID: userID, UpdatedAt: s.now()}
		s.wallet[userID] = w
	}
	return w
}

func (s *Store) GetOrCreate(_ context.Context, userID string) (models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walletLocked(userID), nil
}

func (s *Store) Get(_ context.Context, userID string) (models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallet[userID]
	if !ok {
		return models.Wallet{}, apperr.ErrNotFound
	}
	return w, nil
}

func (s *Store) Credit(_ context.Context, userID string, amount decimal.Decimal, cur models.Currency) (models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := ledger.Credit(s.walletLocked(userID), amount, cur)
	if err != nil {
		return models.Wallet{}, err
	}
	w.UpdatedAt = s.now()
	s.wallet[userID] = w
	return w, nil
}

// ----------------- transactions -----------------

func (s *Store) insertLocked(tx models.Transaction) models.Transaction {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	now := s.now()
	tx.CreatedAt, tx.UpdatedAt = now, now
	s.txs[tx.ID] = tx
	return tx
}

func (s *Store) Create(_ context.Context, tx models.Transaction) (models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.ID != "" {
		if _, dup := s.txs[tx.ID]; dup {
			return models.Transaction{}, fmt.Errorf("transaction %s already exists", tx.ID)
		}
	}
	return s.insertLocked(tx), nil
}

func (s *Store) GetByID(_ context.Context, id string) (models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return models.Transaction{}, apperr.ErrNotFound
	}
	return tx, nil
}

func (s *Store) find(match func(models.Transaction) bool) (models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.txs {
		if match(tx) {
			return tx, nil
		}
	}
	return models.Transaction{}, apperr.ErrNotFound
}

func eq(p *string, v string) bool { return p != nil && *p == v }

func (s *Store) FindBySwapRef(_ context.Context, ref string) (models.Transaction, error) {
	return s.find(func(tx models.Transaction) bool { return eq(tx.ExternalSwapID, ref) })
}

func (s *Store) FindByPaymentRef(_ context.Context, ref string) (models.Transaction, error) {
	return s.find(func(tx models.Transaction) bool {
		return eq(tx.ExternalPaymentReference, ref) || eq(tx.ExternalPaymentID, ref)
	})
}

func (s *Store) ListByUser(_ context.Context, userID string, limit, offset int) ([]models.Transaction, error) {
	s.mu.Lock()
	var out []models.Transaction
	for _, tx := range s.txs {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListStale(_ context.Context, status models.TransactionStatus, types []models.TransactionType, updatedBefore time.Time, limit int) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, tx := range s.txs {
		if tx.Status != status || !tx.UpdatedAt.Before(updatedBefore) || !hasType(types, tx.Type) {
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func hasType(types []models.TransactionType, t models.TransactionType) bool {
	if len(types) == 0 {
		return true
	}
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// ----------------- ledger -----------------

func (s *Store) ReserveAndCreate(_ context.Context, tx models.Transaction, amount decimal.Decimal) (models.Transaction, models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := ledger.Reserve(s.walletLocked(tx.UserID), amount)
	if err != nil {
		return models.Transaction{}, models.Wallet{}, err
	}
	w.UpdatedAt = s.now()
	s.wallet[tx.UserID] = w

	tx.ReservedAmount = amount
	out := s.insertLocked(tx)
	s.appendAuditLocked(models.TransactionCreatedAudit(out))
	return out, w, nil
}

func (s *Store) Apply(_ context.Context, t models.Transition) (models.Transaction, models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[t.TxID]
	if !ok {
		return models.Transaction{}, models.Wallet{}, apperr.ErrNotFound
	}
	if t.EventKey != "" {
		if _, seen := s.events[t.EventKey]; seen {
			return tx, s.walletLocked(tx.UserID), apperr.ErrDuplicateEvent
		}
	}
	if !t.Allows(tx.Status) {
		return tx, s.walletLocked(tx.UserID), apperr.ErrStaleTransition
	}

	w := s.walletLocked(tx.UserID)
	var err error
	switch t.Wallet.Kind {
	case models.WalletOpCredit:
		w, err = ledger.Credit(w, t.Wallet.Amount, t.Wallet.Currency)
	case models.WalletOpSettleReserved:
		if tx.ReservedAmount.IsPositive() {
			w, err = ledger.Settle(w, tx.ReservedAmount)
			tx.ReservedAmount = decimal.Zero
		}
	case models.WalletOpReleaseReserved:
		if tx.ReservedAmount.IsPositive() {
			var clamped bool
			w, clamped = ledger.Release(w, tx.ReservedAmount)
			if clamped {
				s.log.Warn("release clamped at zero", "tx_id", tx.ID, "user_id", tx.UserID, "amount", tx.ReservedAmount.String())
			}
			tx.ReservedAmount = decimal.Zero
		}
	}
	if err != nil {
		return models.Transaction{}, models.Wallet{}, err
	}

	now := s.now()
	from := tx.Status
	t.Patch.Apply(&tx)
	tx.Status = t.To
	tx.UpdatedAt = now
	w.UpdatedAt = now

	s.txs[tx.ID] = tx
	s.wallet[tx.UserID] = w
	if t.EventKey != "" {
		s.events[t.EventKey] = tx.ID
	}
	s.appendAuditLocked(models.TransitionAudit(from, tx, t))
	return tx, w, nil
}

// ----------------- idempotency -----------------

func idemKey(userID, key string) string { return userID + "\x00" + key }

func (s *Store) Begin(_ context.Context, rec models.IdempotencyRecord) (models.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey(rec.UserID, rec.Key)
	if cur, ok := s.idem[k]; ok && !cur.Expired(s.now()) {
		return cur, false, nil
	}
	rec.State = models.IdemInProgress
	rec.StatusCode, rec.ResponseBody = 0, nil
	s.idem[k] = rec
	return rec, true, nil
}

func (s *Store) Complete(_ context.Context, userID, key string, status int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey(userID, key)
	rec, ok := s.idem[k]
	if !ok || rec.State != models.IdemInProgress {
		return apperr.ErrNotFound
	}
	rec.State = models.IdemCompleted
	rec.StatusCode = status
	rec.ResponseBody = append([]byte(nil), body...)
	s.idem[k] = rec
	return nil
}

func (s *Store) Abandon(_ context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey(userID, key)
	if rec, ok := s.idem[k]; ok && rec.State == models.IdemInProgress {
		delete(s.idem, k)
	}
	return nil
}

func (s *Store) DeleteExpired(_ context.Context, before time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.idem {
		if limit > 0 && n >= int64(limit) {
			break
		}
		if rec.Expired(before) {
			delete(s.idem, k)
			n++
		}
	}
	return n, nil
}

// ----------------- cards -----------------

func (s *Store) GetActiveByUser(_ context.Context, userID string) (models.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cards {
		if c.UserID == userID && c.Status == models.CardActive {
			return c, nil
		}
	}
	return models.Card{}, apperr.ErrNotFound
}

func (s *Store) Upsert(_ context.Context, c models.Card) (models.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cards[c.ExternalCardID]; ok {
		c.ID = cur.ID
		if c.UserID == "" {
			c.UserID = cur.UserID
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.UpdatedAt = s.now()
	s.cards[c.ExternalCardID] = c
	return c, nil
}

func (s *Store) GetByExternalID(_ context.Context, externalID string) (models.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[externalID]
	if !ok {
		return models.Card{}, apperr.ErrNotFound
	}
	return c, nil
}

// ----------------- audit -----------------

// AuditLogs exposes the audit trail under the repository.AuditLogs method set,
// whose Create collides with the transaction Create on Store.
func (s *Store) AuditLogs() AuditLogs { return AuditLogs{s} }

type AuditLogs struct{ s *Store }

func (a AuditLogs) Create(_ context.Context, l models.AuditLog) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.appendAuditLocked(l)
	return nil
}

func (s *Store) appendAuditLocked(l models.AuditLog) {
	l.ID = uuid.NewString()
	l.CreatedAt = s.now()
	s.audit = append(s.audit, l)
}

// AuditTrail returns audit rows for one entity, oldest first.
func (s *Store) AuditTrail(entityID string) []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditLog
	for _, l := range s.audit {
		if l.EntityID != nil && *l.EntityID == entityID {
			out = append(out, l)
		}
	}
	return out
}
