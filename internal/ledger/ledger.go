// Package ledger implements the two-phase wallet balance rules: a reservation
// locks part of the local balance, then it is either settled (removed from the
// wallet) or released (unlocked). The functions are pure; stores call them under
// their own atomicity guarantees and the postgres store mirrors them in SQL.
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
)

// Check reports whether w satisfies 0 <= lockedNgn <= ngn and usd >= 0.
func Check(w models.Wallet) error {
	switch {
	case w.Ngn.IsNegative():
		return fmt.Errorf("%w: ngn %s < 0", apperr.ErrLedgerInvariant, w.Ngn)
	case w.Usd.IsNegative():
		return fmt.Errorf("%w: usd %s < 0", apperr.ErrLedgerInvariant, w.Usd)
	case w.LockedNgn.IsNegative():
		return fmt.Errorf("%w: locked %s < 0", apperr.ErrLedgerInvariant, w.LockedNgn)
	case w.LockedNgn.GreaterThan(w.Ngn):
		return fmt.Errorf("%w: locked %s > ngn %s", apperr.ErrLedgerInvariant, w.LockedNgn, w.Ngn)
	}
	return nil
}

func positive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be > 0", apperr.ErrValidation)
	}
	return nil
}

// Reserve locks amount if the available balance covers it.
func Reserve(w models.Wallet, amount decimal.Decimal) (models.Wallet, error) {
	if err := positive(amount); err != nil {
		return w, err
	}
	if w.Available().LessThan(amount) {
		return w, apperr.ErrInsufficientFunds
	}
	w.LockedNgn = w.LockedNgn.Add(amount)
	return w, nil
}

// Release unlocks amount. Releasing more than is locked clamps the lock at zero;
// clamped tells the caller so it can log it.
func Release(w models.Wallet, amount decimal.Decimal) (out models.Wallet, clamped bool) {
	if !amount.IsPositive() {
		return w, false
	}
	if amount.GreaterThan(w.LockedNgn) {
		w.LockedNgn = decimal.Zero
		return w, true
	}
	w.LockedNgn = w.LockedNgn.Sub(amount)
	return w, false
}

// Settle removes a previously reserved amount from both the lock and the balance.
func Settle(w models.Wallet, amount decimal.Decimal) (models.Wallet, error) {
	if err := positive(amount); err != nil {
		return w, err
	}
	if amount.GreaterThan(w.LockedNgn) {
		return w, fmt.Errorf("%w: settle %s exceeds locked %s", apperr.ErrLedgerInvariant, amount, w.LockedNgn)
	}
	w.LockedNgn = w.LockedNgn.Sub(amount)
	w.Ngn = w.Ngn.Sub(amount)
	return w, Check(w)
}

// Credit adds amount to the balance of the given currency.
func Credit(w models.Wallet, amount decimal.Decimal, cur models.Currency) (models.Wallet, error) {
	if err := positive(amount); err != nil {
		return w, err
	}
	switch cur {
	case models.NGN:
		w.Ngn = w.Ngn.Add(amount)
	case models.USD:
		w.Usd = w.Usd.Add(amount)
	default:
		return w, fmt.Errorf("%w: unsupported currency %q", apperr.ErrValidation, cur)
	}
	return w, nil
}
