package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	NGN Currency = "NGN"
	USD Currency = "USD"
)

// Wallet is embedded in the user; one per user.
// Ngn includes LockedNgn; only Available() may be reserved against.
type Wallet struct {
	UserID    string          `json:"userId"`
	Ngn       decimal.Decimal `json:"ngn"`
	Usd       decimal.Decimal `json:"usd"`
	LockedNgn decimal.Decimal `json:"lockedNgn"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (w Wallet) Available() decimal.Decimal {
	return w.Ngn.Sub(w.LockedNgn)
}
