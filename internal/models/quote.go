package models

import "github.com/shopspring/decimal"

// FXQuote is derived per request and never stored.
type FXQuote struct {
	AmountRequested decimal.Decimal `json:"amountRequested"`
	Rate            decimal.Decimal `json:"rate"`
	BaseAmount      decimal.Decimal `json:"baseAmount"`
	Fee             decimal.Decimal `json:"fee"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	Fallback        bool            `json:"-"`
}
