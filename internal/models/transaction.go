package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TxnDeposit      TransactionType = "deposit"
	TxnWithdrawal   TransactionType = "withdrawal"
	TxnPayment      TransactionType = "payment"
	TxnFXConversion TransactionType = "fx_conversion"
	TxnCardPayment  TransactionType = "card_payment"
)

type TransactionStatus string

const (
	TxnPending    TransactionStatus = "pending"
	TxnProcessing TransactionStatus = "processing"
	TxnCompleted  TransactionStatus = "completed"
	TxnFailed     TransactionStatus = "failed"
)

func (s TransactionStatus) Terminal() bool {
	return s == TxnCompleted || s == TxnFailed
}

type Transaction struct {
	ID     string            `json:"id"`
	UserID string            `json:"userId"`
	Type   TransactionType   `json:"type"`
	Status TransactionStatus `json:"status"`

	Amount   decimal.Decimal `json:"amount"`
	Currency Currency        `json:"currency"`
	Fee      decimal.Decimal `json:"fee"`
	// ReservedAmount is the part of Amount still locked in the wallet for this
	// transaction. It drops to zero once the reservation is settled or released.
	ReservedAmount decimal.Decimal `json:"reservedAmount"`

	FxRate            *decimal.Decimal `json:"fxRate,omitempty"`
	AmountConverted   *decimal.Decimal `json:"amountConverted,omitempty"`
	ConvertedCurrency *Currency        `json:"convertedCurrency,omitempty"`

	Reference                string  `json:"reference"`
	ExternalSwapID           *string `json:"externalSwapId,omitempty"`
	ExternalPaymentID        *string `json:"externalPaymentId,omitempty"`
	ExternalPaymentReference *string `json:"externalPaymentReference,omitempty"`

	ErrorMessage   *string        `json:"errorMessage,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey *string        `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TxPatch carries the optional columns a status transition records.
// Nil fields are left untouched.
type TxPatch struct {
	Amount                   *decimal.Decimal
	Fee                      *decimal.Decimal
	FxRate                   *decimal.Decimal
	AmountConverted          *decimal.Decimal
	ConvertedCurrency        *Currency
	ExternalSwapID           *string
	ExternalPaymentID        *string
	ExternalPaymentReference *string
	ErrorMessage             *string
}

// Apply copies the non-nil fields of p onto tx.
func (p TxPatch) Apply(tx *Transaction) {
	if p.Amount != nil {
		tx.Amount = *p.Amount
	}
	if p.Fee != nil {
		tx.Fee = *p.Fee
	}
	if p.FxRate != nil {
		tx.FxRate = p.FxRate
	}
	if p.AmountConverted != nil {
		tx.AmountConverted = p.AmountConverted
	}
	if p.ConvertedCurrency != nil {
		tx.ConvertedCurrency = p.ConvertedCurrency
	}
	if p.ExternalSwapID != nil {
		tx.ExternalSwapID = p.ExternalSwapID
	}
	if p.ExternalPaymentID != nil {
		tx.ExternalPaymentID = p.ExternalPaymentID
	}
	if p.ExternalPaymentReference != nil {
		tx.ExternalPaymentReference = p.ExternalPaymentReference
	}
	if p.ErrorMessage != nil {
		tx.ErrorMessage = p.ErrorMessage
	}
}

type WalletOpKind string

const (
	WalletOpNone            WalletOpKind = ""
	WalletOpCredit          WalletOpKind = "credit"
	WalletOpSettleReserved  WalletOpKind = "settle_reserved"
	WalletOpReleaseReserved WalletOpKind = "release_reserved"
)

type WalletOp struct {
	Kind     WalletOpKind
	Amount   decimal.Decimal // credit only
	Currency Currency        // credit only
}

// Transition is one atomic unit against a transaction and its owner's wallet:
// a conditional status change, optional field patch, optional wallet effect and
// an optional processed-event marker, all applied together or not at all.
type Transition struct {
	TxID     string
	From     []TransactionStatus
	To       TransactionStatus
	Patch    TxPatch
	Wallet   WalletOp
	EventKey string
	Event    string
}

func (t Transition) Allows(s TransactionStatus) bool {
	for _, f := range t.From {
		if f == s {
			return true
		}
	}
	return false
}
