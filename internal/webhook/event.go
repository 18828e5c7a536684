package webhook

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Gateway event names.
const (
	ChargeSuccess    = "charge.success"
	ChargeFailed     = "charge.failed"
	TransferSuccess  = "transfer.success"
	TransferFailed   = "transfer.failed"
	TransferReversed = "transfer.reversed"
	RefundSuccess    = "refund.success"
	RefundFailed     = "refund.failed"
	CardCreated      = "card.created"
	CardActivated    = "card.activated"
	CardSuspended    = "card.suspended"
	CardTerminated   = "card.terminated"
)

type Payload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// FlexString accepts a JSON string or number.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

type EventData struct {
	ID              FlexString       `json:"id"`
	Reference       string           `json:"reference"`
	Status          string           `json:"status"`
	Amount          *decimal.Decimal `json:"amount"`
	Fee             *decimal.Decimal `json:"fee"`
	Currency        string           `json:"currency"`
	GatewayResponse string           `json:"gateway_response"`
	Reason          string           `json:"reason"`
	CardID          string           `json:"card_id"`
	Metadata        map[string]any   `json:"metadata"`
}

func (d EventData) meta(key string) string {
	if d.Metadata == nil {
		return ""
	}
	switch v := d.Metadata[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return decimal.NewFromFloat(v).String()
	}
	return ""
}

// failureReason picks the most specific text the gateway gave.
func (d EventData) failureReason(fallback string) string {
	for _, s := range []string{d.GatewayResponse, d.Reason, d.Status} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return fallback
}

func class(event string) string {
	if i := strings.IndexByte(event, '.'); i > 0 {
		switch p := event[:i]; p {
		case "charge", "transfer", "refund", "card":
			return p
		}
	}
	return "unknown"
}
