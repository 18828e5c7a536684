package models

import "time"

type AuditLog struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   *string        `json:"entity_id"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details"`
	CreatedAt  time.Time      `json:"created_at"`
}

// TransactionCreatedAudit is written in the same unit that inserts tx.
func TransactionCreatedAudit(tx Transaction) AuditLog {
	id := tx.ID
	return AuditLog{
		EntityType: "transaction",
		EntityID:   &id,
		Action:     "created",
		Details: map[string]any{
			"type":     tx.Type,
			"status":   tx.Status,
			"amount":   tx.Amount.String(),
			"reserved": tx.ReservedAmount.String(),
		},
	}
}

// TransitionAudit records a status change applied by t.
func TransitionAudit(from TransactionStatus, tx Transaction, t Transition) AuditLog {
	id := tx.ID
	d := map[string]any{
		"from": from,
		"to":   tx.Status,
	}
	if t.Event != "" {
		d["event"] = t.Event
	}
	if t.Wallet.Kind != WalletOpNone {
		d["wallet_op"] = t.Wallet.Kind
	}
	if tx.ErrorMessage != nil {
		d["error"] = *tx.ErrorMessage
	}
	return AuditLog{EntityType: "transaction", EntityID: &id, Action: "status_changed", Details: d}
}
