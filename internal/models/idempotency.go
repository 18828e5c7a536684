package models

import "time"

type IdempotencyState string

const (
	IdemInProgress IdempotencyState = "in_progress"
	IdemCompleted  IdempotencyState = "completed"
)

// IdempotencyRecord stores the first response produced for (UserID, Key).
type IdempotencyRecord struct {
	UserID       string           `json:"user_id"`
	Key          string           `json:"key"`
	RequestHash  string           `json:"request_hash"`
	State        IdempotencyState `json:"state"`
	StatusCode   int              `json:"status_code"`
	ResponseBody []byte           `json:"response_body"`
	CreatedAt    time.Time        `json:"created_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
}

func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
