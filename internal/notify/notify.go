// Package notify fans wallet events out to observers: websocket clients of the
// same user, a kafka topic and a redis channel. Delivery is best effort.
package notify

import (
	"context"
	"errors"
	"time"
)

// Event types.
const (
	TypeTransactionUpdated = "transaction.updated"
	TypeCardUpdated        = "card.updated"
	TypeRefund             = "refund"
)

type Event struct {
	Type          string    `json:"type"`
	UserID        string    `json:"userId"`
	TransactionID string    `json:"transactionId,omitempty"`
	Source        string    `json:"source,omitempty"` // gateway event name or "api"
	Data          any       `json:"data,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
