package models

import "time"

type CardStatus string

const (
	CardPending    CardStatus = "pending"
	CardActive     CardStatus = "active"
	CardSuspended  CardStatus = "suspended"
	CardTerminated CardStatus = "terminated"
)

type Card struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	ExternalCardID string     `json:"externalCardId"`
	Status         CardStatus `json:"status"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}
