// Package events publishes messaging domain events (message stored, status
// advanced, key registered) for downstream consumers such as notifications.
// Events never carry ciphertext or keys beyond their version numbers.
package events

import (
	"context"
	"time"
)

const (
	TypeMessageStored  = "message.stored"
	TypeStatusAdvanced = "message.status_advanced"
	TypeMessageDeleted = "message.deleted"
	TypeHistoryCleared = "history.cleared"
	TypeKeyRegistered  = "key.registered"
)

type Event struct {
	Type       string    `json:"type"`
	UserID     string    `json:"userId"`
	PartnerID  string    `json:"partnerId,omitempty"`
	MessageID  string    `json:"messageId,omitempty"`
	Status     string    `json:"status,omitempty"`
	KeyVersion int       `json:"keyVersion,omitempty"`
	Count      int64     `json:"count,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
