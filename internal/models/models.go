package models

import (
	"time"

	"github.com/pliu/tandem/internal/apperr"
)

// User is the identity record owned by the account service. The messaging
// core only reads it.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PartnerID string `json:"partnerId,omitempty"`
}

func (u *User) HasPartner() bool {
	return u != nil && u.PartnerID != ""
}

type KeyRecord struct {
	OwnerID    string    `json:"userId"`
	PublicKey  string    `json:"publicKey"`
	KeyVersion int       `json:"keyVersion"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type Status string

var ErrInvalidStatus = apperr.InvalidArg("invalid status")

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses; unknown values rank 0.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// After reports whether s is strictly later than other.
func (s Status) After(other Status) bool {
	return s.Rank() > other.Rank()
}

func (s Status) Valid() bool {
	return s.Rank() > 0
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", ErrInvalidStatus
	}
	return s, nil
}

// StatusesBefore lists every status strictly earlier than s.
func StatusesBefore(s Status) []Status {
	var out []Status
	for _, c := range []Status{StatusSent, StatusDelivered, StatusRead} {
		if s.After(c) {
			out = append(out, c)
		}
	}
	return out
}

type Message struct {
	ID               string    `json:"id"`
	SenderID         string    `json:"senderId"`
	SenderName       string    `json:"senderName"`
	RecipientID      string    `json:"recipientId"`
	EncryptedContent string    `json:"encryptedContent"`
	SenderPublicKey  string    `json:"senderPublicKey"`
	Timestamp        time.Time `json:"timestamp"`
	Status           Status    `json:"status,omitempty"`
	IsEncrypted      bool      `json:"isEncrypted"`
}

// Validate checks the fields a message cannot be persisted without.
func (m *Message) Validate() error {
	switch {
	case m == nil:
		return apperr.InvalidArg("message is required")
	case m.ID == "":
		return apperr.InvalidArg("id is required")
	case m.RecipientID == "":
		return apperr.InvalidArg("recipientId is required")
	case m.EncryptedContent == "":
		return apperr.InvalidArg("encryptedContent is required")
	case m.SenderPublicKey == "":
		return apperr.InvalidArg("senderPublicKey is required")
	}
	return nil
}

// Involves reports whether the message belongs to the pair (a, b).
func (m *Message) Involves(a, b string) bool {
	return (m.SenderID == a && m.RecipientID == b) || (m.SenderID == b && m.RecipientID == a)
}
