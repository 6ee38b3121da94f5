package store

import (
	"context"

	"github.com/pliu/tandem/internal/apperr"
	"github.com/pliu/tandem/internal/models"
)

var (
	ErrKeyNotFound     = apperr.NotFound("encryption key not found")
	ErrMessageNotFound = apperr.NotFound("message not found")
	ErrUserNotFound    = apperr.NotFound("user not found")
	ErrDuplicateID     = apperr.AlreadyExists("message id already used")
)

// KeyStore holds one current public key per identity.
type KeyStore interface {
	// RegisterKey inserts the key with version 1, or replaces it and bumps
	// the version by one.
	RegisterKey(ctx context.Context, ownerID, publicKey string) (*models.KeyRecord, error)
	// GetKey returns ErrKeyNotFound when the owner never registered.
	GetKey(ctx context.Context, ownerID string) (*models.KeyRecord, error)
}

// MessageLedger persists encrypted messages and their delivery status.
type MessageLedger interface {
	AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	// AdvanceStatus moves a message forward along sent<delivered<read and
	// reports whether anything changed.
	AdvanceStatus(ctx context.Context, senderID, recipientID, messageID string, status models.Status) (bool, error)
	History(ctx context.Context, userA, userB string) ([]models.Message, error)
	ClearHistory(ctx context.Context, userA, userB string) (int64, error)
	DeleteMessage(ctx context.Context, senderID, recipientID, messageID string) error
}

// Directory resolves identities and their partner.
type Directory interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

type Store interface {
	KeyStore
	MessageLedger
	Directory
	Close() error
}
