package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/pliu/tandem/internal/models"
	"github.com/pliu/tandem/internal/store"
)

// RegisterKey upserts in a single statement so concurrent registrations from
// the same owner each bump the version exactly once.
func (s *SQLStore) RegisterKey(ctx context.Context, ownerID, publicKey string) (*models.KeyRecord, error) {
	now := time.Now().UTC()
	query := s.rebind(`
		INSERT INTO encryption_keys (user_id, public_key, key_version, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			public_key = excluded.public_key,
			key_version = encryption_keys.key_version + 1,
			updated_at = excluded.updated_at
		RETURNING key_version, created_at
	`)

	rec := &models.KeyRecord{OwnerID: ownerID, PublicKey: publicKey, UpdatedAt: fromMillis(toMillis(now))}
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, ownerID, publicKey, toMillis(now), toMillis(now)).Scan(&rec.KeyVersion, &createdAt)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.RegisterKey.Upsert")
	}
	rec.CreatedAt = fromMillis(createdAt)
	return rec, nil
}

func (s *SQLStore) GetKey(ctx context.Context, ownerID string) (*models.KeyRecord, error) {
	query := s.rebind("SELECT user_id, public_key, key_version, created_at, updated_at FROM encryption_keys WHERE user_id = ?")

	var rec models.KeyRecord
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, ownerID).Scan(&rec.OwnerID, &rec.PublicKey, &rec.KeyVersion, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.GetKey.Scan")
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}
