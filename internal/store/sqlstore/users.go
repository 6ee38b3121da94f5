package sqlstore

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/pliu/tandem/internal/models"
	"github.com/pliu/tandem/internal/store"
)

// CreateUser seeds an identity. Accounts are owned by the auth service; this
// exists for development databases and tests.
func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	query := s.rebind("INSERT INTO users (id, name, partner_id) VALUES (?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query, user.ID, user.Name, nullString(user.PartnerID))
	if isUniqueViolation(err) {
		return errors.Wrap(err, "sqlstore.CreateUser: user exists")
	}
	return errors.Wrap(err, "sqlstore.CreateUser.Exec")
}

// LinkPartners pairs two identities symmetrically.
func (s *SQLStore) LinkPartners(ctx context.Context, a, b string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlstore.LinkPartners.Begin")
	}
	defer tx.Rollback()

	query := s.rebind("UPDATE users SET partner_id = ? WHERE id = ?")
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		res, err := tx.ExecContext(ctx, query, pair[1], pair[0])
		if err != nil {
			return errors.Wrap(err, "sqlstore.LinkPartners.Exec")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrUserNotFound
		}
	}
	return errors.Wrap(tx.Commit(), "sqlstore.LinkPartners.Commit")
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	query := s.rebind("SELECT id, name, COALESCE(partner_id, '') FROM users WHERE id = ?")
	err := s.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Name, &user.PartnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.GetUser.Scan")
	}
	return &user, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
