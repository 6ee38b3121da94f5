package sqlstore

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/pliu/tandem/internal/models"
	"github.com/pliu/tandem/internal/store"
)

// statusRank mirrors models.Status.Rank in SQL.
const statusRank = `CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END`

const messageColumns = `id, sender_id, sender_name, recipient_id, encrypted_content, sender_public_key, sent_at, status, is_encrypted`

func (s *SQLStore) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	stored := *msg
	stored.Status = models.StatusSent
	stored.IsEncrypted = true
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	stored.Timestamp = fromMillis(toMillis(stored.Timestamp))

	query := s.rebind("INSERT INTO messages (" + messageColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query,
		stored.ID,
		stored.SenderID,
		stored.SenderName,
		stored.RecipientID,
		stored.EncryptedContent,
		stored.SenderPublicKey,
		toMillis(stored.Timestamp),
		string(stored.Status),
		stored.IsEncrypted,
	)
	if isUniqueViolation(err) {
		return nil, store.ErrDuplicateID
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.AppendMessage.Exec")
	}
	return &stored, nil
}

func (s *SQLStore) AdvanceStatus(ctx context.Context, senderID, recipientID, messageID string, status models.Status) (bool, error) {
	if !status.Valid() {
		return false, models.ErrInvalidStatus
	}

	query := s.rebind(`UPDATE messages SET status = ? WHERE id = ? AND sender_id = ? AND recipient_id = ? AND ` + statusRank + ` < ?`)
	res, err := s.db.ExecContext(ctx, query, string(status), messageID, senderID, recipientID, status.Rank())
	if err != nil {
		return false, errors.Wrap(err, "sqlstore.AdvanceStatus.Exec")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "sqlstore.AdvanceStatus.RowsAffected")
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	query = s.rebind("SELECT EXISTS(SELECT 1 FROM messages WHERE id = ? AND sender_id = ? AND recipient_id = ?)")
	if err := s.db.QueryRowContext(ctx, query, messageID, senderID, recipientID).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "sqlstore.AdvanceStatus.Exists")
	}
	if !exists {
		return false, store.ErrMessageNotFound
	}
	return false, nil
}

func (s *SQLStore) History(ctx context.Context, userA, userB string) ([]models.Message, error) {
	query := s.rebind(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)
		ORDER BY sent_at ASC, seq ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, userA, userB, userB, userA)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.History.Query")
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		var sentAt int64
		var status string
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderName, &m.RecipientID, &m.EncryptedContent, &m.SenderPublicKey, &sentAt, &status, &m.IsEncrypted); err != nil {
			return nil, errors.Wrap(err, "sqlstore.History.Scan")
		}
		m.Timestamp = fromMillis(sentAt)
		m.Status = models.Status(status)
		messages = append(messages, m)
	}
	return messages, errors.Wrap(rows.Err(), "sqlstore.History.Rows")
}

func (s *SQLStore) ClearHistory(ctx context.Context, userA, userB string) (int64, error) {
	query := s.rebind("DELETE FROM messages WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)")
	res, err := s.db.ExecContext(ctx, query, userA, userB, userB, userA)
	if err != nil {
		return 0, errors.Wrap(err, "sqlstore.ClearHistory.Exec")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "sqlstore.ClearHistory.RowsAffected")
}

func (s *SQLStore) DeleteMessage(ctx context.Context, senderID, recipientID, messageID string) error {
	query := s.rebind("DELETE FROM messages WHERE id = ? AND sender_id = ? AND recipient_id = ?")
	res, err := s.db.ExecContext(ctx, query, messageID, senderID, recipientID)
	if err != nil {
		return errors.Wrap(err, "sqlstore.DeleteMessage.Exec")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrMessageNotFound
	}
	return nil
}
