package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/pliu/dmrelay/internal/apperr"
	"github.com/pliu/dmrelay/internal/models"
)

// MessageDelivered flips the message's counted flag and bumps the
// receiver's counter in the same transaction. Both statements are atomic
// in the database, so concurrent deliveries for one pair never lose a count.
func (s *SQLStore) MessageDelivered(ctx context.Context, msg models.Message) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, apperr.Storage("begin unread tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind("UPDATE messages SET counted = TRUE WHERE id = ? AND counted = FALSE"), msg.ID)
	if err != nil {
		return false, apperr.Storage("mark message counted", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Storage("mark message counted", err)
	}
	if n == 0 {
		var exists bool
		query := s.rebind("SELECT EXISTS(SELECT 1 FROM messages WHERE id = ?)")
		if err := tx.QueryRowContext(ctx, query, msg.ID).Scan(&exists); err != nil {
			return false, apperr.Storage("check message", err)
		}
		if !exists {
			return false, apperr.ErrNotFound
		}
		// Already counted by an earlier attempt.
		return false, nil
	}

	query := s.rebind(`
		INSERT INTO unread_counters (owner_id, counterpart_id, unread)
		VALUES (?, ?, 1)
		ON CONFLICT (owner_id, counterpart_id) DO UPDATE SET unread = unread_counters.unread + 1
	`)
	if _, err := tx.ExecContext(ctx, query, msg.ReceiverID, msg.SenderID); err != nil {
		return false, apperr.Storage("increment unread", err)
	}
	if err := tx.Commit(); err != nil {
		return false, apperr.Storage("commit unread tx", err)
	}
	return true, nil
}

func (s *SQLStore) MarkRead(ctx context.Context, ownerID, counterpartID string) error {
	if ownerID == "" || counterpartID == "" {
		return apperr.Validation("owner and counterpart are required")
	}
	query := s.rebind(`
		INSERT INTO unread_counters (owner_id, counterpart_id, unread)
		VALUES (?, ?, 0)
		ON CONFLICT (owner_id, counterpart_id) DO UPDATE SET unread = 0
	`)
	if _, err := s.db.ExecContext(ctx, query, ownerID, counterpartID); err != nil {
		return apperr.Storage("mark read", err)
	}
	return nil
}

func (s *SQLStore) GetCount(ctx context.Context, ownerID, counterpartID string) (int, error) {
	var count int
	query := s.rebind("SELECT unread FROM unread_counters WHERE owner_id = ? AND counterpart_id = ?")
	err := s.db.QueryRowContext(ctx, query, ownerID, counterpartID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Storage("get unread count", err)
	}
	return count, nil
}

// GetCounts reads every counter of ownerID with a single statement so the
// result is one snapshot.
func (s *SQLStore) GetCounts(ctx context.Context, ownerID string) (map[string]int, error) {
	query := s.rebind("SELECT counterpart_id, unread FROM unread_counters WHERE owner_id = ?")
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, apperr.Storage("get unread counts", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var counterpart string
		var n int
		if err := rows.Scan(&counterpart, &n); err != nil {
			return nil, apperr.Storage("scan unread count", err)
		}
		counts[counterpart] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("get unread counts", err)
	}
	return counts, nil
}
