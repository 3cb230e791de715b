package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pliu/dmrelay/internal/apperr"
	"github.com/pliu/dmrelay/internal/models"
	"github.com/pliu/dmrelay/internal/store"
)

const messageColumns = "m.id, m.sender_id, m.receiver_id, m.body, m.created_at_ns, COALESCE(m.client_token, '')"

func validateNewMessage(in models.NewMessage) error {
	switch {
	case in.SenderID == "" || in.ReceiverID == "":
		return apperr.Validation("sender and receiver are required")
	case in.SenderID == in.ReceiverID:
		return apperr.Validation("cannot send a message to yourself")
	case strings.TrimSpace(in.Body) == "":
		return apperr.Validation("message body is empty")
	case utf8.RuneCountInString(in.Body) > store.MaxBodyLength:
		return apperr.Validation("message body exceeds %d characters", store.MaxBodyLength)
	}
	return nil
}

func (s *SQLStore) AppendMessage(ctx context.Context, in models.NewMessage) (models.Message, bool, error) {
	if err := validateNewMessage(in); err != nil {
		return models.Message{}, false, err
	}

	convKey := models.ConversationKey(in.SenderID, in.ReceiverID)
	token := sql.NullString{String: in.ClientToken, Valid: in.ClientToken != ""}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, false, apperr.Storage("begin append tx", err)
	}
	defer tx.Rollback()

	if s.driverName == "postgres" {
		// Serializes appends per conversation so commit order matches sort order.
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", convKey); err != nil {
			return models.Message{}, false, apperr.Storage("lock conversation", err)
		}
	}

	// created_at_ns never goes below the conversation's latest message, so a
	// row committed later always sorts after any cursor handed out earlier.
	query := s.rebind(`
		INSERT INTO messages (conversation_key, sender_id, receiver_id, body, created_at_ns, client_token)
		VALUES (?, ?, ?, ?, MAX(?, COALESCE((SELECT MAX(created_at_ns) + 1 FROM messages WHERE conversation_key = ?), 0)), ?)
		ON CONFLICT (sender_id, client_token) DO NOTHING
		RETURNING id, created_at_ns
	`)
	if s.driverName == "postgres" {
		query = strings.Replace(query, "MAX($5,", "GREATEST($5::BIGINT,", 1)
	}

	var id, createdAtNs int64
	err = tx.QueryRowContext(ctx, query,
		convKey, in.SenderID, in.ReceiverID, in.Body, s.now().UnixNano(), convKey, token,
	).Scan(&id, &createdAtNs)

	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return models.Message{}, false, apperr.Storage("commit append tx", err)
		}
		return models.Message{
			ID:          id,
			SenderID:    in.SenderID,
			ReceiverID:  in.ReceiverID,
			Body:        in.Body,
			CreatedAt:   time.Unix(0, createdAtNs).UTC(),
			ClientToken: in.ClientToken,
		}, true, nil
	case errors.Is(err, sql.ErrNoRows) && token.Valid:
		tx.Rollback()
		// The token was used before; hand back the original message.
		existing, err := s.messageByToken(ctx, in.SenderID, in.ClientToken)
		if err != nil {
			return models.Message{}, false, err
		}
		if existing.ReceiverID != in.ReceiverID || existing.Body != in.Body {
			return models.Message{}, false, apperr.Validation("client token %q was already used for a different message", in.ClientToken)
		}
		return existing, false, nil
	default:
		return models.Message{}, false, apperr.Storage("append message", err)
	}
}

func (s *SQLStore) messageByToken(ctx context.Context, senderID, token string) (models.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages m WHERE m.sender_id = ? AND m.client_token = ?")
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, senderID, token))
	if err != nil {
		return models.Message{}, apperr.Storage("load message by token", err)
	}
	return m, nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id int64) (models.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages m WHERE m.id = ?")
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.Message{}, apperr.Storage("get message", err)
	}
	return m, nil
}

func (s *SQLStore) ListConversation(ctx context.Context, requesterID, userA, userB string, after models.Cursor, limit int) ([]models.Message, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, apperr.Validation("a conversation needs two distinct users")
	}
	if requesterID != userA && requesterID != userB {
		return nil, apperr.ErrForbidden
	}

	afterNs, afterID := int64(-1), int64(0)
	if !after.IsZero() {
		afterNs, afterID = after.CreatedAt.UnixNano(), after.ID
	}

	query := s.rebind(`
		SELECT ` + messageColumns + `
		FROM messages m
		WHERE m.conversation_key = ?
		  AND (m.created_at_ns > ? OR (m.created_at_ns = ? AND m.id > ?))
		  AND NOT EXISTS (
			SELECT 1 FROM message_deletions d
			WHERE d.message_id = m.id AND d.user_id = ?
		  )
		ORDER BY m.created_at_ns ASC, m.id ASC
		LIMIT ?
	`)
	rows, err := s.db.QueryContext(ctx, query,
		models.ConversationKey(userA, userB), afterNs, afterNs, afterID, requesterID, store.PageSize(limit))
	if err != nil {
		return nil, apperr.Storage("list conversation", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Storage("scan message", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list conversation", err)
	}
	return messages, nil
}

// DeleteMessage hides the message from requesterID only. The other
// participant keeps seeing it.
func (s *SQLStore) DeleteMessage(ctx context.Context, id int64, requesterID string) (models.Message, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return models.Message{}, err
	}
	if !m.HasParticipant(requesterID) {
		return models.Message{}, apperr.ErrForbidden
	}

	query := s.rebind(`
		INSERT INTO message_deletions (message_id, user_id, deleted_at_ns)
		VALUES (?, ?, ?)
		ON CONFLICT (message_id, user_id) DO NOTHING
	`)
	if _, err := s.db.ExecContext(ctx, query, id, requesterID, time.Now().UTC().UnixNano()); err != nil {
		return models.Message{}, apperr.Storage("delete message", err)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var createdAt int64
	if err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Body, &createdAt, &m.ClientToken); err != nil {
		return models.Message{}, err
	}
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	return m, nil
}
