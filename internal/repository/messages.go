package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

// AppendMessage stores msg and assigns the next per-session sequence number to msg.Seq.
func (s *SQLStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	var lastErr error
	for attempt := 0; attempt < maxSeqAttempts; attempt++ {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			seq, err := s.nextSeq(ctx, tx, "messages", msg.SessionID)
			if err != nil {
				return fmt.Errorf("failed to allocate message seq: %w", err)
			}
			if _, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO messages (id, session_id, seq, role, content, specialist_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`), msg.ID, msg.SessionID, seq, msg.Role, msg.Content, nullString(msg.SpecialistID), toMillis(msg.CreatedAt)); err != nil {
				return err
			}
			msg.Seq = seq
			return nil
		})
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("failed to append message: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("failed to append message after %d attempts: %w", maxSeqAttempts, lastErr)
}

// GetMessage retrieves a message by ID.
func (s *SQLStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	var msg domain.Message
	var specialist sql.NullString
	var createdAt int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, session_id, seq, role, content, specialist_id, created_at
		FROM messages WHERE id = ?
	`), messageID).Scan(&msg.ID, &msg.SessionID, &msg.Seq, &msg.Role, &msg.Content, &specialist, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	msg.SpecialistID = specialist.String
	msg.CreatedAt = fromMillis(createdAt)

	ids, err := s.toolCallIDsByMessage(ctx, msg.SessionID)
	if err != nil {
		return nil, err
	}
	msg.ToolCallIDs = ids[msg.ID]
	return &msg, nil
}

// ListMessages returns messages in sequence order after afterSeq, at most limit rows.
func (s *SQLStore) ListMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, session_id, seq, role, content, specialist_id, created_at
		FROM messages WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?
	`), sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var specialist sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &msg.Role, &msg.Content, &specialist, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.SpecialistID = specialist.String
		msg.CreatedAt = fromMillis(createdAt)
		messages = append(messages, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return messages, nil
	}

	ids, err := s.toolCallIDsByMessage(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		messages[i].ToolCallIDs = ids[messages[i].ID]
	}
	return messages, nil
}

func (s *SQLStore) toolCallIDsByMessage(ctx context.Context, sessionID string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT message_id, id FROM tool_calls WHERE session_id = ? ORDER BY message_id, ordinal ASC
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool call ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var messageID, id string
		if err := rows.Scan(&messageID, &id); err != nil {
			return nil, fmt.Errorf("failed to scan tool call id: %w", err)
		}
		out[messageID] = append(out[messageID], id)
	}
	return out, rows.Err()
}
