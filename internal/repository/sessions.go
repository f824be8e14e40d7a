package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

const sessionColumns = `id, user_id, customer_id, active_specialist, status, created_at, last_activity_at, expires_at`

// CreateSession creates a new session.
func (s *SQLStore) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), session.ID, session.UserID, nullString(session.CustomerID), nullString(session.ActiveSpecialist),
		session.Status, toMillis(session.CreatedAt), toMillis(session.LastActivityAt), toMillis(session.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID, including its specialist history.
func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), sessionID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if err := s.loadSpecialistHistory(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// FindActiveSession returns the most recent non-ended session for the (user, customer) pair.
func (s *SQLStore) FindActiveSession(ctx context.Context, userID, customerID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = ? AND status != ? AND `
	args := []any{userID, domain.SessionStatusEnded}
	if customerID == "" {
		query += `customer_id IS NULL`
	} else {
		query += `customer_id = ?`
		args = append(args, customerID)
	}
	query += ` ORDER BY last_activity_at DESC LIMIT 1`

	session, err := scanSession(s.db.QueryRowContext(ctx, s.rebind(query), args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if err := s.loadSpecialistHistory(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// TouchSession records activity. Ended sessions are never revived.
func (s *SQLStore) TouchSession(ctx context.Context, sessionID string, lastActivity, expiresAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sessions SET last_activity_at = ?, expires_at = ?, status = ?
		WHERE id = ? AND status != ?
	`), toMillis(lastActivity), toMillis(expiresAt), domain.SessionStatusActive, sessionID, domain.SessionStatusEnded)
	if err != nil {
		return false, fmt.Errorf("failed to touch session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows > 0, nil
}

// SetActiveSpecialist switches the active specialist and appends it to the history.
func (s *SQLStore) SetActiveSpecialist(ctx context.Context, sessionID, specialist string, method domain.RoutingMethod, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE sessions SET active_specialist = ? WHERE id = ?`), specialist, sessionID); err != nil {
			return fmt.Errorf("failed to set active specialist: %w", err)
		}
		seq, err := s.nextSeq(ctx, tx, "session_specialists", sessionID)
		if err != nil {
			return fmt.Errorf("failed to allocate history seq: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO session_specialists (session_id, seq, specialist_id, method, switched_at)
			VALUES (?, ?, ?, ?, ?)
		`), sessionID, seq, specialist, method, toMillis(at)); err != nil {
			return fmt.Errorf("failed to record specialist history: %w", err)
		}
		return nil
	})
}

// EndSession marks a session ended. Returns false if it was already ended or missing.
func (s *SQLStore) EndSession(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sessions SET status = ?, expires_at = ?
		WHERE id = ? AND status != ?
	`), domain.SessionStatusEnded, toMillis(at), sessionID, domain.SessionStatusEnded)
	if err != nil {
		return false, fmt.Errorf("failed to end session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows > 0, nil
}

// MarkIdleSessions flags active sessions with no activity since the given time.
func (s *SQLStore) MarkIdleSessions(ctx context.Context, inactiveSince time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sessions SET status = ?
		WHERE status = ? AND last_activity_at <= ?
	`), domain.SessionStatusIdle, domain.SessionStatusActive, toMillis(inactiveSince))
	if err != nil {
		return 0, fmt.Errorf("failed to mark idle sessions: %w", err)
	}
	return result.RowsAffected()
}

// EndExpiredSessions ends every non-ended session whose deadline has passed and returns their IDs.
func (s *SQLStore) EndExpiredSessions(ctx context.Context, now time.Time) ([]string, error) {
	var ended []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.rebind(`
			SELECT id FROM sessions WHERE status != ? AND expires_at <= ?
		`), domain.SessionStatusEnded, toMillis(now))
		if err != nil {
			return fmt.Errorf("failed to query expired sessions: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan session id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			result, err := tx.ExecContext(ctx, s.rebind(`UPDATE sessions SET status = ? WHERE id = ? AND status != ?`),
				domain.SessionStatusEnded, id, domain.SessionStatusEnded)
			if err != nil {
				return fmt.Errorf("failed to end session %s: %w", id, err)
			}
			if n, _ := result.RowsAffected(); n > 0 {
				ended = append(ended, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ended, nil
}

func (s *SQLStore) loadSpecialistHistory(ctx context.Context, session *domain.Session) error {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT specialist_id FROM session_specialists WHERE session_id = ? ORDER BY seq ASC
	`), session.ID)
	if err != nil {
		return fmt.Errorf("failed to load specialist history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan specialist history: %w", err)
		}
		session.SpecialistHistory = append(session.SpecialistHistory, id)
	}
	return rows.Err()
}

func scanSession(row scanner) (*domain.Session, error) {
	var session domain.Session
	var customerID, activeSpecialist sql.NullString
	var createdAt, lastActivity, expiresAt int64
	err := row.Scan(&session.ID, &session.UserID, &customerID, &activeSpecialist, &session.Status,
		&createdAt, &lastActivity, &expiresAt)
	if err != nil {
		return nil, err
	}
	session.CustomerID = customerID.String
	session.ActiveSpecialist = activeSpecialist.String
	session.CreatedAt = fromMillis(createdAt)
	session.LastActivityAt = fromMillis(lastActivity)
	session.ExpiresAt = fromMillis(expiresAt)
	return &session, nil
}
