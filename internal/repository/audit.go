package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

// AppendAudit stores entry with the next per-session sequence number and sets entry.Seq.
func (s *SQLStore) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	var lastErr error
	for attempt := 0; attempt < maxSeqAttempts; attempt++ {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			seq, err := s.nextSeq(ctx, tx, "audit_log", entry.SessionID)
			if err != nil {
				return fmt.Errorf("failed to allocate audit seq: %w", err)
			}
			if _, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO audit_log (session_id, seq, kind, actor, tool_call_id, approval_id, verdict, outcome, detail, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`), entry.SessionID, seq, entry.Kind, entry.Actor, nullString(entry.ToolCallID), nullString(entry.ApprovalID),
				nullString(entry.Verdict), entry.Outcome, nullStringBytes(entry.Detail), toMillis(entry.CreatedAt)); err != nil {
				return err
			}
			entry.Seq = seq
			return nil
		})
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("failed to append audit entry after %d attempts: %w", maxSeqAttempts, lastErr)
}

// ListAudit returns audit entries of a session in sequence order.
func (s *SQLStore) ListAudit(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT session_id, seq, kind, actor, tool_call_id, approval_id, verdict, outcome, detail, created_at
		FROM audit_log WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?
	`), sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var toolCallID, approvalID, verdict, detail sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.SessionID, &e.Seq, &e.Kind, &e.Actor, &toolCallID, &approvalID, &verdict, &e.Outcome,
			&detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.ToolCallID = toolCallID.String
		e.ApprovalID = approvalID.String
		e.Verdict = verdict.String
		if detail.Valid {
			e.Detail = json.RawMessage(detail.String)
		}
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
