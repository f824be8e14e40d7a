package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

const toolCallColumns = `id, message_id, session_id, ordinal, tool_name, arguments, requesting_specialist,
	policy_verdict, status, result, error, idempotency_key, attempts, created_at, completed_at`

// CreateToolCall creates a new tool call.
func (s *SQLStore) CreateToolCall(ctx context.Context, tc *domain.ToolCall) error {
	if err := s.insertToolCall(ctx, s.db, tc); err != nil {
		return fmt.Errorf("failed to create tool call: %w", err)
	}
	return nil
}

// CreateToolCallWithApproval stores a pending tool call and its approval request atomically.
func (s *SQLStore) CreateToolCallWithApproval(ctx context.Context, tc *domain.ToolCall, approval *domain.ApprovalRequest) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertToolCall(ctx, tx, tc); err != nil {
			return fmt.Errorf("failed to create tool call: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO approval_requests (id, tool_call_id, session_id, status, created_at)
			VALUES (?, ?, ?, ?, ?)
		`), approval.ID, approval.ToolCallID, approval.SessionID, approval.Status, toMillis(approval.CreatedAt)); err != nil {
			return fmt.Errorf("failed to create approval: %w", err)
		}
		return nil
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) insertToolCall(ctx context.Context, db execer, tc *domain.ToolCall) error {
	errData, err := marshalToolError(tc.Error)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, s.rebind(`
		INSERT INTO tool_calls (`+toolCallColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), tc.ID, tc.MessageID, tc.SessionID, tc.Ordinal, tc.ToolName, nullStringBytes(tc.Arguments), tc.RequestingSpecialist,
		nullString(string(tc.PolicyVerdict)), tc.Status, nullStringBytes(tc.Result), errData, tc.IdempotencyKey,
		tc.Attempts, toMillis(tc.CreatedAt), nullMillis(tc.CompletedAt))
	return err
}

// GetToolCall retrieves a tool call by ID.
func (s *SQLStore) GetToolCall(ctx context.Context, toolCallID string) (*domain.ToolCall, error) {
	tc, err := scanToolCall(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+toolCallColumns+` FROM tool_calls WHERE id = ?`), toolCallID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool call: %w", err)
	}
	return tc, nil
}

// UpdateToolCall writes the mutable fields of tc if its stored status is one of from.
// With no from statuses the update is unconditional.
func (s *SQLStore) UpdateToolCall(ctx context.Context, tc *domain.ToolCall, from ...domain.ToolCallStatus) (bool, error) {
	errData, err := marshalToolError(tc.Error)
	if err != nil {
		return false, err
	}
	query := `UPDATE tool_calls SET policy_verdict = ?, status = ?, result = ?, error = ?, attempts = ?, completed_at = ?
		WHERE id = ?`
	args := []any{nullString(string(tc.PolicyVerdict)), tc.Status, nullStringBytes(tc.Result), errData,
		tc.Attempts, nullMillis(tc.CompletedAt), tc.ID}
	if len(from) > 0 {
		query += ` AND status IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ") + `)`
		for _, st := range from {
			args = append(args, st)
		}
	}

	result, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to update tool call: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListToolCalls returns every tool call of a session in creation order.
func (s *SQLStore) ListToolCalls(ctx context.Context, sessionID string) ([]domain.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+toolCallColumns+` FROM tool_calls WHERE session_id = ? ORDER BY created_at ASC, ordinal ASC
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}
	defer rows.Close()

	var calls []domain.ToolCall
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		calls = append(calls, *tc)
	}
	return calls, rows.Err()
}

// ListRunningToolCalls returns running tool calls created at or before startedBefore that no
// approval gates, oldest first.
func (s *SQLStore) ListRunningToolCalls(ctx context.Context, startedBefore time.Time, limit int) ([]domain.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+toolCallColumns+` FROM tool_calls t
		WHERE t.status = ? AND t.created_at <= ?
			AND NOT EXISTS (SELECT 1 FROM approval_requests a WHERE a.tool_call_id = t.id)
		ORDER BY t.created_at ASC, t.id ASC
		LIMIT ?
	`), domain.ToolCallStatusRunning, toMillis(startedBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query running tool calls: %w", err)
	}
	defer rows.Close()

	var calls []domain.ToolCall
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		calls = append(calls, *tc)
	}
	return calls, rows.Err()
}

type toolCallRow struct {
	args, verdict, result, errData sql.NullString
	createdAt                      int64
	completedAt                    sql.NullInt64
}

func (r *toolCallRow) dest(tc *domain.ToolCall) []any {
	return []any{&tc.ID, &tc.MessageID, &tc.SessionID, &tc.Ordinal, &tc.ToolName, &r.args, &tc.RequestingSpecialist,
		&r.verdict, &tc.Status, &r.result, &r.errData, &tc.IdempotencyKey, &tc.Attempts, &r.createdAt, &r.completedAt}
}

func (r *toolCallRow) apply(tc *domain.ToolCall) error {
	if r.args.Valid {
		tc.Arguments = json.RawMessage(r.args.String)
	}
	if r.result.Valid {
		tc.Result = json.RawMessage(r.result.String)
	}
	if r.errData.Valid {
		var te domain.ToolError
		if err := json.Unmarshal([]byte(r.errData.String), &te); err != nil {
			return fmt.Errorf("failed to decode tool error: %w", err)
		}
		tc.Error = &te
	}
	tc.PolicyVerdict = domain.PolicyClass(r.verdict.String)
	tc.CreatedAt = fromMillis(r.createdAt)
	tc.CompletedAt = timePtr(r.completedAt)
	return nil
}

func scanToolCall(row scanner) (*domain.ToolCall, error) {
	var tc domain.ToolCall
	var r toolCallRow
	if err := row.Scan(r.dest(&tc)...); err != nil {
		return nil, err
	}
	if err := r.apply(&tc); err != nil {
		return nil, err
	}
	return &tc, nil
}

func marshalToolError(te *domain.ToolError) (sql.NullString, error) {
	if te == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(te)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode tool error: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
