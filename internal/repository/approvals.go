package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

const approvalColumns = `id, tool_call_id, session_id, status, resolved_by, resolved_at, resolution_comment, created_at, completed_at`

// GetApproval retrieves an approval request by ID.
func (s *SQLStore) GetApproval(ctx context.Context, approvalID string) (*domain.ApprovalRequest, error) {
	ap, err := scanApproval(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`), approvalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	return ap, nil
}

// ResolveApproval moves a pending approval to approved or rejected.
// The update is guarded on status = pending, so exactly one caller wins; the others get false.
// The gated tool call moves to running on approval or rejected on rejection in the same transaction.
func (s *SQLStore) ResolveApproval(ctx context.Context, approvalID string, status domain.ApprovalStatus, resolvedBy, comment string, at time.Time) (bool, error) {
	if status != domain.ApprovalStatusApproved && status != domain.ApprovalStatusRejected {
		return false, fmt.Errorf("%w: cannot resolve approval to %q", domain.ErrValidation, status)
	}

	won := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE approval_requests SET status = ?, resolved_by = ?, resolved_at = ?, resolution_comment = ?
			WHERE id = ? AND status = ?
		`), status, resolvedBy, toMillis(at), nullString(comment), approvalID, domain.ApprovalStatusPending)
		if err != nil {
			return fmt.Errorf("failed to resolve approval: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if rows == 0 {
			return nil
		}
		won = true

		var toolCallID string
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT tool_call_id FROM approval_requests WHERE id = ?`), approvalID).Scan(&toolCallID); err != nil {
			return fmt.Errorf("failed to load approval tool call: %w", err)
		}

		if status == domain.ApprovalStatusRejected {
			errData, _ := marshalToolError(&domain.ToolError{Code: domain.CodeRejected, Message: "rejected by " + resolvedBy})
			_, err = tx.ExecContext(ctx, s.rebind(`
				UPDATE tool_calls SET status = ?, error = ?, completed_at = ?
				WHERE id = ? AND status = ?
			`), domain.ToolCallStatusRejected, errData, toMillis(at), toolCallID, domain.ToolCallStatusPendingApproval)
		} else {
			_, err = tx.ExecContext(ctx, s.rebind(`
				UPDATE tool_calls SET status = ? WHERE id = ? AND status = ?
			`), domain.ToolCallStatusRunning, toolCallID, domain.ToolCallStatusPendingApproval)
		}
		if err != nil {
			return fmt.Errorf("failed to update gated tool call: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// CompleteApproval records the execution outcome of an approved request.
func (s *SQLStore) CompleteApproval(ctx context.Context, approvalID string, status domain.ApprovalStatus, at time.Time) (bool, error) {
	if status != domain.ApprovalStatusExecuted && status != domain.ApprovalStatusFailed {
		return false, fmt.Errorf("%w: cannot complete approval as %q", domain.ErrValidation, status)
	}
	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE approval_requests SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`), status, toMillis(at), approvalID, domain.ApprovalStatusApproved)
	if err != nil {
		return false, fmt.Errorf("failed to complete approval: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows > 0, nil
}

const approvalWithToolCallColumns = `a.id, a.tool_call_id, a.session_id, a.status, a.resolved_by, a.resolved_at,
	a.resolution_comment, a.created_at, a.completed_at,
	t.id, t.message_id, t.session_id, t.ordinal, t.tool_name, t.arguments, t.requesting_specialist,
	t.policy_verdict, t.status, t.result, t.error, t.idempotency_key, t.attempts, t.created_at, t.completed_at`

// ListPendingApprovals returns pending approvals with their tool calls, oldest first.
// An empty sessionID lists every session.
func (s *SQLStore) ListPendingApprovals(ctx context.Context, sessionID string) ([]domain.PendingApproval, error) {
	query := `SELECT ` + approvalWithToolCallColumns + `
		FROM approval_requests a JOIN tool_calls t ON t.id = a.tool_call_id
		WHERE a.status = ?`
	args := []any{domain.ApprovalStatusPending}
	if sessionID != "" {
		query += ` AND a.session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY a.created_at ASC, a.id ASC`

	pending, err := s.queryApprovals(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending approvals: %w", err)
	}
	return pending, nil
}

// ListStalledApprovals returns approvals granted at or before resolvedBefore that never
// recorded an execution outcome, oldest first.
func (s *SQLStore) ListStalledApprovals(ctx context.Context, resolvedBefore time.Time, limit int) ([]domain.PendingApproval, error) {
	stalled, err := s.queryApprovals(ctx, `SELECT `+approvalWithToolCallColumns+`
		FROM approval_requests a JOIN tool_calls t ON t.id = a.tool_call_id
		WHERE a.status = ? AND a.resolved_at <= ?
		ORDER BY a.resolved_at ASC, a.id ASC
		LIMIT ?`, domain.ApprovalStatusApproved, toMillis(resolvedBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stalled approvals: %w", err)
	}
	return stalled, nil
}

func (s *SQLStore) queryApprovals(ctx context.Context, query string, args ...any) ([]domain.PendingApproval, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.PendingApproval{}
	for rows.Next() {
		var p domain.PendingApproval
		var row approvalRow
		var tcRow toolCallRow
		dest := append(row.dest(&p.Approval), tcRow.dest(&p.ToolCall)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		row.apply(&p.Approval)
		if err := tcRow.apply(&p.ToolCall); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type approvalRow struct {
	resolvedBy, comment     sql.NullString
	createdAt               int64
	resolvedAt, completedAt sql.NullInt64
}

func (r *approvalRow) dest(ap *domain.ApprovalRequest) []any {
	return []any{&ap.ID, &ap.ToolCallID, &ap.SessionID, &ap.Status, &r.resolvedBy, &r.resolvedAt, &r.comment,
		&r.createdAt, &r.completedAt}
}

func (r *approvalRow) apply(ap *domain.ApprovalRequest) {
	ap.ResolvedBy = r.resolvedBy.String
	ap.ResolutionComment = r.comment.String
	ap.ResolvedAt = timePtr(r.resolvedAt)
	ap.CreatedAt = fromMillis(r.createdAt)
	ap.CompletedAt = timePtr(r.completedAt)
}

func scanApproval(row scanner) (*domain.ApprovalRequest, error) {
	var ap domain.ApprovalRequest
	var r approvalRow
	if err := row.Scan(r.dest(&ap)...); err != nil {
		return nil, err
	}
	r.apply(&ap)
	return &ap, nil
}
