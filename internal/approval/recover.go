package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

const recoverBatch = 100

// RecoverStalled settles approvals left in approved, for instance by a restart between the
// decision and the execution outcome. A tool call still running past its budget is failed
// first. It returns how many approvals it completed.
func (q *Queue) RecoverStalled(ctx context.Context, at time.Time) (int, error) {
	stalled, err := q.store.ListStalledApprovals(ctx, at.Add(-q.exec.MinBudget()), recoverBatch)
	if err != nil {
		return 0, domain.Persistence("list stalled approvals", err)
	}
	completed := 0
	for _, p := range stalled {
		if p.ToolCall.Status == domain.ToolCallStatusRunning && !pastBudget(p.Approval, at, q.exec.Budget(p.ToolCall.ToolName)) {
			continue
		}
		res, err := q.recoverOne(ctx, p.Approval.ID, at)
		if err != nil {
			q.log.Error().Err(err).Str("approval_id", p.Approval.ID).Msg("failed to recover stalled approval")
			continue
		}
		if res != nil {
			completed++
			q.notify(ctx, res)
		}
	}
	return completed, nil
}

func (q *Queue) recoverOne(ctx context.Context, approvalID string, at time.Time) (*domain.Resolution, error) {
	unlock := q.locks.Lock(approvalID)
	defer unlock()

	ap, err := q.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, domain.Persistence("get approval", err)
	}
	if ap == nil || ap.Status != domain.ApprovalStatusApproved {
		return nil, nil
	}
	tc, err := q.store.GetToolCall(ctx, ap.ToolCallID)
	if err != nil {
		return nil, domain.Persistence("get tool call", err)
	}
	if tc == nil {
		return nil, fmt.Errorf("%w: tool call %s", domain.ErrNotFound, ap.ToolCallID)
	}

	if tc.Status == domain.ToolCallStatusRunning {
		if !pastBudget(*ap, at, q.exec.Budget(tc.ToolName)) {
			return nil, nil
		}
		if tc, _, err = q.exec.FailStalled(ctx, tc, ap.ID, ap.ResolvedBy); err != nil {
			return nil, err
		}
	}

	final := domain.ApprovalStatusExecuted
	if tc.Status != domain.ToolCallStatusExecuted {
		final = domain.ApprovalStatusFailed
	}
	done := q.now()
	won, err := q.store.CompleteApproval(ctx, ap.ID, final, done)
	if err != nil {
		return nil, domain.Persistence("complete approval", err)
	}
	if !won {
		return nil, nil
	}
	ap.Status = final
	ap.CompletedAt = &done
	q.transition(ctx, ap, domain.ApprovalStatusApproved, "recovered")

	q.log.Warn().
		Str("approval_id", ap.ID).
		Str("session_id", ap.SessionID).
		Str("tool_call_id", tc.ID).
		Str("status", string(final)).
		Msg("stalled approval completed")
	return &domain.Resolution{Approval: *ap, ToolCall: tc}, nil
}

func pastBudget(ap domain.ApprovalRequest, at time.Time, budget time.Duration) bool {
	return ap.ResolvedAt == nil || at.Sub(*ap.ResolvedAt) >= budget
}
