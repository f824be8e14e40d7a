// Package approval resolves pending approval requests and runs the tool calls they gate.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaot623/gogo/csagent/internal/audit"
	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/executor"
	"github.com/xiaot623/gogo/csagent/internal/keylock"
	"github.com/xiaot623/gogo/csagent/internal/logging"
	"github.com/xiaot623/gogo/csagent/internal/metrics"
	"github.com/xiaot623/gogo/csagent/internal/repository"
)

// Notifier is told about every fresh resolution. Replays are not notified.
type Notifier interface {
	ApprovalResolved(ctx context.Context, res *domain.Resolution)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, res *domain.Resolution)

func (f NotifierFunc) ApprovalResolved(ctx context.Context, res *domain.Resolution) { f(ctx, res) }

// Queue is the approval queue.
type Queue struct {
	store   repository.Store
	exec    *executor.Executor
	audit   *audit.Log
	metrics *metrics.Metrics
	log     *logging.Logger
	locks   *keylock.Map
	now     func() time.Time

	mu       sync.RWMutex
	notifier Notifier
}

// New creates an approval queue.
func New(store repository.Store, exec *executor.Executor, auditLog *audit.Log, m *metrics.Metrics, logger *logging.Logger) *Queue {
	return &Queue{
		store:   store,
		exec:    exec,
		audit:   auditLog,
		metrics: m,
		log:     logger.Sub("approval"),
		locks:   keylock.New(),
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// SetNotifier installs the resolution notifier.
func (q *Queue) SetNotifier(n Notifier) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notifier = n
}

// Approve grants a pending request and runs its tool call.
func (q *Queue) Approve(ctx context.Context, approvalID, resolvedBy, comment string) (*domain.Resolution, error) {
	return q.resolve(ctx, approvalID, domain.ApprovalStatusApproved, resolvedBy, comment)
}

// Reject refuses a pending request. Its tool call is never run.
func (q *Queue) Reject(ctx context.Context, approvalID, resolvedBy, comment string) (*domain.Resolution, error) {
	return q.resolve(ctx, approvalID, domain.ApprovalStatusRejected, resolvedBy, comment)
}

// Get returns an approval request with its tool call.
func (q *Queue) Get(ctx context.Context, approvalID string) (*domain.PendingApproval, error) {
	ap, err := q.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, domain.Persistence("get approval", err)
	}
	if ap == nil {
		return nil, fmt.Errorf("%w: approval %s", domain.ErrNotFound, approvalID)
	}
	tc, err := q.store.GetToolCall(ctx, ap.ToolCallID)
	if err != nil {
		return nil, domain.Persistence("get tool call", err)
	}
	if tc == nil {
		return nil, fmt.Errorf("%w: tool call %s", domain.ErrNotFound, ap.ToolCallID)
	}
	return &domain.PendingApproval{Approval: *ap, ToolCall: *tc}, nil
}

// ListPending returns pending requests, oldest first. An empty sessionID lists all sessions.
func (q *Queue) ListPending(ctx context.Context, sessionID string) ([]domain.PendingApproval, error) {
	pending, err := q.store.ListPendingApprovals(ctx, sessionID)
	if err != nil {
		q.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to list pending approvals")
		return nil, domain.Persistence("list pending approvals", err)
	}
	return pending, nil
}

func (q *Queue) resolve(ctx context.Context, approvalID string, status domain.ApprovalStatus, resolvedBy, comment string) (*domain.Resolution, error) {
	if resolvedBy == "" {
		return nil, fmt.Errorf("%w: resolved_by is required", domain.ErrValidation)
	}

	res, fresh, err := q.resolveLocked(ctx, approvalID, status, resolvedBy, comment)
	if err != nil {
		q.log.Error().Err(err).
			Str("approval_id", approvalID).
			Str("decision", string(status)).
			Str("resolved_by", resolvedBy).
			Msg("failed to resolve approval")
		return nil, err
	}
	if fresh {
		q.notify(ctx, res)
	}
	return res, nil
}

// resolveLocked holds the per-approval lock, so a duplicate caller waits for the terminal state.
func (q *Queue) resolveLocked(ctx context.Context, approvalID string, status domain.ApprovalStatus, resolvedBy, comment string) (*domain.Resolution, bool, error) {
	unlock := q.locks.Lock(approvalID)
	defer unlock()

	ap, err := q.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, false, domain.Persistence("get approval", err)
	}
	if ap == nil {
		return nil, false, fmt.Errorf("%w: approval %s", domain.ErrNotFound, approvalID)
	}
	if ap.Status != domain.ApprovalStatusPending {
		res, err := q.replay(ctx, ap)
		return res, false, err
	}

	at := q.now()
	won, err := q.store.ResolveApproval(ctx, approvalID, status, resolvedBy, comment, at)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return nil, false, err
		}
		return nil, false, domain.Persistence("resolve approval", err)
	}
	if !won {
		// Another process resolved it between the read and the guarded update.
		ap, err = q.store.GetApproval(ctx, approvalID)
		if err != nil {
			return nil, false, domain.Persistence("get approval", err)
		}
		res, err := q.replay(ctx, ap)
		return res, false, err
	}

	// The decision is stored. Everything after it must finish even if the caller goes away,
	// or the approval stays approved with its tool call running.
	persist := context.WithoutCancel(ctx)

	ap.Status = status
	ap.ResolvedBy = resolvedBy
	ap.ResolvedAt = &at
	ap.ResolutionComment = comment
	q.transition(persist, ap, domain.ApprovalStatusPending, comment)

	tc, err := q.store.GetToolCall(persist, ap.ToolCallID)
	if err != nil {
		return nil, false, domain.Persistence("get tool call", err)
	}
	if tc == nil {
		return nil, false, fmt.Errorf("%w: tool call %s", domain.ErrNotFound, ap.ToolCallID)
	}

	if status == domain.ApprovalStatusApproved {
		tc, err = q.exec.ExecuteApproved(persist, tc, ap)
		if err != nil {
			return nil, false, err
		}
		final := domain.ApprovalStatusExecuted
		if tc.Status != domain.ToolCallStatusExecuted {
			final = domain.ApprovalStatusFailed
		}
		done := q.now()
		if _, err := q.store.CompleteApproval(persist, approvalID, final, done); err != nil {
			return nil, false, domain.Persistence("complete approval", err)
		}
		ap.Status = final
		ap.CompletedAt = &done
		q.transition(persist, ap, domain.ApprovalStatusApproved, "")
	}

	q.log.Info().
		Str("approval_id", ap.ID).
		Str("session_id", ap.SessionID).
		Str("tool", tc.ToolName).
		Str("status", string(ap.Status)).
		Str("resolved_by", resolvedBy).
		Msg("approval resolved")

	return &domain.Resolution{Approval: *ap, ToolCall: tc}, true, nil
}

func (q *Queue) replay(ctx context.Context, ap *domain.ApprovalRequest) (*domain.Resolution, error) {
	tc, err := q.store.GetToolCall(ctx, ap.ToolCallID)
	if err != nil {
		return nil, domain.Persistence("get tool call", err)
	}
	q.log.Debug().Str("approval_id", ap.ID).Str("status", string(ap.Status)).Msg("approval already resolved")
	return &domain.Resolution{Approval: *ap, ToolCall: tc, Replayed: true}, nil
}

func (q *Queue) transition(ctx context.Context, ap *domain.ApprovalRequest, from domain.ApprovalStatus, comment string) {
	q.metrics.Approval(string(ap.Status))
	if q.audit == nil {
		return
	}
	entry := &domain.AuditEntry{
		SessionID:  ap.SessionID,
		Kind:       domain.AuditApprovalTransition,
		Actor:      ap.ResolvedBy,
		ToolCallID: ap.ToolCallID,
		ApprovalID: ap.ID,
		Outcome:    string(ap.Status),
	}
	detail := map[string]any{"from": from, "to": ap.Status}
	if comment != "" {
		detail["comment"] = comment
	}
	if err := q.audit.Record(context.WithoutCancel(ctx), entry, detail); err != nil {
		q.log.Error().Err(err).Str("approval_id", ap.ID).Msg("failed to audit approval transition")
	}
}

func (q *Queue) notify(ctx context.Context, res *domain.Resolution) {
	q.mu.RLock()
	n := q.notifier
	q.mu.RUnlock()
	if n != nil {
		n.ApprovalResolved(context.WithoutCancel(ctx), res)
	}
}
