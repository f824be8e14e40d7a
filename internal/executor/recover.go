package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

const (
	// stallMargin is added to the retry budget before a running call counts as stalled.
	stallMargin = 5 * time.Second
	sweepBatch  = 100
	sweepActor  = "system"
)

// Budget is how long a call to toolName may stay running: every attempt timing out plus the
// backoff between attempts, and a margin.
func (e *Executor) Budget(toolName string) time.Duration {
	timeout := e.cfg.Timeout
	if tool, ok := e.registry.Get(toolName); ok && tool.Definition().Timeout > 0 {
		timeout = tool.Definition().Timeout
	}
	return e.budget(timeout)
}

// MinBudget is the shortest Budget of any registered tool.
func (e *Executor) MinBudget() time.Duration {
	shortest := e.budget(e.cfg.Timeout)
	for _, def := range e.registry.Definitions() {
		if def.Timeout > 0 {
			if b := e.budget(def.Timeout); b < shortest {
				shortest = b
			}
		}
	}
	return shortest
}

func (e *Executor) budget(timeout time.Duration) time.Duration {
	retries := time.Duration(e.cfg.MaxRetries)
	return timeout*(retries+1) + e.cfg.BackoffMax*retries + stallMargin
}

// FailStalled marks a running tool call failed with a timeout. It reports whether this call
// made the change; when another writer finished tc first the stored row is returned.
func (e *Executor) FailStalled(ctx context.Context, tc *domain.ToolCall, approvalID, actor string) (*domain.ToolCall, bool, error) {
	tc = cloneToolCall(tc)
	budget := e.Budget(tc.ToolName)
	completed := e.now()
	tc.Status = domain.ToolCallStatusFailed
	tc.Error = &domain.ToolError{Code: domain.CodeTimeout, Message: fmt.Sprintf("tool call did not finish within %s", budget)}
	tc.CompletedAt = &completed

	won, err := e.store.UpdateToolCall(ctx, tc, domain.ToolCallStatusRunning)
	if err != nil {
		return nil, false, domain.Persistence("fail stalled tool call", err)
	}
	if !won {
		stored, err := e.store.GetToolCall(ctx, tc.ID)
		if err != nil {
			return nil, false, domain.Persistence("reload tool call", err)
		}
		return stored, false, nil
	}

	e.log.Warn().
		Str("session_id", tc.SessionID).
		Str("tool_call_id", tc.ID).
		Str("tool", tc.ToolName).
		Dur("budget", budget).
		Msg("stalled tool call failed")
	if actor == "" {
		actor = sweepActor
	}
	e.record(ctx, tc, approvalID, actor, map[string]any{"path": "recovered", "error_code": domain.CodeTimeout})
	e.metrics.ToolCall(tc.ToolName, string(tc.PolicyVerdict), string(tc.Status), 0)
	return tc, true, nil
}

// SweepStalled fails ungated tool calls left running past their budget, for instance by a
// restart mid-call. It returns how many it failed.
func (e *Executor) SweepStalled(ctx context.Context, at time.Time) (int, error) {
	calls, err := e.store.ListRunningToolCalls(ctx, at.Add(-e.MinBudget()), sweepBatch)
	if err != nil {
		return 0, domain.Persistence("list running tool calls", err)
	}
	failed := 0
	for i := range calls {
		tc := &calls[i]
		if at.Sub(tc.CreatedAt) < e.Budget(tc.ToolName) {
			continue
		}
		_, won, err := e.FailStalled(ctx, tc, "", "")
		if err != nil {
			e.log.Error().Err(err).Str("tool_call_id", tc.ID).Msg("failed to fail stalled tool call")
			continue
		}
		if won {
			failed++
		}
	}
	return failed, nil
}
