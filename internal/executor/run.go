package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/tools"
)

// runAndStore executes tc against its provider and persists the terminal state.
// Tool calls outlive the caller's cancellation and are bounded by the tool timeout instead.
func (e *Executor) runAndStore(ctx context.Context, tool *tools.Tool, tc *domain.ToolCall, approvalID, actor, path string) error {
	def := tool.Definition()
	start := time.Now()
	result, err := e.invoke(context.WithoutCancel(ctx), tool, tc)
	took := time.Since(start)

	completed := e.now()
	tc.CompletedAt = &completed
	if err != nil {
		tc.Status = domain.ToolCallStatusFailed
		tc.Error = toolError(err)
		e.log.Warn().Err(err).
			Str("tool_call_id", tc.ID).
			Str("tool", def.Name).
			Int("attempts", tc.Attempts).
			Msg("tool call failed")
	} else {
		tc.Status = domain.ToolCallStatusExecuted
		tc.Result = result
		e.log.Info().
			Str("tool_call_id", tc.ID).
			Str("tool", def.Name).
			Int("attempts", tc.Attempts).
			Dur("took", took).
			Msg("tool call executed")
	}

	if err := e.save(ctx, tc); err != nil {
		return err
	}

	detail := map[string]any{"path": path, "attempts": tc.Attempts, "duration_ms": took.Milliseconds()}
	if tc.Error != nil {
		detail["error_code"] = tc.Error.Code
	}
	e.record(ctx, tc, approvalID, actor, detail)
	e.metrics.ToolCall(def.Name, string(tc.PolicyVerdict), string(tc.Status), took)
	return nil
}

// invoke calls the provider with a per-attempt timeout and retries transient failures
// with bounded exponential backoff. The idempotency key is the same on every attempt.
func (e *Executor) invoke(ctx context.Context, tool *tools.Tool, tc *domain.ToolCall) (json.RawMessage, error) {
	def := tool.Definition()
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BackoffInitial
	b.MaxInterval = e.cfg.BackoffMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.MaxRetries)), ctx)

	var result json.RawMessage
	operation := func() error {
		tc.Attempts++
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		res, err := tool.Execute(callCtx, tc.Arguments, tc.IdempotencyKey)
		if err == nil {
			if len(res) == 0 {
				res = json.RawMessage(`null`)
			}
			result = res
			return nil
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = errors.Join(err, context.DeadlineExceeded)
		}
		if !retryable(def, err) {
			return backoff.Permanent(err)
		}
		e.log.Debug().Err(err).
			Str("tool_call_id", tc.ID).
			Int("attempt", tc.Attempts).
			Msg("transient tool failure, retrying")
		return err
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return result, nil
}

// retryable reports whether a failed attempt may be repeated. A failure that may already
// have reached the external system is retried only when the provider deduplicates by key.
func retryable(def tools.Definition, err error) bool {
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrPolicyViolation) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return def.SupportsIdempotency || def.ReadOnly
	}
	if !errors.Is(err, domain.ErrTransientExternal) {
		return false
	}
	var te *tools.TransientError
	if errors.As(err, &te) && te.Applied {
		return def.SupportsIdempotency
	}
	return true
}

func toolError(err error) *domain.ToolError {
	code := domain.CodeToolError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = domain.CodeTimeout
	case errors.Is(err, domain.ErrValidation):
		code = domain.CodeValidation
	case errors.Is(err, domain.ErrTransientExternal):
		code = domain.CodeTransient
	case errors.Is(err, domain.ErrPolicyViolation):
		code = domain.CodePolicy
	}
	return &domain.ToolError{Code: code, Message: err.Error()}
}

// save writes the terminal state of a running tool call. If another writer already
// finished it, tc is replaced by the stored row.
func (e *Executor) save(ctx context.Context, tc *domain.ToolCall) error {
	won, err := e.store.UpdateToolCall(ctx, tc, domain.ToolCallStatusRunning)
	if err != nil {
		e.log.Error().Err(err).Str("tool_call_id", tc.ID).Msg("failed to persist tool call result")
		return domain.Persistence("update tool call", err)
	}
	if won {
		return nil
	}
	stored, err := e.store.GetToolCall(ctx, tc.ID)
	if err != nil {
		return domain.Persistence("reload tool call", err)
	}
	if stored != nil {
		e.log.Warn().Str("tool_call_id", tc.ID).Str("status", string(stored.Status)).
			Msg("tool call already finished by another writer")
		*tc = *stored
	}
	return nil
}

func (e *Executor) record(ctx context.Context, tc *domain.ToolCall, approvalID, actor string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if actor == "" {
		actor = tc.RequestingSpecialist
	}
	entry := &domain.AuditEntry{
		SessionID:  tc.SessionID,
		Kind:       domain.AuditToolInvocation,
		Actor:      actor,
		ToolCallID: tc.ID,
		ApprovalID: approvalID,
		Verdict:    string(tc.PolicyVerdict),
		Outcome:    string(tc.Status),
	}
	detail["tool"] = tc.ToolName
	if err := e.audit.Record(ctx, entry, detail); err != nil {
		e.log.Error().Err(err).Str("tool_call_id", tc.ID).Msg("failed to audit tool call")
	}
}

func cloneToolCall(tc *domain.ToolCall) *domain.ToolCall {
	c := *tc
	if tc.Error != nil {
		te := *tc.Error
		c.Error = &te
	}
	return &c
}
