// Package executor runs tool calls behind schema validation, the policy gate and bounded retries.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/csagent/internal/audit"
	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/logging"
	"github.com/xiaot623/gogo/csagent/internal/metrics"
	"github.com/xiaot623/gogo/csagent/internal/repository"
	"github.com/xiaot623/gogo/csagent/internal/tools"
)

// Classifier decides the approval class of a tool.
type Classifier interface {
	Classify(ctx context.Context, toolName string) (domain.PolicyClass, error)
}

// Config bounds tool execution.
type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Request is one tool call emitted by a specialist.
type Request struct {
	// ID is the tool call id. A new one is generated when empty.
	ID         string
	SessionID  string
	MessageID  string
	Ordinal    int
	ToolName   string
	Arguments  json.RawMessage
	Specialist string
}

// Outcome is the persisted tool call and, for gated calls, its approval request.
type Outcome struct {
	ToolCall *domain.ToolCall
	Approval *domain.ApprovalRequest
}

// Executor validates, classifies and runs tool calls.
type Executor struct {
	store    repository.Store
	registry *tools.Registry
	policy   Classifier
	audit    *audit.Log
	metrics  *metrics.Metrics
	log      *logging.Logger
	cfg      Config
	now      func() time.Time
}

// New creates an executor.
func New(store repository.Store, registry *tools.Registry, policy Classifier, auditLog *audit.Log, m *metrics.Metrics, logger *logging.Logger, cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 200 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	return &Executor{
		store:    store,
		registry: registry,
		policy:   policy,
		audit:    auditLog,
		metrics:  m,
		log:      logger.Sub("executor"),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// Execute handles a tool call requested during a turn. Domain failures are recorded on the
// returned tool call; the error is non-nil only when the call could not be persisted.
func (e *Executor) Execute(ctx context.Context, req Request) (*Outcome, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	tc := &domain.ToolCall{
		ID:                   id,
		MessageID:            req.MessageID,
		SessionID:            req.SessionID,
		Ordinal:              req.Ordinal,
		ToolName:             req.ToolName,
		Arguments:            req.Arguments,
		RequestingSpecialist: req.Specialist,
		IdempotencyKey:       id,
		CreatedAt:            e.now(),
	}
	if len(tc.Arguments) == 0 {
		tc.Arguments = json.RawMessage(`{}`)
	}
	logger := e.log.Zerolog().With().
		Str("session_id", req.SessionID).
		Str("tool_call_id", id).
		Str("tool", req.ToolName).
		Logger()

	tool, ok := e.registry.Get(req.ToolName)
	if !ok {
		logger.Warn().Msg("unknown tool requested")
		return e.finishEarly(ctx, tc, domain.PolicyNeverApprove, domain.ToolCallStatusRejected,
			&domain.ToolError{Code: domain.CodePolicy, Message: fmt.Sprintf("tool %q is not registered", req.ToolName)})
	}

	if err := tool.Validate(tc.Arguments); err != nil {
		logger.Info().Err(err).Msg("tool arguments rejected by schema")
		return e.finishEarly(ctx, tc, "", domain.ToolCallStatusFailed,
			&domain.ToolError{Code: domain.CodeValidation, Message: err.Error()})
	}

	class := e.classify(ctx, req.ToolName)
	tc.PolicyVerdict = class

	switch class {
	case domain.PolicyNeverApprove:
		logger.Warn().Msg("tool call refused by policy")
		return e.finishEarly(ctx, tc, class, domain.ToolCallStatusRejected,
			&domain.ToolError{Code: domain.CodePolicy, Message: fmt.Sprintf("tool %q is never approved", req.ToolName)})

	case domain.PolicyRequireApproval:
		tc.Status = domain.ToolCallStatusPendingApproval
		approval := &domain.ApprovalRequest{
			ID:         uuid.NewString(),
			ToolCallID: tc.ID,
			SessionID:  tc.SessionID,
			Status:     domain.ApprovalStatusPending,
			CreatedAt:  tc.CreatedAt,
		}
		if err := e.store.CreateToolCallWithApproval(ctx, tc, approval); err != nil {
			return nil, domain.Persistence("create gated tool call", err)
		}
		logger.Info().Str("approval_id", approval.ID).Msg("tool call awaiting approval")
		e.record(ctx, tc, approval.ID, req.Specialist, map[string]any{"path": "gated"})
		e.metrics.ToolCall(tc.ToolName, string(class), string(tc.Status), 0)
		e.metrics.Approval(string(domain.ApprovalStatusPending))
		return &Outcome{ToolCall: tc, Approval: approval}, nil
	}

	tc.Status = domain.ToolCallStatusRunning
	if err := e.store.CreateToolCall(ctx, tc); err != nil {
		return nil, domain.Persistence("create tool call", err)
	}
	if err := e.runAndStore(ctx, tool, tc, "", req.Specialist, "direct"); err != nil {
		return nil, err
	}
	return &Outcome{ToolCall: tc}, nil
}

// ExecuteApproved runs a tool call whose approval was granted. The policy check is skipped,
// but a never-approve tool is still refused, so a forged approval cannot run it.
// tc must be in status running.
func (e *Executor) ExecuteApproved(ctx context.Context, tc *domain.ToolCall, approval *domain.ApprovalRequest) (*domain.ToolCall, error) {
	tc = cloneToolCall(tc)
	logger := e.log.Zerolog().With().
		Str("session_id", tc.SessionID).
		Str("tool_call_id", tc.ID).
		Str("approval_id", approval.ID).
		Str("tool", tc.ToolName).
		Logger()

	if class := e.classify(ctx, tc.ToolName); class == domain.PolicyNeverApprove {
		logger.Warn().Msg("approved tool call refused: tool is never approved")
		tc.PolicyVerdict = class
		return e.finishApproved(ctx, tc, approval, domain.ToolCallStatusRejected,
			&domain.ToolError{Code: domain.CodePolicy, Message: fmt.Sprintf("tool %q is never approved", tc.ToolName)})
	}

	tool, ok := e.registry.Get(tc.ToolName)
	if !ok {
		logger.Warn().Msg("approved tool is no longer registered")
		return e.finishApproved(ctx, tc, approval, domain.ToolCallStatusFailed,
			&domain.ToolError{Code: domain.CodeToolError, Message: fmt.Sprintf("tool %q is not registered", tc.ToolName)})
	}
	if err := tool.Validate(tc.Arguments); err != nil {
		return e.finishApproved(ctx, tc, approval, domain.ToolCallStatusFailed,
			&domain.ToolError{Code: domain.CodeValidation, Message: err.Error()})
	}

	if err := e.runAndStore(ctx, tool, tc, approval.ID, approval.ResolvedBy, "approved"); err != nil {
		return nil, err
	}
	return tc, nil
}

func (e *Executor) classify(ctx context.Context, toolName string) domain.PolicyClass {
	class, err := e.policy.Classify(ctx, toolName)
	if err != nil {
		e.log.Error().Err(err).Str("tool", toolName).Msg("policy evaluation failed, refusing tool")
		return domain.PolicyNeverApprove
	}
	return class
}

// finishEarly persists a tool call that never reached a provider.
func (e *Executor) finishEarly(ctx context.Context, tc *domain.ToolCall, verdict domain.PolicyClass, status domain.ToolCallStatus, toolErr *domain.ToolError) (*Outcome, error) {
	completed := e.now()
	tc.PolicyVerdict = verdict
	tc.Status = status
	tc.Error = toolErr
	tc.CompletedAt = &completed
	if err := e.store.CreateToolCall(ctx, tc); err != nil {
		return nil, domain.Persistence("create tool call", err)
	}
	e.record(ctx, tc, "", tc.RequestingSpecialist, map[string]any{"path": "direct", "error_code": toolErr.Code})
	e.metrics.ToolCall(tc.ToolName, string(verdict), string(status), 0)
	return &Outcome{ToolCall: tc}, nil
}

func (e *Executor) finishApproved(ctx context.Context, tc *domain.ToolCall, approval *domain.ApprovalRequest, status domain.ToolCallStatus, toolErr *domain.ToolError) (*domain.ToolCall, error) {
	completed := e.now()
	tc.Status = status
	tc.Error = toolErr
	tc.CompletedAt = &completed
	if err := e.save(ctx, tc); err != nil {
		return nil, err
	}
	e.record(ctx, tc, approval.ID, approval.ResolvedBy, map[string]any{"path": "approved", "error_code": toolErr.Code})
	e.metrics.ToolCall(tc.ToolName, string(tc.PolicyVerdict), string(status), 0)
	return tc, nil
}
