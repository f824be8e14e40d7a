package specialist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/xiaot623/gogo/csagent/internal/audit"
	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/logging"
	"github.com/xiaot623/gogo/csagent/internal/router"
	"github.com/xiaot623/gogo/csagent/internal/tools"
)

// Input is a routed user message ready for a handler.
type Input struct {
	Session         *domain.Session
	Message         string
	History         []domain.Message
	CustomerContext domain.CustomerContext
	Emit            func(text string) error
}

// Result is the handler reply together with the specialist that produced it.
type Result struct {
	Decision domain.RoutingDecision
	Turn     *Turn
	Reply    *Reply
	Handler  Handler
	Hops     int
}

// Runner invokes the routed specialist, follows handoffs and enforces allowed tools.
type Runner struct {
	router   *router.Router
	registry *tools.Registry
	audit    *audit.Log
	log      *logging.Logger

	mu       sync.RWMutex
	fallback Handler
	handlers map[string]Handler
}

// NewRunner creates a runner. fallback serves every specialist without a registered handler.
func NewRunner(r *router.Router, registry *tools.Registry, auditLog *audit.Log, fallback Handler, logger *logging.Logger) *Runner {
	return &Runner{
		router:   r,
		registry: registry,
		audit:    auditLog,
		log:      logger.Sub("specialist"),
		fallback: fallback,
		handlers: make(map[string]Handler),
	}
}

// Register installs a dedicated handler for a specialist.
func (r *Runner) Register(specialistID string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[specialistID] = h
}

// HandlerFor returns the handler serving a specialist.
func (r *Runner) HandlerFor(specialistID string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[specialistID]; ok {
		return h
	}
	return r.fallback
}

// Run hands the turn to the specialist chosen by decision. A handoff re-routes with the
// forced target, at most max_handoffs times per turn. A tool outside the specialist's
// allowed set fails the turn with ErrPolicyViolation.
func (r *Runner) Run(ctx context.Context, in Input, decision domain.RoutingDecision) (*Result, error) {
	cat := r.router.Catalog()
	maxHops := cat.Routing.MaxHandoffs

	for hop := 0; ; hop++ {
		def, ok := cat.Specialist(decision.Specialist)
		if !ok {
			def, _ = cat.Specialist(cat.Generalist)
		}
		turn := &Turn{
			Session:         in.Session,
			Specialist:      def,
			Message:         in.Message,
			History:         in.History,
			CustomerContext: in.CustomerContext,
			Tools:           r.registry.Subset(def.AllowedTools),
			Emit:            in.Emit,
		}
		handler := r.HandlerFor(def.ID)
		reply, err := handler.HandleTurn(ctx, turn)
		if err != nil {
			return nil, fmt.Errorf("specialist %s: %w", def.ID, err)
		}
		if reply == nil {
			reply = &Reply{}
		}

		handoff, calls := r.splitHandoff(in.Session.ID, def.ID, reply.ToolCalls)
		reply.ToolCalls = calls
		if handoff != nil {
			if hop >= maxHops {
				r.log.Warn().
					Str("session_id", in.Session.ID).
					Str("from", def.ID).
					Str("to", handoff.Specialist).
					Int("hops", hop).
					Msg("handoff limit reached, keeping current specialist")
			} else {
				next := r.router.Force(in.Session, handoff.Specialist, handoff.Reason)
				r.recordHandoff(ctx, in.Session.ID, def.ID, next, handoff.Reason)
				decision = next
				continue
			}
		}

		for _, call := range reply.ToolCalls {
			if !def.Allows(call.Name) {
				r.recordViolation(ctx, in.Session.ID, def.ID, call.Name)
				return nil, fmt.Errorf("%w: specialist %s may not call %s", domain.ErrPolicyViolation, def.ID, call.Name)
			}
		}

		decision.Specialist = def.ID
		return &Result{Decision: decision, Turn: turn, Reply: reply, Handler: handler, Hops: hop}, nil
	}
}

// splitHandoff separates the first well-formed handoff request from the tool calls.
// Malformed and repeated handoff requests are dropped.
func (r *Runner) splitHandoff(sessionID, specialistID string, calls []ToolRequest) (*handoffArgs, []ToolRequest) {
	var handoff *handoffArgs
	out := calls[:0:0]
	for _, c := range calls {
		if c.Name != HandoffTool {
			out = append(out, c)
			continue
		}
		if handoff != nil {
			continue
		}
		var args handoffArgs
		err := json.Unmarshal(c.Arguments, &args)
		if err == nil && args.Specialist == "" {
			err = errors.New("specialist is required")
		}
		if err != nil {
			r.log.Warn().Err(err).
				Str("session_id", sessionID).
				Str("specialist", specialistID).
				Str("arguments", string(c.Arguments)).
				Msg("ignoring malformed handoff request")
			continue
		}
		handoff = &args
	}
	return handoff, out
}

func (r *Runner) recordHandoff(ctx context.Context, sessionID, from string, to domain.RoutingDecision, reason string) {
	r.log.Info().Str("session_id", sessionID).Str("from", from).Str("to", to.Specialist).Msg("handoff")
	if r.audit == nil {
		return
	}
	entry := &domain.AuditEntry{
		SessionID: sessionID,
		Kind:      domain.AuditHandoff,
		Actor:     from,
		Outcome:   to.Specialist,
	}
	detail := map[string]any{"from": from, "to": to.Specialist, "reason": reason, "method": to.Method}
	if err := r.audit.Record(ctx, entry, detail); err != nil {
		r.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to audit handoff")
	}
}

func (r *Runner) recordViolation(ctx context.Context, sessionID, specialistID, toolName string) {
	r.log.Error().
		Str("session_id", sessionID).
		Str("specialist", specialistID).
		Str("tool", toolName).
		Msg("specialist requested a tool outside its allowed set")
	if r.audit == nil {
		return
	}
	entry := &domain.AuditEntry{
		SessionID: sessionID,
		Kind:      domain.AuditToolInvocation,
		Actor:     specialistID,
		Verdict:   "not-allowed",
		Outcome:   string(domain.ToolCallStatusRejected),
	}
	if err := r.audit.Record(ctx, entry, map[string]string{"tool": toolName}); err != nil {
		r.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to audit tool violation")
	}
}
