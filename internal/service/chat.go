package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/executor"
	"github.com/xiaot623/gogo/csagent/internal/specialist"
)

// DefaultUserID is used when the transport supplies no principal.
const DefaultUserID = "anonymous"

const (
	fallbackReply  = "Sorry, I ran into a problem while working on that. Please try again."
	violationReply = "I can't do that from here: the request needs a tool this specialist is not allowed to use."
)

// Chat starts a turn and streams its events. The session is resolved before returning, so
// lookup errors surface to the caller directly; everything after is reported on the stream,
// which is closed when the turn ends.
func (s *Service) Chat(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, fmt.Errorf("%w: message is required", domain.ErrValidation)
	}
	if req.UserID == "" {
		req.UserID = DefaultUserID
	}

	sess, created, err := s.sessions.Resolve(ctx, req.UserID, req.CustomerID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if created && req.SessionID != "" {
		s.log.Info().Str("previous_session_id", req.SessionID).Str("session_id", sess.ID).Msg("session had ended, started a new one")
	}

	out := make(chan domain.StreamEvent, s.cfg.StreamBuffer)
	go func() {
		defer close(out)
		t := &turn{svc: s, ctx: ctx, req: req, session: sess, out: out, started: time.Now()}
		t.run()
	}()
	return out, nil
}

type turn struct {
	svc     *Service
	ctx     context.Context
	req     domain.ChatRequest
	session *domain.Session
	out     chan<- domain.StreamEvent
	started time.Time
}

// emit delivers ev unless the caller went away.
func (t *turn) emit(ev domain.StreamEvent) {
	select {
	case t.out <- ev:
	case <-t.ctx.Done():
	}
}

func (t *turn) fail(code, message string, retryable bool) {
	t.svc.metrics.Turn("error", time.Since(t.started))
	t.emit(domain.StreamEvent{Type: domain.StreamError, Payload: domain.ErrorPayload{Code: code, Message: message, Retryable: retryable}})
}

func (t *turn) failErr(err error) {
	code := domain.CodeOf(err)
	t.fail(code, err.Error(), code == domain.CodePersistence)
}

func (t *turn) run() {
	s := t.svc
	unlock := s.turns.Lock(t.session.ID)
	defer unlock()

	// Durable writes outlive a disconnected client.
	persist := context.WithoutCancel(t.ctx)
	turnCtx, endTurn := context.WithCancelCause(t.ctx)
	defer endTurn(nil)
	llmCtx, cancel := context.WithTimeout(turnCtx, s.cfg.LLMTimeout)
	defer cancel()
	forget := s.track(t.session.ID, endTurn)
	defer forget()

	logger := s.log.With("session_id", t.session.ID)

	// The session may have moved on while this turn waited for the lock.
	sess, err := s.sessions.Get(persist, t.session.ID)
	if err != nil {
		t.failErr(err)
		return
	}
	if sess.Status == domain.SessionStatusEnded {
		t.fail(domain.CodeValidation, "session has ended; start a new session", false)
		return
	}
	t.session = sess

	history, err := s.sessions.Recent(persist, sess.ID, s.cfg.HistoryLimit)
	if err != nil {
		t.failErr(err)
		return
	}

	userMsg := &domain.Message{SessionID: sess.ID, Role: domain.RoleUser, Content: t.req.Message}
	if err := s.sessions.Append(persist, userMsg); err != nil {
		t.failErr(err)
		return
	}

	cc := t.req.CustomerContext
	if len(cc) == 0 && sess.CustomerID != "" {
		cc = s.router.Catalog().Customers[sess.CustomerID]
	}

	decision := s.router.Route(llmCtx, sess, t.req.Message, cc)
	s.auditRouting(persist, sess.ID, decision)

	in := specialist.Input{
		Session:         sess,
		Message:         t.req.Message,
		History:         history,
		CustomerContext: cc,
		Emit: func(text string) error {
			if err := llmCtx.Err(); err != nil {
				return err
			}
			t.emit(domain.StreamEvent{Type: domain.StreamToken, Payload: domain.TokenPayload{Text: text}})
			return nil
		},
	}

	result, err := s.runner.Run(llmCtx, in, decision)
	if err != nil && errors.Is(context.Cause(llmCtx), errSessionEnded) {
		logger.Info().Str("specialist", decision.Specialist).Msg("session ended during the turn")
		t.fail(domain.CodeValidation, "session ended during the turn", false)
		return
	}
	if err != nil {
		reply := fallbackReply
		if errors.Is(err, domain.ErrPolicyViolation) {
			reply = violationReply
		}
		logger.Warn().Err(err).Str("specialist", decision.Specialist).Msg("specialist failed, replying gracefully")
		result = &specialist.Result{Decision: decision, Reply: &specialist.Reply{Text: reply}}
		t.emit(domain.StreamEvent{Type: domain.StreamToken, Payload: domain.TokenPayload{Text: reply}})
	}
	decision = result.Decision
	if result.Hops > 0 {
		s.auditRouting(persist, sess.ID, decision)
	}

	if decision.Specialist != sess.ActiveSpecialist {
		if err := s.sessions.SetActiveSpecialist(persist, sess.ID, decision.Specialist, decision.Method); err != nil {
			t.failErr(err)
			return
		}
		sess.ActiveSpecialist = decision.Specialist
	}

	agentMsg := &domain.Message{
		SessionID:    sess.ID,
		Role:         domain.RoleAgent,
		Content:      result.Reply.Text,
		SpecialistID: decision.Specialist,
	}
	if err := s.sessions.Append(persist, agentMsg); err != nil {
		t.failErr(err)
		return
	}
	finalID := agentMsg.ID

	executed, err := t.dispatch(persist, agentMsg, decision.Specialist, result.Reply.ToolCalls)
	if err != nil {
		t.failErr(err)
		return
	}

	if resumer, ok := result.Handler.(specialist.Resumer); ok && len(executed) > 0 && llmCtx.Err() == nil {
		follow, err := resumer.Resume(llmCtx, result.Turn, executed)
		if err != nil {
			logger.Warn().Err(err).Msg("resume after tool calls failed")
		} else if follow != nil && follow.Text != "" {
			msg := &domain.Message{SessionID: sess.ID, Role: domain.RoleAgent, Content: follow.Text, SpecialistID: decision.Specialist}
			if err := s.sessions.Append(persist, msg); err != nil {
				t.failErr(err)
				return
			}
			finalID = msg.ID
		}
	}

	if err := s.sessions.Touch(persist, sess.ID); err != nil {
		logger.Warn().Err(err).Msg("failed to record session activity")
	}

	s.metrics.Turn("ok", time.Since(t.started))
	t.emit(domain.StreamEvent{Type: domain.StreamDone, Payload: domain.DonePayload{
		SessionID:  sess.ID,
		MessageID:  finalID,
		Specialist: decision.Specialist,
		Routing:    decision,
	}})
}

type pendingCall struct {
	req     executor.Request
	outcome *executor.Outcome
}

// dispatch runs the turn's tool calls. Read-only calls run concurrently; side-effecting calls
// run one at a time in the order the specialist emitted them. It returns the calls that
// reached a terminal state.
func (t *turn) dispatch(ctx context.Context, msg *domain.Message, specialistID string, requests []specialist.ToolRequest) ([]domain.ToolCall, error) {
	s := t.svc
	calls := make([]*pendingCall, len(requests))
	var readOnly, sequential []*pendingCall
	for i, r := range requests {
		pc := &pendingCall{req: executor.Request{
			ID:         uuid.NewString(),
			SessionID:  msg.SessionID,
			MessageID:  msg.ID,
			Ordinal:    i,
			ToolName:   r.Name,
			Arguments:  r.Arguments,
			Specialist: specialistID,
		}}
		calls[i] = pc
		if tool, ok := s.registry.Get(r.Name); ok && tool.Definition().ReadOnly {
			readOnly = append(readOnly, pc)
		} else {
			sequential = append(sequential, pc)
		}
	}

	if len(readOnly) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, pc := range readOnly {
			t.toolStart(pc)
			g.Go(func() error {
				out, err := s.exec.Execute(gctx, pc.req)
				if err != nil {
					return err
				}
				pc.outcome = out
				t.toolFinished(out)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	for _, pc := range sequential {
		t.toolStart(pc)
		out, err := s.exec.Execute(ctx, pc.req)
		if err != nil {
			return nil, err
		}
		pc.outcome = out
		t.toolFinished(out)
	}

	var executed []domain.ToolCall
	for _, pc := range calls {
		if pc.outcome != nil && pc.outcome.ToolCall.Status.Terminal() {
			executed = append(executed, *pc.outcome.ToolCall)
		}
	}
	return executed, nil
}

func (t *turn) toolStart(pc *pendingCall) {
	t.emit(domain.StreamEvent{Type: domain.StreamToolStart, Payload: domain.ToolStartPayload{
		ToolCallID: pc.req.ID,
		ToolName:   pc.req.ToolName,
		Arguments:  pc.req.Arguments,
	}})
}

func (t *turn) toolFinished(out *executor.Outcome) {
	tc := out.ToolCall
	if out.Approval != nil {
		t.emit(domain.StreamEvent{Type: domain.StreamPendingApproval, Payload: domain.PendingApprovalPayload{
			ApprovalID: out.Approval.ID,
			ToolCallID: tc.ID,
			ToolName:   tc.ToolName,
			Arguments:  tc.Arguments,
		}})
		t.svc.publish(domain.PushEvent{
			Type:      domain.PushPendingApproval,
			SessionID: tc.SessionID,
			Data:      domain.PendingApproval{Approval: *out.Approval, ToolCall: *tc},
		})
		return
	}
	t.emit(domain.StreamEvent{Type: domain.StreamToolEnd, Payload: domain.ToolEndPayload{
		ToolCallID: tc.ID,
		ToolName:   tc.ToolName,
		Status:     tc.Status,
		Result:     tc.Result,
		Error:      tc.Error,
	}})
}

func (s *Service) auditRouting(ctx context.Context, sessionID string, d domain.RoutingDecision) {
	entry := &domain.AuditEntry{
		SessionID: sessionID,
		Kind:      domain.AuditRouting,
		Actor:     "router",
		Verdict:   string(d.Method),
		Outcome:   d.Specialist,
	}
	if err := s.audit.Record(ctx, entry, d); err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to audit routing decision")
	}
}
