package service

import (
	"context"

	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/specialist"
)

// Approve grants a pending approval and runs its tool call.
func (s *Service) Approve(ctx context.Context, approvalID, resolvedBy, comment string) (*domain.Resolution, error) {
	return s.approvals.Approve(ctx, approvalID, resolvedBy, comment)
}

// Reject refuses a pending approval.
func (s *Service) Reject(ctx context.Context, approvalID, resolvedBy, comment string) (*domain.Resolution, error) {
	return s.approvals.Reject(ctx, approvalID, resolvedBy, comment)
}

// GetApproval returns an approval request with the tool call it gates.
func (s *Service) GetApproval(ctx context.Context, approvalID string) (*domain.PendingApproval, error) {
	return s.approvals.Get(ctx, approvalID)
}

// ListPendingApprovals lists pending approvals of one session, or of all sessions when sessionID is empty.
func (s *Service) ListPendingApprovals(ctx context.Context, sessionID string) ([]domain.PendingApproval, error) {
	return s.approvals.ListPending(ctx, sessionID)
}

// ApprovalResolved records the owning specialist's acknowledgement in the conversation and
// pushes the outcome to operators. It runs for sessions that have ended as well.
func (s *Service) ApprovalResolved(ctx context.Context, res *domain.Resolution) {
	ap := res.Approval
	logger := s.log.With("session_id", ap.SessionID).With("approval_id", ap.ID)

	s.publish(domain.PushEvent{Type: domain.PushApprovalResolved, SessionID: ap.SessionID, Data: res})

	tc := res.ToolCall
	if tc == nil {
		return
	}
	text := specialist.AcknowledgementText(tc, &ap)
	if ack, ok := s.runner.HandlerFor(tc.RequestingSpecialist).(specialist.Acknowledger); ok {
		sess, err := s.store.GetSession(ctx, ap.SessionID)
		if err != nil || sess == nil {
			sess = &domain.Session{ID: ap.SessionID}
		}
		if custom, err := ack.Acknowledge(ctx, sess, tc, &ap); err != nil {
			logger.Warn().Err(err).Msg("acknowledgement failed, using default text")
		} else if custom != "" {
			text = custom
		}
	}

	msg := &domain.Message{
		SessionID:    ap.SessionID,
		Role:         domain.RoleAgent,
		Content:      text,
		SpecialistID: tc.RequestingSpecialist,
	}
	if err := s.sessions.Append(ctx, msg); err != nil {
		logger.Error().Err(err).Msg("failed to record approval acknowledgement")
		return
	}
	s.publish(domain.PushEvent{Type: domain.PushAgentMessage, SessionID: ap.SessionID, Data: msg})
}
