package service

import (
	"context"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

// GetSession returns a session with its tool calls.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.SessionView, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	calls, err := s.store.ListToolCalls(ctx, sessionID)
	if err != nil {
		return nil, domain.Persistence("list tool calls", err)
	}
	return &domain.SessionView{Session: *sess, ToolCalls: calls}, nil
}

// ListMessages pages through a session's messages in sequence order. Ended sessions stay readable.
func (s *Service) ListMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) (*domain.ListMessagesResponse, error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	msgs, err := s.sessions.History(ctx, sessionID, afterSeq, limit+1)
	if err != nil {
		return nil, err
	}
	resp := &domain.ListMessagesResponse{Messages: msgs}
	if len(msgs) > limit {
		resp.Messages = msgs[:limit]
		resp.HasMore = true
	}
	if resp.Messages == nil {
		resp.Messages = []domain.Message{}
	}
	return resp, nil
}

// ListAudit returns the audit entries of a session after afterSeq.
func (s *Service) ListAudit(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.AuditEntry, error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	return s.audit.List(ctx, sessionID, afterSeq, limit)
}

// EndSession ends a session and cancels its in-flight LLM calls. Ending twice is not an error.
func (s *Service) EndSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, _, err := s.sessions.End(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Health checks the durable store.
func (s *Service) Health(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return domain.Persistence("ping", err)
	}
	return nil
}
