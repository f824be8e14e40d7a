// Package repository persists sessions, messages, tool calls, approvals and the audit log.
package repository

import (
	"context"
	"time"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

// Store is the durable system of record.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	FindActiveSession(ctx context.Context, userID, customerID string) (*domain.Session, error)
	TouchSession(ctx context.Context, sessionID string, lastActivity, expiresAt time.Time) (bool, error)
	SetActiveSpecialist(ctx context.Context, sessionID, specialist string, method domain.RoutingMethod, at time.Time) error
	EndSession(ctx context.Context, sessionID string, at time.Time) (bool, error)
	MarkIdleSessions(ctx context.Context, inactiveSince time.Time) (int64, error)
	EndExpiredSessions(ctx context.Context, now time.Time) ([]string, error)

	// Messages
	AppendMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	ListMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.Message, error)

	// Tool calls
	CreateToolCall(ctx context.Context, tc *domain.ToolCall) error
	CreateToolCallWithApproval(ctx context.Context, tc *domain.ToolCall, approval *domain.ApprovalRequest) error
	GetToolCall(ctx context.Context, toolCallID string) (*domain.ToolCall, error)
	UpdateToolCall(ctx context.Context, tc *domain.ToolCall, from ...domain.ToolCallStatus) (bool, error)
	ListToolCalls(ctx context.Context, sessionID string) ([]domain.ToolCall, error)
	ListRunningToolCalls(ctx context.Context, startedBefore time.Time, limit int) ([]domain.ToolCall, error)

	// Approvals
	GetApproval(ctx context.Context, approvalID string) (*domain.ApprovalRequest, error)
	ResolveApproval(ctx context.Context, approvalID string, status domain.ApprovalStatus, resolvedBy, comment string, at time.Time) (bool, error)
	CompleteApproval(ctx context.Context, approvalID string, status domain.ApprovalStatus, at time.Time) (bool, error)
	ListPendingApprovals(ctx context.Context, sessionID string) ([]domain.PendingApproval, error)
	ListStalledApprovals(ctx context.Context, resolvedBefore time.Time, limit int) ([]domain.PendingApproval, error)

	// Audit
	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error
	ListAudit(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.AuditEntry, error)

	Ping(ctx context.Context) error
	Close() error
}

// Ensure SQLStore implements Store interface.
var _ Store = (*SQLStore)(nil)
