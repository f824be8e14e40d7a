// Package domain defines the core domain models for the customer-success agent engine.
package domain

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusIdle   SessionStatus = "idle"
	SessionStatusEnded  SessionStatus = "ended"
)

// MessageRole identifies who authored a message.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
)

// PolicyClass is the approval class of a tool.
type PolicyClass string

const (
	PolicyAutoApprove     PolicyClass = "auto-approve"
	PolicyRequireApproval PolicyClass = "require-approval"
	PolicyNeverApprove    PolicyClass = "never-approve"
)

// Valid reports whether c is one of the known classes.
func (c PolicyClass) Valid() bool {
	switch c {
	case PolicyAutoApprove, PolicyRequireApproval, PolicyNeverApprove:
		return true
	}
	return false
}

// ToolCallStatus represents the status of a tool call.
type ToolCallStatus string

const (
	ToolCallStatusRunning         ToolCallStatus = "running"
	ToolCallStatusExecuted        ToolCallStatus = "executed"
	ToolCallStatusPendingApproval ToolCallStatus = "pending_approval"
	ToolCallStatusRejected        ToolCallStatus = "rejected"
	ToolCallStatusFailed          ToolCallStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s ToolCallStatus) Terminal() bool {
	switch s {
	case ToolCallStatusExecuted, ToolCallStatusRejected, ToolCallStatusFailed:
		return true
	}
	return false
}

// ApprovalStatus represents the status of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusExecuted ApprovalStatus = "executed"
	ApprovalStatusFailed   ApprovalStatus = "failed"
)

// Resolved reports whether a human decision has been recorded.
func (s ApprovalStatus) Resolved() bool {
	return s != ApprovalStatusPending
}

// RoutingMethod names the router tier that produced a decision.
type RoutingMethod string

const (
	RoutingFollowUp    RoutingMethod = "follow-up"
	RoutingKeyword     RoutingMethod = "keyword"
	RoutingContextRule RoutingMethod = "context-rule"
	RoutingLLMFallback RoutingMethod = "llm-fallback"
	RoutingHandoff     RoutingMethod = "handoff"
)

// AuditKind classifies audit log entries.
type AuditKind string

const (
	AuditRouting            AuditKind = "routing"
	AuditToolInvocation     AuditKind = "tool_invocation"
	AuditApprovalTransition AuditKind = "approval_transition"
	AuditHandoff            AuditKind = "handoff"
	AuditSession            AuditKind = "session"
)

// StreamEventType is the type of an event on the chat stream.
type StreamEventType string

const (
	StreamToken           StreamEventType = "token"
	StreamToolStart       StreamEventType = "tool_start"
	StreamToolEnd         StreamEventType = "tool_end"
	StreamPendingApproval StreamEventType = "pending_approval"
	StreamDone            StreamEventType = "done"
	StreamError           StreamEventType = "error"
)
