package domain

import "time"

// ApprovalRequest gates a require-approval tool call behind a human decision.
type ApprovalRequest struct {
	ID                string         `json:"id"`
	ToolCallID        string         `json:"tool_call_id"`
	SessionID         string         `json:"session_id"`
	Status            ApprovalStatus `json:"status"`
	ResolvedBy        string         `json:"resolved_by,omitempty"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	ResolutionComment string         `json:"resolution_comment,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// PendingApproval joins an approval request with the tool call it gates.
type PendingApproval struct {
	Approval ApprovalRequest `json:"approval"`
	ToolCall ToolCall        `json:"tool_call"`
}

// Resolution is the outcome of an approve or reject call.
type Resolution struct {
	Approval ApprovalRequest `json:"approval"`
	ToolCall *ToolCall       `json:"tool_call,omitempty"`
	// Replayed is true when the request had already been resolved and nothing changed.
	Replayed bool `json:"replayed"`
}
