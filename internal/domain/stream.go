package domain

import "encoding/json"

// StreamEvent is one event on the chat response stream.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Payload any             `json:"payload,omitempty"`
}

// TokenPayload carries a chunk of agent text.
type TokenPayload struct {
	Text string `json:"text"`
}

// ToolStartPayload announces a tool call about to be dispatched.
type ToolStartPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

// ToolEndPayload reports the outcome of a dispatched tool call.
type ToolEndPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Status     ToolCallStatus  `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ToolError      `json:"error,omitempty"`
}

// PendingApprovalPayload tells the operator a tool call awaits a decision.
type PendingApprovalPayload struct {
	ApprovalID string          `json:"approval_id"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

// DonePayload closes a turn.
type DonePayload struct {
	SessionID  string          `json:"session_id"`
	MessageID  string          `json:"message_id"`
	Specialist string          `json:"specialist"`
	Routing    RoutingDecision `json:"routing"`
}

// ErrorPayload reports a turn-level failure.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// PushEvent is sent over the websocket hub to operators.
type PushEvent struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	SessionID string `json:"session_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Push event types.
const (
	PushPendingApproval  = "pending_approval"
	PushApprovalResolved = "approval_resolved"
	PushSessionEnded     = "session_ended"
	PushAgentMessage     = "agent_message"
)
