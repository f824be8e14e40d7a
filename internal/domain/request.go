package domain

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	SessionID       string          `json:"session_id,omitempty"`
	CustomerID      string          `json:"customer_id,omitempty"`
	Message         string          `json:"message"`
	CustomerContext CustomerContext `json:"customer_context,omitempty"`
	// UserID is filled by the transport from the authenticated principal.
	UserID string `json:"-"`
}

// ApprovalDecisionRequest is the body of the approve and reject endpoints.
type ApprovalDecisionRequest struct {
	ResolvedBy string `json:"resolved_by,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

// ListMessagesResponse is returned by GET /v1/sessions/:session_id/messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// SessionView is returned by GET /v1/sessions/:session_id.
type SessionView struct {
	Session   Session    `json:"session"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ErrorResponse is the JSON error body used by every endpoint.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}
