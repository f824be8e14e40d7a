package domain

import (
	"encoding/json"
	"time"
)

// ToolCall represents a single tool invocation requested by a specialist.
type ToolCall struct {
	ID                   string          `json:"id"`
	MessageID            string          `json:"message_id"`
	SessionID            string          `json:"session_id"`
	Ordinal              int             `json:"ordinal"`
	ToolName             string          `json:"tool_name"`
	Arguments            json.RawMessage `json:"arguments,omitempty"`
	RequestingSpecialist string          `json:"requesting_specialist"`
	PolicyVerdict        PolicyClass     `json:"policy_verdict,omitempty"`
	Status               ToolCallStatus  `json:"status"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                *ToolError      `json:"error,omitempty"`
	IdempotencyKey       string          `json:"idempotency_key"`
	Attempts             int             `json:"attempts"`
	CreatedAt            time.Time       `json:"created_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
}

// ToolError is the structured error stored on a failed or rejected tool call.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolDescriptor is the public description of a registered tool.
type ToolDescriptor struct {
	Name                string          `json:"name"`
	Description         string          `json:"description"`
	InputSchema         json.RawMessage `json:"input_schema"`
	PolicyClass         PolicyClass     `json:"policy_class"`
	ReadOnly            bool            `json:"read_only"`
	SupportsIdempotency bool            `json:"supports_idempotency"`
}
