package domain

import (
	"encoding/json"
	"time"
)

// AuditEntry is an append-only record of a routing, tool or approval event.
type AuditEntry struct {
	SessionID  string          `json:"session_id"`
	Seq        int64           `json:"seq"`
	Kind       AuditKind       `json:"kind"`
	Actor      string          `json:"actor"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ApprovalID string          `json:"approval_id,omitempty"`
	Verdict    string          `json:"verdict,omitempty"`
	Outcome    string          `json:"outcome"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
