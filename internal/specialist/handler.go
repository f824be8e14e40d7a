// Package specialist runs specialist handlers for a routed turn.
package specialist

import (
	"context"
	"encoding/json"

	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/tools"
)

// HandoffTool is the pseudo-tool a handler calls to transfer the turn to another specialist.
const HandoffTool = "handoff"

// Turn is everything a handler sees for one user message.
type Turn struct {
	Session         *domain.Session
	Specialist      domain.SpecialistDefinition
	Message         string
	History         []domain.Message
	CustomerContext domain.CustomerContext
	// Tools is the registry subset the specialist may call.
	Tools []tools.Definition
	// Emit streams agent text to the caller. It may be nil.
	Emit func(text string) error
}

// ToolRequest is a tool call a handler wants to make.
type ToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Reply is a handler's answer to a turn.
type Reply struct {
	Text      string
	ToolCalls []ToolRequest
}

// Handler answers a turn.
type Handler interface {
	HandleTurn(ctx context.Context, turn *Turn) (*Reply, error)
}

// Resumer produces a follow-up reply once the turn's tool calls have run.
type Resumer interface {
	Resume(ctx context.Context, turn *Turn, executed []domain.ToolCall) (*Reply, error)
}

// Acknowledger writes the user-facing note after an approval is rejected or completed.
type Acknowledger interface {
	Acknowledge(ctx context.Context, session *domain.Session, toolCall *domain.ToolCall, approval *domain.ApprovalRequest) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, turn *Turn) (*Reply, error)

func (f HandlerFunc) HandleTurn(ctx context.Context, turn *Turn) (*Reply, error) {
	return f(ctx, turn)
}

type handoffArgs struct {
	Specialist string `json:"specialist"`
	Reason     string `json:"reason"`
}
