package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/csagent/internal/adapter/llm"
	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/logging"
	"github.com/xiaot623/gogo/csagent/internal/metrics"
)

// LLMHandler answers turns with one streamed LLM call that may emit tool calls.
type LLMHandler struct {
	client  llm.Client
	peers   func() []domain.SpecialistDefinition
	metrics *metrics.Metrics
	log     *logging.Logger
}

var (
	_ Handler      = (*LLMHandler)(nil)
	_ Resumer      = (*LLMHandler)(nil)
	_ Acknowledger = (*LLMHandler)(nil)
)

// NewLLMHandler creates the default handler. peers lists the specialists offered as handoff targets.
func NewLLMHandler(client llm.Client, peers func() []domain.SpecialistDefinition, m *metrics.Metrics, logger *logging.Logger) *LLMHandler {
	return &LLMHandler{client: client, peers: peers, metrics: m, log: logger.Sub("llm_handler")}
}

func (h *LLMHandler) HandleTurn(ctx context.Context, turn *Turn) (*Reply, error) {
	req := &llm.ChatRequest{Messages: h.prompt(turn)}
	req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: turn.Message})
	for _, def := range turn.Tools {
		req.Tools = append(req.Tools, llm.ToolSpec{Name: def.Name, Description: def.Description, Parameters: def.InputSchema})
	}
	if spec, ok := h.handoffSpec(turn.Specialist.ID); ok {
		req.Tools = append(req.Tools, spec)
	}

	resp, err := h.client.Stream(ctx, req, turn.Emit)
	if err != nil {
		h.metrics.LLMCall("turn", "error")
		return nil, fmt.Errorf("llm turn: %w", err)
	}
	h.metrics.LLMCall("turn", "ok")
	h.log.Debug().
		Str("session_id", turn.Session.ID).
		Str("specialist", turn.Specialist.ID).
		Int("tool_calls", len(resp.ToolCalls)).
		Int64("total_tokens", resp.Usage.TotalTokens).
		Msg("llm turn complete")

	reply := &Reply{Text: resp.Content}
	for _, tc := range resp.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, ToolRequest{Name: tc.Name, Arguments: tc.Arguments})
	}
	return reply, nil
}

// Resume summarizes the executed tool calls in a second, tool-free LLM call.
func (h *LLMHandler) Resume(ctx context.Context, turn *Turn, executed []domain.ToolCall) (*Reply, error) {
	var b strings.Builder
	b.WriteString("Tool results for the user's last request:\n")
	for _, tc := range executed {
		switch {
		case tc.Status == domain.ToolCallStatusExecuted:
			fmt.Fprintf(&b, "- %s: %s\n", tc.ToolName, tc.Result)
		case tc.Error != nil:
			fmt.Fprintf(&b, "- %s: %s (%s)\n", tc.ToolName, tc.Status, tc.Error.Message)
		default:
			fmt.Fprintf(&b, "- %s: %s\n", tc.ToolName, tc.Status)
		}
	}
	b.WriteString("Answer the user using these results.")

	req := &llm.ChatRequest{Messages: h.prompt(turn)}
	req.Messages = append(req.Messages,
		llm.Message{Role: llm.RoleUser, Content: turn.Message},
		llm.Message{Role: llm.RoleSystem, Content: b.String()},
	)
	resp, err := h.client.Stream(ctx, req, turn.Emit)
	if err != nil {
		h.metrics.LLMCall("resume", "error")
		return nil, fmt.Errorf("llm resume: %w", err)
	}
	h.metrics.LLMCall("resume", "ok")
	return &Reply{Text: resp.Content}, nil
}

// Acknowledge describes the outcome of an approval without calling the model.
func (h *LLMHandler) Acknowledge(_ context.Context, _ *domain.Session, tc *domain.ToolCall, approval *domain.ApprovalRequest) (string, error) {
	return AcknowledgementText(tc, approval), nil
}

// AcknowledgementText is the default note recorded after an approval decision.
func AcknowledgementText(tc *domain.ToolCall, approval *domain.ApprovalRequest) string {
	by := approval.ResolvedBy
	if by == "" {
		by = "an operator"
	}
	switch approval.Status {
	case domain.ApprovalStatusRejected:
		if approval.ResolutionComment != "" {
			return fmt.Sprintf("The %s request was rejected by %s: %s", tc.ToolName, by, approval.ResolutionComment)
		}
		return fmt.Sprintf("The %s request was rejected by %s. Nothing was sent.", tc.ToolName, by)
	case domain.ApprovalStatusExecuted:
		return fmt.Sprintf("Approved by %s: %s completed.", by, tc.ToolName)
	default:
		msg := string(tc.Status)
		if tc.Error != nil {
			msg = tc.Error.Message
		}
		return fmt.Sprintf("Approved by %s, but %s failed: %s", by, tc.ToolName, msg)
	}
}

func (h *LLMHandler) prompt(turn *Turn) []llm.Message {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are the %s specialist of a customer-success assistant. %s\n", turn.Specialist.ID, turn.Specialist.Description)
	if turn.Specialist.Instructions != "" {
		sys.WriteString(turn.Specialist.Instructions + "\n")
	}
	if turn.Session.CustomerID != "" {
		fmt.Fprintf(&sys, "Customer: %s\n", turn.Session.CustomerID)
	}
	if len(turn.CustomerContext) > 0 {
		if data, err := json.Marshal(turn.CustomerContext); err == nil {
			fmt.Fprintf(&sys, "Customer context: %s\n", data)
		}
	}
	sys.WriteString("Consequential actions may need human approval; say so when you request them.")

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: sys.String()}}
	for _, m := range turn.History {
		role := llm.RoleUser
		switch m.Role {
		case domain.RoleAgent:
			role = llm.RoleAssistant
		case domain.RoleSystem:
			role = llm.RoleSystem
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	return msgs
}

func (h *LLMHandler) handoffSpec(current string) (llm.ToolSpec, bool) {
	if h.peers == nil {
		return llm.ToolSpec{}, false
	}
	var ids []string
	var desc strings.Builder
	desc.WriteString("Transfer the conversation to a better suited specialist:")
	for _, p := range h.peers() {
		if p.ID == current {
			continue
		}
		ids = append(ids, p.ID)
		fmt.Fprintf(&desc, " %s (%s);", p.ID, p.Description)
	}
	if len(ids) == 0 {
		return llm.ToolSpec{}, false
	}
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"specialist": map[string]any{"type": "string", "enum": ids},
			"reason":     map[string]any{"type": "string"},
		},
		"required": []string{"specialist"},
	})
	return llm.ToolSpec{Name: HandoffTool, Description: desc.String(), Parameters: schema}, true
}
