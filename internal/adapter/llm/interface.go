// Package llm provides an abstraction for LLM chat clients.
package llm

import (
	"context"
	"encoding/json"
)

// Role of a chat message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the prompt.
type Message struct {
	Role    string
	Content string
}

// ToolSpec exposes a callable function to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model    string
	Messages []Message
	Tools    []ToolSpec
}

// ToolCall is a function call emitted by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Usage is token accounting for one call.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// ChatResponse is the assembled reply.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// DeltaFunc receives streamed text. Returning an error aborts the stream.
type DeltaFunc func(text string) error

// Client defines the operations the engine needs from an LLM backend.
type Client interface {
	// Complete sends a non-streaming chat completion request.
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream sends a streaming request, calling onDelta for each text chunk,
	// and returns the assembled reply including tool calls.
	Stream(ctx context.Context, req *ChatRequest, onDelta DeltaFunc) (*ChatResponse, error)
}

// Ensure OpenAIClient implements Client interface.
var _ Client = (*OpenAIClient)(nil)
