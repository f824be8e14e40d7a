package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// MockClient is a scripted LLM for local runs and tests.
// Queued replies are returned first; afterwards it answers with simple heuristics.
type MockClient struct {
	mu       sync.Mutex
	script   []scripted
	requests []ChatRequest
}

type scripted struct {
	resp *ChatResponse
	err  error
}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Ensure MockClient implements Client interface.
var _ Client = (*MockClient)(nil)

// Enqueue schedules replies returned by the next calls, in order.
func (m *MockClient) Enqueue(resps ...*ChatResponse) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range resps {
		m.script = append(m.script, scripted{resp: r})
	}
	return m
}

// EnqueueError makes the next call fail with err.
func (m *MockClient) EnqueueError(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, scripted{err: err})
	return m
}

// Requests returns every request received so far.
func (m *MockClient) Requests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.requests...)
}

// Complete returns the next scripted reply or a generated one.
func (m *MockClient) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.next(req)
}

// Stream simulates a streaming response by sending the content in chunks.
func (m *MockClient) Stream(ctx context.Context, req *ChatRequest, onDelta DeltaFunc) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if onDelta != nil && resp.Content != "" {
		for _, chunk := range splitIntoChunks(resp.Content, 16) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			if err := onDelta(chunk); err != nil {
				return nil, err
			}
		}
	}
	return resp, nil
}

func (m *MockClient) next(req *ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, *req)
	var item *scripted
	if len(m.script) > 0 {
		item = &m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if item != nil {
		if item.err != nil {
			return nil, item.err
		}
		c := *item.resp
		return &c, nil
	}
	resp := generateMockResponse(req)
	resp.Usage = Usage{PromptTokens: estimateTokens(req), CompletionTokens: int64(len(resp.Content) / 4)}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	return resp, nil
}

var (
	emailPattern    = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	customerPattern = regexp.MustCompile(`(?m)^Customer: (\S+)`)
)

// generateMockResponse picks a tool when the message makes the intent obvious, otherwise echoes.
func generateMockResponse(req *ChatRequest) *ChatResponse {
	lastUser := lastMessage(req, RoleUser)
	lower := strings.ToLower(lastUser)
	customer := ""
	if m := customerPattern.FindStringSubmatch(lastMessage(req, RoleSystem)); m != nil {
		customer = m[1]
	}

	if addr := emailPattern.FindString(lastUser); addr != "" && hasTool(req, "email.send") {
		args, _ := json.Marshal(map[string]string{
			"to":      addr,
			"subject": "Follow-up",
			"body":    lastUser,
		})
		return &ChatResponse{
			Content:   fmt.Sprintf("[MOCK] Drafting an email to %s.", addr),
			ToolCalls: []ToolCall{{ID: "mock-call-1", Name: "email.send", Arguments: args}},
		}
	}
	if customer != "" && strings.Contains(lower, "health") && hasTool(req, "health.score") {
		args, _ := json.Marshal(map[string]string{"customer_id": customer})
		return &ChatResponse{
			Content:   fmt.Sprintf("[MOCK] Checking the health score of %s.", customer),
			ToolCalls: []ToolCall{{ID: "mock-call-1", Name: "health.score", Arguments: args}},
		}
	}

	if lastUser == "" {
		return &ChatResponse{Content: "[MOCK] This is a mock response from the LLM client."}
	}
	return &ChatResponse{Content: fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(lastUser, 100))}
}

func lastMessage(req *ChatRequest, role string) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == role {
			return req.Messages[i].Content
		}
	}
	return ""
}

func hasTool(req *ChatRequest, name string) bool {
	for _, t := range req.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// estimateTokens provides a rough token count estimate.
func estimateTokens(req *ChatRequest) int64 {
	var total int64
	for _, msg := range req.Messages {
		total += int64(len(msg.Content) / 4)
	}
	return total
}

// splitIntoChunks splits a string into chunks of approximately the given size.
func splitIntoChunks(s string, chunkSize int) []string {
	var chunks []string
	for i := 0; i < len(s); i += chunkSize {
		end := i + chunkSize
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[i:end])
	}
	return chunks
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
