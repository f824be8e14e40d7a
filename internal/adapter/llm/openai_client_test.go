package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIClientComplete(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "Sending it now.",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "email__send", "arguments": "{\"to\":\"finance@acme.com\"}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL, "test-key", "gpt-4o-mini", 5*time.Second)
	resp, err := client.Complete(context.Background(), &ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "email finance"},
		},
		Tools: []ToolSpec{{
			Name:        "email.send",
			Description: "Send an email",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"to":{"type":"string"}}}`),
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Sending it now.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "email.send", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"to":"finance@acme.com"}`, string(resp.ToolCalls[0].Arguments))
	assert.Equal(t, int64(17), resp.Usage.TotalTokens)

	assert.Equal(t, "gpt-4o-mini", body["model"])
	tools, ok := body["tools"].([]any)
	require.True(t, ok)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "email__send", fn["name"])
}

func TestOpenAIClientCompleteError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL, "k", "m", time.Second)
	_, err := client.Complete(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	assert.Error(t, err)
}
