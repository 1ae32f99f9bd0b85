package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulzo/relay/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(endpoint string) domain.ProviderConfig {
	return domain.ProviderConfig{
		Name:     "anthropic",
		Type:     "anthropic",
		Endpoint: endpoint,
		Auth:     domain.PlainSecret("test-key"),
		Models: map[string]domain.ModelConfig{
			"claude-sonnet": {
				Capabilities:  []string{"tools", "thinking"},
				ContextWindow: 200000,
			},
		},
	}
}

func basicRequest() *domain.CompletionRequest {
	return &domain.CompletionRequest{
		Model:     "claude-sonnet",
		MaxTokens: 1024,
		Messages: []domain.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
	}
}

func TestCompleteTranslatesRequest(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "claude-sonnet-4",
			"content": []map[string]any{{"type": "text", "text": "hi"}},
			"usage":   map[string]any{"input_tokens": 9, "output_tokens": 2},
		})
	}))
	defer server.Close()

	adapter, err := NewAdapter(testConfig(server.URL))
	require.NoError(t, err)

	result, err := adapter.Complete(context.Background(), basicRequest())
	require.NoError(t, err)

	// System messages are lifted out of the message list.
	assert.Equal(t, "be brief", captured["system"])
	messages := captured["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].(map[string]any)["role"])
	assert.EqualValues(t, 1024, captured["max_tokens"])

	assert.Equal(t, "hi", result.Content)
	assert.Equal(t, domain.UsageActual, result.Usage.Source)
	assert.Equal(t, 9, result.Usage.InputTokens)
}

func TestCompleteNormalizesContentBlocks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "thinking", "thinking": "considering..."},
				{"type": "text", "text": "the answer "},
				{"type": "text", "text": "is 4"},
				{"type": "tool_use", "id": "toolu_1", "name": "calc", "input": map[string]any{"expr": "2+2"}},
			},
			"usage": map[string]any{"input_tokens": 5, "output_tokens": 7},
		})
	}))
	defer server.Close()

	adapter, err := NewAdapter(testConfig(server.URL))
	require.NoError(t, err)

	result, err := adapter.Complete(context.Background(), basicRequest())
	require.NoError(t, err)

	assert.Equal(t, "the answer is 4", result.Content)
	require.NotNil(t, result.Thinking)
	assert.Equal(t, "considering...", *result.Thinking)

	require.Len(t, result.ToolCalls, 1)
	call := result.ToolCalls[0]
	assert.Equal(t, "toolu_1", call.ID)
	assert.Equal(t, "function", call.Type)
	assert.Equal(t, "calc", call.Function.Name)
	assert.JSONEq(t, `{"expr":"2+2"}`, call.Function.Arguments)
}

func TestCompleteTranslatesToolsAndChoice(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "ok"}},
		})
	}))
	defer server.Close()

	adapter, err := NewAdapter(testConfig(server.URL))
	require.NoError(t, err)

	req := basicRequest()
	req.ToolChoice = "required"
	req.Tools = []domain.Tool{{
		Type: "function",
		Function: domain.ToolFunction{
			Name:        "calc",
			Description: "evaluate arithmetic",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{"expr": map[string]any{"type": "string"}}},
		},
	}}

	_, err = adapter.Complete(context.Background(), req)
	require.NoError(t, err)

	tools := captured["tools"].([]any)
	require.Len(t, tools, 1)
	tool := tools[0].(map[string]any)
	assert.Equal(t, "calc", tool["name"])
	assert.NotNil(t, tool["input_schema"])
	_, hasFunction := tool["function"]
	assert.False(t, hasFunction)

	choice := captured["tool_choice"].(map[string]any)
	assert.Equal(t, "any", choice["type"])
}

func TestCompleteTranslatesToolResults(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "ok"}},
		})
	}))
	defer server.Close()

	adapter, err := NewAdapter(testConfig(server.URL))
	require.NoError(t, err)

	req := basicRequest()
	req.Messages = append(req.Messages, domain.Message{
		Role: "tool", Content: "4", ToolCallID: "toolu_1",
	})

	_, err = adapter.Complete(context.Background(), req)
	require.NoError(t, err)

	messages := captured["messages"].([]any)
	last := messages[len(messages)-1].(map[string]any)
	assert.Equal(t, "user", last["role"])
	blocks := last["content"].([]any)
	block := blocks[0].(map[string]any)
	assert.Equal(t, "tool_result", block["type"])
	assert.Equal(t, "toolu_1", block["tool_use_id"])
}

func TestCompleteDefaultsMaxTokens(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "ok"}},
		})
	}))
	defer server.Close()

	adapter, err := NewAdapter(testConfig(server.URL))
	require.NoError(t, err)

	req := basicRequest()
	req.MaxTokens = 0

	_, err = adapter.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.EqualValues(t, defaultMaxTokens, captured["max_tokens"])
}

func TestCompleteErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode string
	}{
		{"rate limited", http.StatusTooManyRequests, domain.CodeRateLimited},
		{"overloaded", 529, domain.CodeProviderUnavailable},
		{"bad request", http.StatusBadRequest, domain.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"message": "nope"},
				})
			}))
			defer server.Close()

			adapter, err := NewAdapter(testConfig(server.URL))
			require.NoError(t, err)

			_, err = adapter.Complete(context.Background(), basicRequest())
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, domain.CodeOf(err))
		})
	}
}
