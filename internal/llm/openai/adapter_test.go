package openai

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
		Name:     "openai",
		Type:     "openai",
		Endpoint: endpoint,
		Auth:     domain.PlainSecret("test-key"),
		Models: map[string]domain.ModelConfig{
			"gpt-4o": {
				Capabilities:  []string{"tools"},
				ContextWindow: 128000,
			},
			"o3": {
				Capabilities:  []string{"tools", "thinking"},
				ContextWindow: 200000,
				TokenParam:    "max_completion_tokens",
			},
		},
	}
}

func basicRequest(model string) *domain.CompletionRequest {
	return &domain.CompletionRequest{
		Model:     model,
		MaxTokens: 1024,
		Messages: []domain.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
	}
}

func TestCompleteSuccess(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o-2024",
			"choices": []map[string]any{
				{"message": map[string]any{"content": "hi there"}},
			},
			"usage": map[string]any{
				"prompt_tokens":     12,
				"completion_tokens": 3,
				"completion_tokens_details": map[string]any{
					"reasoning_tokens": 0,
				},
			},
		})
	}))
	defer server.Close()

	adapter, err := NewAdapter(testConfig(server.URL))
	require.NoError(t, err)

	result, err := adapter.Complete(context.Background(), basicRequest("gpt-4o"))
	require.NoError(t, err)

	assert.Equal(t, "hi there", result.Content)
	assert.Equal(t, "gpt-4o-2024", result.Model)
	assert.Equal(t, "openai", result.Provider)
	assert.Nil(t, result.Thinking)
	assert.Equal(t, domain.UsageActual, result.Usage.Source)
	assert.Equal(t, 12, result.Usage.InputTokens)
	assert.Equal(t, 3, result.Usage.OutputTokens)

	assert.EqualValues(t, 1024, captured["max_tokens"])
	_, hasCompletionParam := captured["max_completion_tokens"]
	assert.False(t, hasCompletionParam)
}

func TestCompleteUsesConfiguredTokenParam(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
		})
	}))
	defer server.Close()

	adapter, err := NewAdapter(testConfig(server.URL))
	require.NoError(t, err)

	_, err = adapter.Complete(context.Background(), basicRequest("o3"))
	require.NoError(t, err)

	assert.EqualValues(t, 1024, captured["max_completion_tokens"])
	_, hasMaxTokens := captured["max_tokens"]
	assert.False(t, hasMaxTokens)
}

func TestCompleteMissingUsageFallsBackToEstimate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "estimated reply"}}},
		})
	}))
	defer server.Close()

	adapter, err := NewAdapter(testConfig(server.URL))
	require.NoError(t, err)

	result, err := adapter.Complete(context.Background(), basicRequest("gpt-4o"))
	require.NoError(t, err)

	assert.Equal(t, domain.UsageEstimated, result.Usage.Source)
	assert.Greater(t, result.Usage.InputTokens, 0)
	assert.Greater(t, result.Usage.OutputTokens, 0)
}

func TestCompleteToolCallsPassThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": "",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "get_weather",
							"arguments": `{"city":"Oslo"}`,
						},
					}},
				},
			}},
		})
	}))
	defer server.Close()

	adapter, err := NewAdapter(testConfig(server.URL))
	require.NoError(t, err)

	result, err := adapter.Complete(context.Background(), basicRequest("gpt-4o"))
	require.NoError(t, err)

	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "call_1", result.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", result.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, result.ToolCalls[0].Function.Arguments)
}

func TestCompleteErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  string
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, domain.CodeRateLimited, true},
		{"server error", http.StatusInternalServerError, domain.CodeProviderUnavailable, true},
		{"bad request", http.StatusBadRequest, domain.CodeInvalidInput, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"message": "upstream says no"},
				})
			}))
			defer server.Close()

			adapter, err := NewAdapter(testConfig(server.URL))
			require.NoError(t, err)

			_, err = adapter.Complete(context.Background(), basicRequest("gpt-4o"))
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, domain.CodeOf(err))
			assert.Equal(t, tt.retryable, domain.IsRetryable(err))
		})
	}
}

func TestCompleteRejectsOversizedInput(t *testing.T) {
	adapter, err := NewAdapter(testConfig("http://unreachable.invalid"))
	require.NoError(t, err)

	req := basicRequest("gpt-4o")
	req.MaxTokens = 127999
	req.Messages = []domain.Message{{Role: "user", Content: string(make([]byte, 100000))}}

	_, err = adapter.Complete(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, domain.CodeContextTooLarge, domain.CodeOf(err))
}

func TestCompleteRejectsRequiredThinking(t *testing.T) {
	adapter, err := NewAdapter(testConfig("http://unreachable.invalid"))
	require.NoError(t, err)

	req := basicRequest("gpt-4o")
	req.Metadata = &domain.RequestMetadata{RequireThinking: true}

	_, err = adapter.Complete(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, domain.CodeUnsupportedFeature, domain.CodeOf(err))
}

func TestCompleteDeferredAuthFailureSurfacesProvider(t *testing.T) {
	cfg := testConfig("http://unreachable.invalid")
	cfg.Auth = failingSecret{}
	adapter, err := NewAdapter(cfg)
	require.NoError(t, err)

	_, err = adapter.Complete(context.Background(), basicRequest("gpt-4o"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth unavailable")
}

type failingSecret struct{}

func (failingSecret) Value() (string, error) {
	return "", domain.ConfigError("auth unavailable")
}
func (failingSecret) Redacted() string { return domain.Redacted }
