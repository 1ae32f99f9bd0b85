package llm

import (
	"strings"
	"testing"

	"github.com/nulzo/relay/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcdefg"))
}

func TestPreflightContextWindow(t *testing.T) {
	cfg := domain.ProviderConfig{
		Name: "p",
		Models: map[string]domain.ModelConfig{
			"m": {ContextWindow: 1000},
		},
	}

	req := &domain.CompletionRequest{
		Model:     "m",
		MaxTokens: 900,
		Messages:  []domain.Message{{Role: "user", Content: strings.Repeat("x", 1000)}},
	}
	err := Preflight(cfg, req)
	require.Error(t, err)
	assert.Equal(t, domain.CodeContextTooLarge, domain.CodeOf(err))

	req.MaxTokens = 100
	assert.NoError(t, Preflight(cfg, req))
}

func TestPreflightUnknownModelUsesDefaults(t *testing.T) {
	cfg := domain.ProviderConfig{Name: "p"}
	req := &domain.CompletionRequest{
		Model:     "anything",
		MaxTokens: 100,
		Messages:  []domain.Message{{Role: "user", Content: "hi"}},
	}
	assert.NoError(t, Preflight(cfg, req))
}

func TestPreflightToolsCapability(t *testing.T) {
	cfg := domain.ProviderConfig{
		Name: "p",
		Models: map[string]domain.ModelConfig{
			"plain": {Capabilities: []string{"text"}, ContextWindow: 1000},
		},
	}
	req := &domain.CompletionRequest{
		Model:     "plain",
		MaxTokens: 10,
		Tools:     []domain.Tool{{Type: "function", Function: domain.ToolFunction{Name: "f"}}},
	}
	err := Preflight(cfg, req)
	require.Error(t, err)
	assert.Equal(t, domain.CodeUnsupportedFeature, domain.CodeOf(err))
}
