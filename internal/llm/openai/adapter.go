package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nulzo/relay/internal/core/domain"
	"github.com/nulzo/relay/internal/httpclient"
	"github.com/nulzo/relay/internal/llm"
)

func init() {
	llm.Register("openai", NewAdapter)
	// OpenAI-compatible gateways speak the same wire format and differ
	// only by endpoint and auth.
	llm.Register("openai_compat", NewAdapter)
}

// Adapter speaks the OpenAI chat completions wire format.
type Adapter struct {
	config domain.ProviderConfig
	client httpclient.HTTPClient
}

func NewAdapter(cfg domain.ProviderConfig) (llm.Provider, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	return &Adapter{
		config: cfg,
		client: httpclient.NewClient(llm.TimeoutsFor(cfg)),
	}, nil
}

func (a *Adapter) Name() string { return a.config.Name }
func (a *Adapter) Type() string { return a.config.Type }

// wireRequest is the outbound chat completions payload. The max-output
// field name varies per model generation, so it is injected dynamically.
type wireRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	Temperature float64          `json:"temperature"`
	Tools       []domain.Tool    `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`

	MaxTokens           int `json:"max_tokens,omitempty"`
	MaxCompletionTokens int `json:"max_completion_tokens,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content   string            `json:"content"`
			ToolCalls []domain.ToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens            int `json:"prompt_tokens"`
		CompletionTokens        int `json:"completion_tokens"`
		CompletionTokensDetails struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage"`
	Model string `json:"model"`
}

func (a *Adapter) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResult, error) {
	if err := llm.Preflight(a.config, req); err != nil {
		return nil, err
	}

	auth, err := a.config.Auth.Value()
	if err != nil {
		return nil, err
	}
	headers := map[string]string{
		"Authorization": "Bearer " + auth,
	}

	model := a.config.ModelFor(req.Model)
	wire := wireRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
	}
	if model.TokenParam == "max_completion_tokens" {
		wire.MaxCompletionTokens = req.MaxTokens
	} else {
		wire.MaxTokens = req.MaxTokens
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(a.config.Endpoint, "/"))

	start := time.Now()
	var resp wireResponse
	if err := httpclient.SendRequest(ctx, a.client, http.MethodPost, url, headers, wire, &resp); err != nil {
		return nil, llm.ClassifyError(a.config.Name, err)
	}
	latency := time.Since(start).Milliseconds()

	if len(resp.Choices) == 0 {
		return nil, domain.ProviderUnavailableError(a.config.Name, "response contained no choices", nil)
	}
	choice := resp.Choices[0]

	result := &domain.CompletionResult{
		Content:   choice.Message.Content,
		ToolCalls: choice.Message.ToolCalls,
		Model:     resp.Model,
		Provider:  a.config.Name,
		LatencyMS: latency,
	}
	if result.Model == "" {
		result.Model = req.Model
	}

	if resp.Usage != nil {
		result.Usage = domain.Usage{
			InputTokens:     resp.Usage.PromptTokens,
			OutputTokens:    resp.Usage.CompletionTokens,
			ReasoningTokens: resp.Usage.CompletionTokensDetails.ReasoningTokens,
			Source:          domain.UsageActual,
		}
	} else {
		result.Usage = llm.EstimatedUsage(req, choice.Message.Content)
	}

	return result, nil
}

func (a *Adapter) Health(ctx context.Context) error {
	auth, err := a.config.Auth.Value()
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/models", strings.TrimRight(a.config.Endpoint, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+auth)

	resp, err := a.client.Do(req)
	if err != nil {
		return domain.ProviderUnavailableError(a.config.Name, "health check failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.ProviderUnavailableError(a.config.Name, fmt.Sprintf("health check failed with status: %d", resp.StatusCode), nil)
	}
	return nil
}
