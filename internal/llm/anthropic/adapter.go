package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nulzo/relay/internal/core/domain"
	"github.com/nulzo/relay/internal/httpclient"
	"github.com/nulzo/relay/internal/llm"
)

func init() {
	llm.Register("anthropic", NewAdapter)
}

const apiVersion = "2023-06-01"

// defaultMaxTokens applies when a request omits the output reservation;
// the messages API requires one.
const defaultMaxTokens = 4096

// Adapter speaks the Anthropic messages wire format and normalizes its
// content-block responses to the canonical result shape.
type Adapter struct {
	config domain.ProviderConfig
	client httpclient.HTTPClient
}

func NewAdapter(cfg domain.ProviderConfig) (llm.Provider, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com/v1"
	}
	return &Adapter{
		config: cfg,
		client: httpclient.NewClient(llm.TimeoutsFor(cfg)),
	}, nil
}

func (a *Adapter) Name() string { return a.config.Name }
func (a *Adapter) Type() string { return a.config.Type }

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type wireToolChoice struct {
	Type string `json:"type"`
}

type wireRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []wireMessage   `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	Tools       []wireTool      `json:"tools,omitempty"`
	ToolChoice  *wireToolChoice `json:"tool_choice,omitempty"`
}

type wireContentBlock struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Thinking string         `json:"thinking,omitempty"`
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}

type wireResponse struct {
	Content    []wireContentBlock `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
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
		"x-api-key":         auth,
		"anthropic-version": apiVersion,
	}

	wire, err := translateRequest(req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", strings.TrimRight(a.config.Endpoint, "/"))

	start := time.Now()
	var resp wireResponse
	if err := httpclient.SendRequest(ctx, a.client, http.MethodPost, url, headers, wire, &resp); err != nil {
		return nil, llm.ClassifyError(a.config.Name, err)
	}
	latency := time.Since(start).Milliseconds()

	return a.translateResponse(req, &resp, latency)
}

// translateRequest lifts system messages into the top-level system field,
// converts tool results to tool_result blocks, and rewrites tool schemas
// from the canonical function form to input_schema.
func translateRequest(req *domain.CompletionRequest) (*wireRequest, error) {
	wire := &wireRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if wire.MaxTokens <= 0 {
		wire.MaxTokens = defaultMaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "tool":
			wire.Messages = append(wire.Messages, wireMessage{
				Role: "user",
				Content: []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})
		case "user", "assistant":
			wire.Messages = append(wire.Messages, wireMessage{Role: m.Role, Content: m.Content})
		default:
			return nil, domain.InvalidInputError("unknown message role '%s'", m.Role)
		}
	}
	wire.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		schema := t.Function.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		wire.Tools = append(wire.Tools, wireTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
		})
	}
	switch req.ToolChoice {
	case "auto":
		wire.ToolChoice = &wireToolChoice{Type: "auto"}
	case "required":
		wire.ToolChoice = &wireToolChoice{Type: "any"}
	case "none":
		wire.ToolChoice = &wireToolChoice{Type: "none"}
	}

	return wire, nil
}

func (a *Adapter) translateResponse(req *domain.CompletionRequest, resp *wireResponse, latency int64) (*domain.CompletionResult, error) {
	result := &domain.CompletionResult{
		Model:     resp.Model,
		Provider:  a.config.Name,
		LatencyMS: latency,
	}
	if result.Model == "" {
		result.Model = req.Model
	}

	var text, thinking []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "thinking":
			thinking = append(thinking, block.Thinking)
		case "tool_use":
			args, err := json.Marshal(block.Input)
			if err != nil {
				return nil, domain.InvalidInputError("tool_use block for '%s' has unencodable input: %v", block.Name, err)
			}
			result.ToolCalls = append(result.ToolCalls, domain.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: domain.ToolCallArgs{
					Name:      block.Name,
					Arguments: string(args),
				},
			})
		}
	}
	result.Content = strings.Join(text, "")
	if len(thinking) > 0 {
		joined := strings.Join(thinking, "")
		result.Thinking = &joined
	}

	if resp.Usage != nil {
		result.Usage = domain.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			Source:       domain.UsageActual,
		}
	} else {
		result.Usage = llm.EstimatedUsage(req, result.Content)
	}

	return result, nil
}

func (a *Adapter) Health(ctx context.Context) error {
	auth, err := a.config.Auth.Value()
	if err != nil {
		return err
	}

	// Minimal priced-at-zero probe is not available; a HEAD-style request
	// to the messages endpoint returns 405 when reachable and authorized
	// headers are well formed.
	url := fmt.Sprintf("%s/messages", strings.TrimRight(a.config.Endpoint, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", auth)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return domain.ProviderUnavailableError(a.config.Name, "health check failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return domain.ProviderUnavailableError(a.config.Name, fmt.Sprintf("health check failed with status: %d", resp.StatusCode), nil)
	}
	return nil
}
