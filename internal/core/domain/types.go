package domain

// Message is one role-tagged entry in a completion conversation.
type Message struct {
	Role       string `json:"role"` // system | user | assistant | tool
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolFunction describes a callable function exposed to the model.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool wraps a function definition in the canonical tool schema.
type Tool struct {
	Type     string       `json:"type"` // always "function"
	Function ToolFunction `json:"function"`
}

// ToolCall is the normalized tool invocation shape shared by all providers.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function ToolCallArgs `json:"function"`
}

// ToolCallArgs carries the function name and its JSON-encoded arguments.
type ToolCallArgs struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// CompletionRequest is the canonical request sent to any provider adapter.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Tools       []Tool    `json:"tools,omitempty"`
	ToolChoice  string    `json:"tool_choice,omitempty"` // auto | required | none

	// Caller context carried to the ledger, never sent to the provider.
	Metadata *RequestMetadata `json:"-"`
}

// RequestMetadata identifies the logical caller of a completion.
type RequestMetadata struct {
	Agent    string
	TraceID  string
	PhaseID  string
	SprintID string

	// RequireThinking makes a missing thinking capability a hard error
	// instead of a silent omission.
	RequireThinking bool
}

// UsageSource values for LedgerEntry.UsageSource.
const (
	UsageActual    = "actual"
	UsageEstimated = "estimated"
)

// Usage holds token counts for one completion.
type Usage struct {
	InputTokens     int    `json:"input_tokens"`
	OutputTokens    int    `json:"output_tokens"`
	ReasoningTokens int    `json:"reasoning_tokens"`
	Source          string `json:"source"` // actual | estimated
}

// CompletionResult is the canonical result returned from any provider adapter.
// Thinking is nil when the provider does not produce reasoning traces.
type CompletionResult struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Thinking  *string    `json:"thinking,omitempty"`
	Usage     Usage      `json:"usage"`
	Model     string     `json:"model"`
	Provider  string     `json:"provider"`
	LatencyMS int64      `json:"latency_ms"`
}

// AgentBinding maps an agent name to a model alias with optional requirements.
type AgentBinding struct {
	Agent       string          `mapstructure:"-"`
	Model       string          `mapstructure:"model"` // alias or "provider:model-id"
	Temperature *float64        `mapstructure:"temperature"`
	Requires    map[string]bool `mapstructure:"requires"`
}

// LocalOnly reports whether the binding may only run on the local host session.
func (b AgentBinding) LocalOnly() bool {
	return b.Requires["local_only"]
}

// ResolvedModel is a fully resolved provider + model ID pair.
type ResolvedModel struct {
	Provider string
	ModelID  string
}

// Key returns the canonical "provider:model" form used for cycle tracking.
func (r ResolvedModel) Key() string {
	return r.Provider + ":" + r.ModelID
}

// ModelPricing holds per-model prices in micro-USD per million tokens.
// Zero values mean "not priced".
type ModelPricing struct {
	InputPerMTok     int64 `mapstructure:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok    int64 `mapstructure:"output_per_mtok" json:"output_per_mtok"`
	ReasoningPerMTok int64 `mapstructure:"reasoning_per_mtok" json:"reasoning_per_mtok"`
}

// Configured reports whether any price component is set.
func (p ModelPricing) Configured() bool {
	return p.InputPerMTok != 0 || p.OutputPerMTok != 0 || p.ReasoningPerMTok != 0
}

// ModelConfig is the per-model configuration within a provider entry.
type ModelConfig struct {
	Capabilities  []string     `mapstructure:"capabilities"`
	ContextWindow int          `mapstructure:"context_window"`
	TokenParam    string       `mapstructure:"token_param"` // wire name for max output tokens
	Pricing       ModelPricing `mapstructure:"pricing"`
}

// HasCapability reports whether the model declares a capability.
func (m ModelConfig) HasCapability(name string) bool {
	for _, c := range m.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// RateLimitConfig caps client-side request rate against one provider.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// ProviderConfig is the resolved configuration for one provider.
// Immutable once the config is loaded.
type ProviderConfig struct {
	Name     string `mapstructure:"-"`
	Type     string `mapstructure:"type"` // openai | anthropic | openai_compat
	Endpoint string `mapstructure:"endpoint"`

	// Auth is either an eagerly resolved string or a deferred SecretRef.
	Auth Secret `mapstructure:"auth"`

	Models map[string]ModelConfig `mapstructure:"models"`

	ConnectTimeoutSec float64 `mapstructure:"connect_timeout"`
	ReadTimeoutSec    float64 `mapstructure:"read_timeout"`
	WriteTimeoutSec   float64 `mapstructure:"write_timeout"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ModelFor looks up per-model config, falling back to defaults.
func (p ProviderConfig) ModelFor(modelID string) ModelConfig {
	if m, ok := p.Models[modelID]; ok {
		if m.ContextWindow == 0 {
			m.ContextWindow = DefaultContextWindow
		}
		if m.TokenParam == "" {
			m.TokenParam = "max_tokens"
		}
		return m
	}
	return ModelConfig{ContextWindow: DefaultContextWindow, TokenParam: "max_tokens"}
}

// DefaultContextWindow applies when a model omits context_window.
const DefaultContextWindow = 128000
