package llm

import (
	"math"
	"time"

	"github.com/nulzo/relay/internal/core/domain"
	"github.com/nulzo/relay/internal/httpclient"
)

// charsPerToken is the rough English-text ratio used when a provider does
// not report usage. Estimates err on the high side.
const charsPerToken = 3.5

// EstimateTokens approximates the token count of a text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / charsPerToken))
}

// EstimateInputTokens approximates the token count of a full request,
// including tool schemas.
func EstimateInputTokens(req *domain.CompletionRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += EstimateTokens(m.Content) + 4
	}
	for _, t := range req.Tools {
		total += EstimateTokens(t.Function.Name) + EstimateTokens(t.Function.Description) + 32
	}
	return total
}

// Preflight rejects a request that cannot succeed before any bytes are
// sent: required capabilities the model lacks, and inputs that exceed the
// context window once the output reservation is subtracted.
func Preflight(cfg domain.ProviderConfig, req *domain.CompletionRequest) error {
	model := cfg.ModelFor(req.Model)

	if req.Metadata != nil && req.Metadata.RequireThinking && !model.HasCapability("thinking") {
		return domain.UnsupportedFeatureError(cfg.Name, req.Model, "thinking")
	}
	if len(req.Tools) > 0 && len(model.Capabilities) > 0 && !model.HasCapability("tools") {
		return domain.UnsupportedFeatureError(cfg.Name, req.Model, "tools")
	}

	available := model.ContextWindow - req.MaxTokens
	estimated := EstimateInputTokens(req)
	if estimated > available {
		return domain.ContextTooLargeError(estimated, available, model.ContextWindow)
	}
	return nil
}

// EstimatedUsage builds token counts for a result whose provider omitted
// usage data.
func EstimatedUsage(req *domain.CompletionRequest, content string) domain.Usage {
	return domain.Usage{
		InputTokens:  EstimateInputTokens(req),
		OutputTokens: EstimateTokens(content),
		Source:       domain.UsageEstimated,
	}
}

// TimeoutsFor converts per-provider timeout settings to client tiers,
// applying defaults for unset values.
func TimeoutsFor(cfg domain.ProviderConfig) httpclient.Timeouts {
	return httpclient.Timeouts{
		Connect: secondsOr(cfg.ConnectTimeoutSec, 10),
		Read:    secondsOr(cfg.ReadTimeoutSec, 120),
		Write:   secondsOr(cfg.WriteTimeoutSec, 30),
	}
}

func secondsOr(v, fallback float64) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v * float64(time.Second))
}
