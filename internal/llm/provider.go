package llm

import (
	"context"

	"github.com/nulzo/relay/internal/core/domain"
)

// Provider is the adapter contract every upstream implements. Adapters
// translate between the canonical request/result shapes and one wire
// format; routing, retry, and metering never see provider-specific types.
type Provider interface {
	// Name returns the configured provider instance name.
	Name() string

	// Type returns the wire protocol family (openai, anthropic, ...).
	Type() string

	// Complete performs one non-streaming completion. Errors are
	// categorized: 429 maps to RATE_LIMITED, 5xx and transport failures
	// to PROVIDER_UNAVAILABLE, other 4xx to INVALID_INPUT.
	Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResult, error)

	// Health probes the provider endpoint without consuming tokens.
	Health(ctx context.Context) error
}
