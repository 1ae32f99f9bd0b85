package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nulzo/relay/internal/core/domain"
	"github.com/nulzo/relay/internal/httpclient"
)

// upstreamErrorBody mirrors the common {"error": {"message": ...}} shape
// both wire families use.
type upstreamErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ClassifyError maps a transport or upstream failure onto the router's
// error taxonomy. 429 is rate limiting, 5xx and network failures mean the
// provider is unavailable and retryable, remaining 4xx are caller errors
// and terminal.
func ClassifyError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var upstream *httpclient.UpstreamError
	if !errors.As(err, &upstream) {
		return domain.ProviderUnavailableError(provider, "request failed", err)
	}

	message := string(upstream.Body)
	var parsed upstreamErrorBody
	if json.Unmarshal(upstream.Body, &parsed) == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	switch {
	case upstream.StatusCode == http.StatusTooManyRequests:
		return domain.RateLimitedError(provider, err)
	case upstream.StatusCode >= 500:
		return domain.ProviderUnavailableError(provider, message, err)
	default:
		invalid := domain.InvalidInputError("provider '%s' rejected request (status %d): %s", provider, upstream.StatusCode, message)
		invalid.Provider = provider
		invalid.Err = err
		return invalid
	}
}
