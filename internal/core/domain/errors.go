package domain

import (
	"errors"
	"fmt"
)

// Error codes surfaced to callers.
const (
	CodeLocalOnly           = "LOCAL_ONLY"
	CodeUnknownAgent        = "UNKNOWN_AGENT"
	CodeUnknownAlias        = "UNKNOWN_ALIAS"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeRateLimited         = "RATE_LIMITED"
	CodeBudgetExceeded      = "BUDGET_EXCEEDED"
	CodeContextTooLarge     = "CONTEXT_TOO_LARGE"
	CodeUnsupportedFeature  = "UNSUPPORTED_FEATURE"
	CodeRetriesExhausted    = "RETRIES_EXHAUSTED"
	CodeInvalidConfig       = "INVALID_CONFIG"
	CodeInvalidInput        = "INVALID_INPUT"
)

// Error is the categorized error shape for all router operations.
// Terminal errors identify the agent, provider, and chain position that
// triggered them so operators can tell a config problem from an outage.
type Error struct {
	Code      string
	Message   string
	Retryable bool

	Agent    string
	Provider string
	ChainPos int

	// Err is the wrapped cause for internal logging.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[relay] %s: %s", e.Code, e.Message)
	if e.Agent != "" {
		msg += fmt.Sprintf(" (agent=%s", e.Agent)
		if e.Provider != "" {
			msg += fmt.Sprintf(" provider=%s chain_pos=%d", e.Provider, e.ChainPos)
		}
		msg += ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the error code, or "" for non-domain errors.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsRetryable reports whether the retry controller may attempt again.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// LocalOnlyError refuses routing a local-only agent to a remote provider.
func LocalOnlyError(agent string) *Error {
	return &Error{
		Code:    CodeLocalOnly,
		Message: fmt.Sprintf("agent '%s' requires the local host session and cannot be routed remotely", agent),
		Agent:   agent,
	}
}

// UnknownAgentError reports a missing agent binding at resolution time.
func UnknownAgentError(agent string, available []string) *Error {
	return &Error{
		Code:    CodeUnknownAgent,
		Message: fmt.Sprintf("unknown agent '%s', available: %v", agent, available),
		Agent:   agent,
	}
}

// UnknownAliasError reports an unresolvable alias at resolution time.
func UnknownAliasError(alias string, available []string) *Error {
	return &Error{
		Code:    CodeUnknownAlias,
		Message: fmt.Sprintf("unknown alias '%s', available: %v", alias, available),
	}
}

// ProviderUnavailableError marks a provider as unreachable or circuit-open.
func ProviderUnavailableError(provider, reason string, cause error) *Error {
	return &Error{
		Code:      CodeProviderUnavailable,
		Message:   fmt.Sprintf("provider '%s' unavailable: %s", provider, reason),
		Retryable: true,
		Provider:  provider,
		Err:       cause,
	}
}

// RateLimitedError marks a 429-class response; handled by retry backoff.
func RateLimitedError(provider string, cause error) *Error {
	return &Error{
		Code:      CodeRateLimited,
		Message:   fmt.Sprintf("rate limited by provider '%s'", provider),
		Retryable: true,
		Provider:  provider,
		Err:       cause,
	}
}

// BudgetExceededError blocks a call whose estimate breaches the daily cap.
func BudgetExceededError(provider string, spent, estimate, limit int64) *Error {
	return &Error{
		Code:     CodeBudgetExceeded,
		Message:  fmt.Sprintf("daily budget exceeded for '%s': spent %d + estimate %d >= limit %d micro-USD", provider, spent, estimate, limit),
		Provider: provider,
	}
}

// ContextTooLargeError fails fast before sending an oversized input.
func ContextTooLargeError(estimated, available, window int) *Error {
	return &Error{
		Code:    CodeContextTooLarge,
		Message: fmt.Sprintf("input ~%d tokens exceeds available %d tokens (context_window=%d)", estimated, available, window),
	}
}

// UnsupportedFeatureError fails a call that requires a capability the
// selected model explicitly lacks.
func UnsupportedFeatureError(provider, model, feature string) *Error {
	return &Error{
		Code:     CodeUnsupportedFeature,
		Message:  fmt.Sprintf("model '%s' on provider '%s' does not support required feature '%s'", model, provider, feature),
		Provider: provider,
	}
}

// RetriesExhaustedError reports the global attempt budget running out.
func RetriesExhaustedError(attempts int, last error) *Error {
	lastMsg := "unknown"
	if last != nil {
		lastMsg = last.Error()
	}
	return &Error{
		Code:    CodeRetriesExhausted,
		Message: fmt.Sprintf("failed after %d attempts, last error: %s", attempts, lastMsg),
		Err:     last,
	}
}

// ConfigError is fatal at load time and must never surface mid-call.
func ConfigError(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidConfig, Message: fmt.Sprintf(format, args...)}
}

// InvalidInputError covers malformed requests and non-retryable 4xx replies.
func InvalidInputError(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}
