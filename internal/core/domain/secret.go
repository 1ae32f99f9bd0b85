package domain

// Redacted is the fixed marker emitted wherever a secret value would
// otherwise appear in introspection or log output.
const Redacted = "***REDACTED***"

// Secret is a configuration value that may carry credential material.
// Downstream code reads it through Value like any string; redaction logic
// distinguishes secrets by type, never by pattern-matching the value.
type Secret interface {
	// Value returns the resolved secret. Deferred secrets resolve on first
	// call and memoize; resolution failures return a config error naming
	// the provider and field that triggered it.
	Value() (string, error)

	// Redacted returns the display form: the raw value for non-secret
	// plain strings, or the redaction marker annotated with the source.
	Redacted() string
}

// PlainSecret is a literal auth value taken directly from config.
// It is still redacted in display output since auth fields are secret
// by position regardless of how they were supplied.
type PlainSecret string

func (p PlainSecret) Value() (string, error) { return string(p), nil }

func (p PlainSecret) Redacted() string {
	if p == "" {
		return ""
	}
	return Redacted
}
