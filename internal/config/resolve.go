package config

import (
	"sort"
	"strings"

	"github.com/nulzo/relay/internal/core/domain"
)

// The native runtime is the in-process host session. It is addressed by a
// reserved alias, needs no endpoint or auth, and never leaves the machine.
const (
	NativeAlias    = "native"
	NativeProvider = "native"
	NativeModel    = "session"
)

// NativeModelRef is the resolved form of the native runtime.
var NativeModelRef = domain.ResolvedModel{Provider: NativeProvider, ModelID: NativeModel}

// ResolveModelRef walks a model reference (alias, chained alias, or
// "provider:model-id") to a concrete provider and model. Alias chains are
// bounded by routing.max_alias_depth and cycle-checked; the walk is
// deterministic for a given config.
func (c *Config) ResolveModelRef(ref string) (domain.ResolvedModel, error) {
	maxDepth := c.Routing.MaxAliasDepth
	if maxDepth <= 0 {
		maxDepth = 10
	}

	seen := make(map[string]bool)
	current := ref
	for depth := 0; depth <= maxDepth; depth++ {
		if current == NativeAlias {
			return NativeModelRef, nil
		}
		if seen[current] {
			return domain.ResolvedModel{}, domain.ConfigError("alias cycle detected at '%s' while resolving '%s'", current, ref)
		}
		seen[current] = true

		if next, ok := c.Aliases[current]; ok {
			current = next
			continue
		}

		provider, modelID, ok := strings.Cut(current, ":")
		if !ok {
			return domain.ResolvedModel{}, domain.UnknownAliasError(current, c.aliasNames())
		}
		if provider == NativeProvider {
			return NativeModelRef, nil
		}
		if _, ok := c.Providers[provider]; !ok {
			return domain.ResolvedModel{}, domain.ConfigError("model reference '%s' names unknown provider '%s'", current, provider)
		}
		return domain.ResolvedModel{Provider: provider, ModelID: modelID}, nil
	}
	return domain.ResolvedModel{}, domain.ConfigError("alias chain for '%s' exceeds max depth %d", ref, maxDepth)
}

func (c *Config) aliasNames() []string {
	names := make([]string, 0, len(c.Aliases))
	for name := range c.Aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
