package routing

import (
	"sort"

	"github.com/nulzo/relay/internal/config"
	"github.com/nulzo/relay/internal/core/domain"
)

// Resolver maps agents to concrete provider/model candidates. All lookups
// are pure over the loaded config, so resolution is deterministic for a
// given agent and config.
type Resolver struct {
	cfg *config.Config
}

func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// Binding returns the agent's binding or UNKNOWN_AGENT.
func (r *Resolver) Binding(agent string) (domain.AgentBinding, error) {
	binding, ok := r.cfg.Agents[agent]
	if !ok {
		names := make([]string, 0, len(r.cfg.Agents))
		for name := range r.cfg.Agents {
			names = append(names, name)
		}
		sort.Strings(names)
		return domain.AgentBinding{}, domain.UnknownAgentError(agent, names)
	}
	return binding, nil
}

// Primary resolves the agent's model reference, honoring a global model
// override, and returns both the reference walked and the concrete model.
// Local-only agents are refused before any remote configuration is read.
func (r *Resolver) Primary(binding domain.AgentBinding) (string, domain.ResolvedModel, error) {
	ref := binding.Model
	if r.cfg.ModelOverride != "" {
		ref = r.cfg.ModelOverride
	}

	if binding.LocalOnly() {
		resolved, err := r.cfg.ResolveModelRef(binding.Model)
		if err == nil && resolved.Provider == config.NativeProvider && r.cfg.ModelOverride == "" {
			return binding.Model, resolved, nil
		}
		return "", domain.ResolvedModel{}, domain.LocalOnlyError(binding.Agent)
	}

	resolved, err := r.cfg.ResolveModelRef(ref)
	if err != nil {
		return "", domain.ResolvedModel{}, err
	}
	return ref, resolved, nil
}

// requiredCapabilities extracts capability requirements from a binding,
// skipping routing directives that are not model capabilities.
func requiredCapabilities(binding domain.AgentBinding) []string {
	caps := make([]string, 0, len(binding.Requires))
	for name, required := range binding.Requires {
		if !required || name == "local_only" {
			continue
		}
		caps = append(caps, name)
	}
	sort.Strings(caps)
	return caps
}

// supports reports whether the candidate model declares every required
// capability. Models with no declared capability list pass, matching the
// permissive default for sparsely configured providers.
func (r *Resolver) supports(candidate domain.ResolvedModel, caps []string) bool {
	if candidate.Provider == config.NativeProvider {
		return true
	}
	provider, ok := r.cfg.Providers[candidate.Provider]
	if !ok {
		return false
	}
	model := provider.ModelFor(candidate.ModelID)
	if len(model.Capabilities) == 0 {
		return true
	}
	for _, c := range caps {
		if !model.HasCapability(c) {
			return false
		}
	}
	return true
}
