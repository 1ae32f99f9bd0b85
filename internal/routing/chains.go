package routing

import (
	"github.com/nulzo/relay/internal/core/domain"
	"github.com/nulzo/relay/internal/platform/logger"
	"go.uber.org/zap"
)

// FallbackChain returns the ordered alternates for a failing provider:
// the configured fallback chain for that provider, resolved, filtered to
// candidates that support the binding's required capabilities, with the
// visited set preventing revisits across chain hops.
func (r *Resolver) FallbackChain(failed domain.ResolvedModel, binding domain.AgentBinding, visited map[string]bool) []domain.ResolvedModel {
	return r.walkChain(r.cfg.Routing.Fallback[failed.Provider], binding, visited)
}

// DowngradeChain returns the ordered cheaper alternates for an alias, used
// when the budget gate demands a downgrade. The chain is keyed by the
// alias the agent was bound to; a direct provider:model binding has no
// downgrade chain.
func (r *Resolver) DowngradeChain(aliasRef string, binding domain.AgentBinding, visited map[string]bool) []domain.ResolvedModel {
	return r.walkChain(r.cfg.Routing.Downgrade[aliasRef], binding, visited)
}

func (r *Resolver) walkChain(refs []string, binding domain.AgentBinding, visited map[string]bool) []domain.ResolvedModel {
	caps := requiredCapabilities(binding)
	var out []domain.ResolvedModel
	for _, ref := range refs {
		resolved, err := r.cfg.ResolveModelRef(ref)
		if err != nil {
			// Chains are validated at load; an unresolvable entry here
			// means the config changed underneath us. Skip it.
			logger.Warn("skipping unresolvable chain entry",
				zap.String("ref", ref), zap.Error(err))
			continue
		}
		if visited[resolved.Key()] {
			continue
		}
		if !r.supports(resolved, caps) {
			logger.Debug("chain candidate lacks required capabilities",
				zap.String("candidate", resolved.Key()),
				zap.Strings("required", caps))
			continue
		}
		visited[resolved.Key()] = true
		out = append(out, resolved)
	}
	return out
}
