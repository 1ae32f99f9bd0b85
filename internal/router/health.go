package router

import (
	"context"
	"sort"
	"time"
)

// ProviderHealth is the introspection view of one provider.
type ProviderHealth struct {
	Provider  string `json:"provider"`
	Circuit   string `json:"circuit"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// Health probes every configured provider and reports circuit status.
func (r *Router) Health(ctx context.Context) []ProviderHealth {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ProviderHealth, 0, len(names))
	for _, name := range names {
		probe := ProviderHealth{
			Provider: name,
			Circuit:  r.breaker.Status(ctx, name),
		}
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := r.providers[name].Health(probeCtx); err != nil {
			probe.Error = err.Error()
		} else {
			probe.Reachable = true
		}
		cancel()
		out = append(out, probe)
	}
	return out
}

// ConfigView returns the redacted effective configuration.
func (r *Router) ConfigView() map[string]any {
	return r.cfg.Redacted()
}

// SpendView reports today's spend against the daily budget.
type SpendView struct {
	SpentMicroUSD int64            `json:"spent_micro_usd"`
	LimitMicroUSD int64            `json:"limit_micro_usd"`
	ByProvider    map[string]int64 `json:"by_provider"`
}

// Spend summarizes today's spend counters. Zero when metering is off.
func (r *Router) Spend() SpendView {
	view := SpendView{
		LimitMicroUSD: r.cfg.Metering.Budget.DailyMicroUSD,
		ByProvider:    make(map[string]int64, len(r.providers)),
	}
	if r.spend == nil {
		return view
	}
	view.SpentMicroUSD = r.spend.TotalToday()
	for name := range r.providers {
		view.ByProvider[name] = r.spend.ProviderToday(name)
	}
	return view
}

// SweepBreakers removes stale persisted circuit state.
func (r *Router) SweepBreakers(ctx context.Context) error {
	return r.breaker.SweepStale(ctx)
}
