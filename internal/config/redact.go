package config

import (
	"github.com/nulzo/relay/internal/core/domain"
)

// Redacted returns the effective configuration as a display-safe tree.
// Every auth value is replaced with its redaction marker and each section
// carries the layer that supplied it. Safe to serialize and log.
func (c *Config) Redacted() map[string]any {
	providers := make(map[string]any, len(c.Providers))
	for name, p := range c.Providers {
		auth := ""
		if p.Auth != nil {
			auth = p.Auth.Redacted()
		}
		models := make(map[string]any, len(p.Models))
		for id, m := range p.Models {
			models[id] = map[string]any{
				"capabilities":   m.Capabilities,
				"context_window": m.ContextWindow,
				"pricing":        m.Pricing,
			}
		}
		providers[name] = map[string]any{
			"type":     p.Type,
			"endpoint": p.Endpoint,
			"auth":     auth,
			"models":   models,
		}
	}

	redisPassword := ""
	if c.Redis.Password != "" {
		redisPassword = domain.Redacted
	}

	return map[string]any{
		"version":     c.Version,
		"run_dir":     c.RunDir,
		"ledger_path": c.LedgerPath,
		"providers":   providers,
		"aliases":     c.Aliases,
		"agents":      c.Agents,
		"routing":     c.Routing,
		"retry":       c.Retry,
		"metering":    c.Metering,
		"redis": map[string]any{
			"enabled":  c.Redis.Enabled,
			"addr":     c.Redis.Addr,
			"password": redisPassword,
			"db":       c.Redis.DB,
		},
		"server":    c.Server,
		"analytics": c.Analytics,
		"sources":   c.Sources,
	}
}
