package llm

import (
	"fmt"
	"sync"

	"github.com/nulzo/relay/internal/core/domain"
)

// Factory builds a provider instance from its resolved configuration.
type Factory func(cfg domain.ProviderConfig) (Provider, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register adds a factory for a provider type. Called from adapter
// package init functions; duplicate registration is a programming error.
func Register(providerType string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[providerType]; exists {
		panic(fmt.Sprintf("provider factory %s already registered", providerType))
	}
	factories[providerType] = f
}

// Get looks up the factory for a provider type.
func Get(providerType string) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := factories[providerType]
	if !ok {
		return nil, fmt.Errorf("provider factory not found for type: %s", providerType)
	}
	return f, nil
}

// Build instantiates one provider from config.
func Build(cfg domain.ProviderConfig) (Provider, error) {
	factoryFunc, err := Get(cfg.Type)
	if err != nil {
		return nil, fmt.Errorf("factory lookup failed for type %s: %w", cfg.Type, err)
	}
	return factoryFunc(cfg)
}

// BuildAll instantiates every configured provider, keyed by name.
func BuildAll(configs map[string]domain.ProviderConfig) (map[string]Provider, error) {
	providers := make(map[string]Provider, len(configs))
	for name, cfg := range configs {
		p, err := Build(cfg)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		providers[name] = p
	}
	return providers, nil
}
