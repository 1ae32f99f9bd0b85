package metering

import (
	"context"
	"sync"

	"github.com/nulzo/relay/internal/core/domain"
	"golang.org/x/time/rate"
)

// Limiters applies client-side request pacing per provider, honoring
// each provider's configured rps/burst. Providers without a configured
// limit are never delayed.
type Limiters struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

func NewLimiters(providers map[string]domain.ProviderConfig) *Limiters {
	limiters := make(map[string]*rate.Limiter)
	for name, p := range providers {
		if p.RateLimit.RPS <= 0 {
			continue
		}
		burst := p.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		limiters[name] = rate.NewLimiter(rate.Limit(p.RateLimit.RPS), burst)
	}
	return &Limiters{limiters: limiters}
}

// Wait blocks until the provider's limiter admits a request, or the
// context is done.
func (l *Limiters) Wait(ctx context.Context, provider string) error {
	l.mu.RLock()
	limiter, ok := l.limiters[provider]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	return limiter.Wait(ctx)
}
