package routing

import (
	"context"
	"time"

	"github.com/nulzo/relay/internal/config"
	"github.com/nulzo/relay/internal/platform/logger"
	"go.uber.org/zap"
)

// staleAfter bounds how long untouched breaker state is trusted.
const staleAfter = 24 * time.Hour

// Breaker is a per-provider circuit breaker over shared persisted state.
// Closed circuits pass everything; a circuit opens once the failure count
// inside the window reaches the threshold, rejects until the reset
// timeout elapses, then admits a bounded number of probes half-open.
type Breaker struct {
	store StateStore
	cfg   config.BreakerConfig
	clock func() time.Time
}

func NewBreaker(store StateStore, cfg config.BreakerConfig) *Breaker {
	return &Breaker{store: store, cfg: cfg, clock: time.Now}
}

// Allow reports whether a call to the provider may proceed, advancing
// open circuits to half-open and consuming probe slots as a side effect.
func (b *Breaker) Allow(ctx context.Context, provider string) (bool, error) {
	allowed := false
	_, err := b.store.Mutate(ctx, provider, func(s *State) error {
		now := b.clock()
		b.expireStale(s, now)

		switch s.Status {
		case StatusOpen:
			if now.Unix()-s.OpenedAt >= int64(b.cfg.ResetTimeoutSec) {
				s.Status = StatusHalfOpen
				s.Probes = 1
				allowed = true
				logger.Info("circuit half-open, admitting probe",
					zap.String("provider", provider))
			}
		case StatusHalfOpen:
			if s.Probes < b.cfg.HalfOpenMaxProbes {
				s.Probes++
				allowed = true
			}
		default:
			allowed = true
		}
		return nil
	})
	if err != nil {
		// A broken state store must not take routing down; fail open.
		logger.Warn("breaker state unavailable, allowing call",
			zap.String("provider", provider), zap.Error(err))
		return true, nil
	}
	return allowed, nil
}

// RecordSuccess closes the circuit and clears the failure window.
func (b *Breaker) RecordSuccess(ctx context.Context, provider string) {
	_, err := b.store.Mutate(ctx, provider, func(s *State) error {
		if s.Status != StatusClosed {
			logger.Info("circuit closed after successful call",
				zap.String("provider", provider))
		}
		s.Status = StatusClosed
		s.Failures = nil
		s.OpenedAt = 0
		s.Probes = 0
		return nil
	})
	if err != nil {
		logger.Warn("breaker success not recorded",
			zap.String("provider", provider), zap.Error(err))
	}
}

// RecordFailure counts one failure. A half-open failure reopens the
// circuit immediately; a closed circuit opens once the windowed count
// reaches the threshold.
func (b *Breaker) RecordFailure(ctx context.Context, provider string) {
	_, err := b.store.Mutate(ctx, provider, func(s *State) error {
		now := b.clock()
		b.expireStale(s, now)

		switch s.Status {
		case StatusHalfOpen:
			b.open(s, provider, now)
		case StatusOpen:
			// Already open; nothing to count.
		default:
			s.Failures = append(s.Failures, now.Unix())
			s.pruneFailures(now, time.Duration(b.cfg.CountWindowSec)*time.Second)
			if len(s.Failures) >= b.cfg.FailureThreshold {
				b.open(s, provider, now)
			}
		}
		return nil
	})
	if err != nil {
		logger.Warn("breaker failure not recorded",
			zap.String("provider", provider), zap.Error(err))
	}
}

func (b *Breaker) open(s *State, provider string, now time.Time) {
	s.Status = StatusOpen
	s.OpenedAt = now.Unix()
	s.Probes = 0
	s.Failures = nil
	logger.Warn("circuit opened",
		zap.String("provider", provider),
		zap.Int("reset_timeout_seconds", b.cfg.ResetTimeoutSec))
}

// expireStale resets state whose last update predates the staleness
// bound, so a circuit opened by a long-dead run cannot block a provider.
func (b *Breaker) expireStale(s *State, now time.Time) {
	if s.UpdatedAt > 0 && now.Unix()-s.UpdatedAt > int64(staleAfter/time.Second) {
		*s = *newState(now)
	}
}

// Status returns the provider's current circuit status for display.
func (b *Breaker) Status(ctx context.Context, provider string) string {
	s, err := b.store.Load(ctx, provider)
	if err != nil || s == nil {
		return StatusClosed
	}
	if s.UpdatedAt > 0 && b.clock().Unix()-s.UpdatedAt > int64(staleAfter/time.Second) {
		return StatusClosed
	}
	if s.Status == StatusOpen && b.clock().Unix()-s.OpenedAt >= int64(b.cfg.ResetTimeoutSec) {
		return StatusHalfOpen
	}
	return s.Status
}

// SweepStale removes persisted state older than the staleness bound.
func (b *Breaker) SweepStale(ctx context.Context) error {
	return b.store.Sweep(ctx, staleAfter)
}
