package routing

import (
	"context"
	"time"
)

// Breaker circuit statuses.
const (
	StatusClosed   = "closed"
	StatusOpen     = "open"
	StatusHalfOpen = "half_open"
)

// State is the persisted circuit state for one provider. It is shared by
// every process routing through the same project, so all mutation happens
// under a store-held exclusive lock.
type State struct {
	Status    string  `json:"status"`
	Failures  []int64 `json:"failures"` // unix seconds of recent failures
	OpenedAt  int64   `json:"opened_at"`
	Probes    int     `json:"probes"`
	UpdatedAt int64   `json:"updated_at"`
}

func newState(now time.Time) *State {
	return &State{Status: StatusClosed, UpdatedAt: now.Unix()}
}

// pruneFailures drops failure timestamps outside the counting window.
func (s *State) pruneFailures(now time.Time, window time.Duration) {
	cutoff := now.Add(-window).Unix()
	kept := s.Failures[:0]
	for _, ts := range s.Failures {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	s.Failures = kept
}

// StateStore persists breaker state across processes. Mutate runs fn with
// exclusive ownership of the provider's state; the zero state is supplied
// when none exists or the stored copy is unreadable.
type StateStore interface {
	// Load returns the current state without locking, for display.
	Load(ctx context.Context, provider string) (*State, error)

	// Mutate atomically reads, transforms, and writes one provider state.
	Mutate(ctx context.Context, provider string, fn func(*State) error) (*State, error)

	// Sweep removes state not updated within maxAge.
	Sweep(ctx context.Context, maxAge time.Duration) error
}
