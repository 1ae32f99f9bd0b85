package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/nulzo/relay/internal/config"
	"github.com/nulzo/relay/internal/core/domain"
)

// Policy bounds the attempt loop. The global attempt and switch caps hold
// regardless of how long the fallback chain is; a circuit-open skip does
// not consume an attempt because no request was sent.
type Policy struct {
	MaxRetries          int // extra attempts against one provider
	MaxTotalAttempts    int // hard cap across all providers
	MaxProviderSwitches int
	BaseDelay           time.Duration
}

func PolicyFrom(cfg config.RetryConfig) Policy {
	p := Policy{
		MaxRetries:          cfg.MaxRetries,
		MaxTotalAttempts:    cfg.MaxTotalAttempts,
		MaxProviderSwitches: cfg.MaxProviderSwitches,
		BaseDelay:           time.Duration(cfg.BaseDelaySec * float64(time.Second)),
	}
	if p.MaxTotalAttempts <= 0 {
		p.MaxTotalAttempts = 6
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	return p
}

// Budget tracks consumed attempts across one invocation.
type Budget struct {
	policy Policy

	totalAttempts    int
	providerAttempts int
	providerSwitches int
	lastErr          error
}

func NewBudget(policy Policy) *Budget {
	return &Budget{policy: policy}
}

// AttemptAllowed reports whether the global attempt cap permits another
// request.
func (b *Budget) AttemptAllowed() bool {
	return b.totalAttempts < b.policy.MaxTotalAttempts
}

// RecordAttempt consumes one attempt and remembers the outcome.
func (b *Budget) RecordAttempt(err error) {
	b.totalAttempts++
	b.providerAttempts++
	if err != nil {
		b.lastErr = err
	}
}

// RecordSkip remembers a failure that consumed no attempt, such as a
// circuit-open skip where no request was sent.
func (b *Budget) RecordSkip(err error) {
	if err != nil {
		b.lastErr = err
	}
}

// RetrySameProvider reports whether the current provider still has retry
// headroom and the failure class is worth retrying.
func (b *Budget) RetrySameProvider(err error) bool {
	return domain.IsRetryable(err) && b.providerAttempts <= b.policy.MaxRetries && b.AttemptAllowed()
}

// SwitchProvider consumes a provider switch and resets the per-provider
// attempt count. Returns false when the switch budget is exhausted.
func (b *Budget) SwitchProvider() bool {
	if b.providerSwitches >= b.policy.MaxProviderSwitches {
		return false
	}
	b.providerSwitches++
	b.providerAttempts = 0
	return true
}

// TotalAttempts returns attempts consumed so far.
func (b *Budget) TotalAttempts() int { return b.totalAttempts }

// LastError returns the most recent attempt failure.
func (b *Budget) LastError() error { return b.lastErr }

// Exhausted builds the terminal error for a spent budget.
func (b *Budget) Exhausted() error {
	return domain.RetriesExhaustedError(b.totalAttempts, b.lastErr)
}

// Backoff returns the delay before the next same-provider retry:
// exponential in the per-provider attempt count, plus up to one second of
// jitter to spread synchronized clients.
func (b *Budget) Backoff() time.Duration {
	exp := b.providerAttempts - 1
	if exp < 0 {
		exp = 0
	}
	delay := b.policy.BaseDelay * (1 << exp)
	jitter := time.Duration(rand.Float64() * float64(time.Second))
	return delay + jitter
}

// Sleep waits for d or until the context is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
