package metering

import (
	"sync"

	"github.com/nulzo/relay/internal/core/domain"
)

// Pricing sources recorded on ledger entries.
const (
	PricingConfig  = "config"
	PricingUnknown = "unknown"
)

// MaxSafeProduct bounds token*price products so costs survive round-trips
// through JSON consumers that parse numbers as 64-bit floats.
const MaxSafeProduct = int64(1)<<53 - 1

const microPerMTok = 1_000_000

// costComponent prices one token count in integer micro-USD, returning
// the truncated cost and the sub-micro-USD remainder. Never floats.
func costComponent(tokens int, perMTok int64) (cost, remainder int64, ok bool) {
	if tokens == 0 || perMTok == 0 {
		return 0, 0, true
	}
	product := int64(tokens) * perMTok
	if product/int64(tokens) != perMTok || product > MaxSafeProduct {
		return 0, 0, false
	}
	return product / microPerMTok, product % microPerMTok, true
}

// Cost prices a usage record against per-model pricing. Unpriced models
// cost zero with PricingUnknown so metering never blocks an unpriced
// call; overflow saturates at the safe bound rather than corrupting the
// ledger.
func Cost(usage domain.Usage, pricing domain.ModelPricing) (costMicroUSD, remainder int64, source string) {
	if !pricing.Configured() {
		return 0, 0, PricingUnknown
	}

	inCost, inRem, ok1 := costComponent(usage.InputTokens, pricing.InputPerMTok)
	outCost, outRem, ok2 := costComponent(usage.OutputTokens, pricing.OutputPerMTok)
	reasonCost, reasonRem, ok3 := costComponent(usage.ReasoningTokens, pricing.ReasoningPerMTok)
	if !ok1 || !ok2 || !ok3 {
		return MaxSafeProduct / microPerMTok, 0, PricingConfig
	}

	return inCost + outCost + reasonCost, inRem + outRem + reasonRem, PricingConfig
}

// RemainderAccumulator carries sub-micro-USD remainders per provider so
// truncation never loses money from the spend counters over a run. The
// carry feeds the budget counter only; ledger entries always log the
// exact floor cost so it stays re-derivable from their token counts.
type RemainderAccumulator struct {
	mu  sync.Mutex
	rem map[string]int64
}

// Add folds in a remainder for one provider and returns the whole
// micro-USD carried out.
func (a *RemainderAccumulator) Add(provider string, remainder int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rem == nil {
		a.rem = make(map[string]int64)
	}
	total := a.rem[provider] + remainder
	carry := total / microPerMTok
	a.rem[provider] = total % microPerMTok
	return carry
}
