package metering

import (
	"github.com/nulzo/relay/internal/config"
	"github.com/nulzo/relay/internal/core/domain"
	"github.com/nulzo/relay/internal/llm"
	"github.com/nulzo/relay/internal/platform/logger"
	"go.uber.org/zap"
)

// Decision is the budget gate's verdict for one prospective call.
type Decision string

const (
	DecisionAllow     Decision = "allow"
	DecisionWarn      Decision = "warn"
	DecisionDowngrade Decision = "downgrade"
	DecisionBlock     Decision = "block"
)

// Gate is consulted before and after every provider attempt. The check
// is best-effort: concurrent writers can overshoot the cap by at most
// one in-flight estimate each, never unboundedly.
type Gate interface {
	// PreCall decides whether a call with the given estimated cost may
	// proceed. Spent and limit accompany the decision for error text.
	PreCall(provider string, estimateMicroUSD int64) (Decision, int64, int64)

	// PostCall reconciles the counter with the actual attempt cost.
	PostCall(provider string, actualMicroUSD int64)
}

// NoopGate passes everything; used when metering is disabled.
type NoopGate struct{}

func (NoopGate) PreCall(string, int64) (Decision, int64, int64) { return DecisionAllow, 0, 0 }
func (NoopGate) PostCall(string, int64)                         {}

// BudgetGate enforces the daily per-provider cap from the spend
// counters. Spend under one provider never gates another.
type BudgetGate struct {
	cfg   config.BudgetConfig
	spend *SpendTracker
}

func NewBudgetGate(cfg config.BudgetConfig, spend *SpendTracker) *BudgetGate {
	return &BudgetGate{cfg: cfg, spend: spend}
}

func (g *BudgetGate) PreCall(provider string, estimate int64) (Decision, int64, int64) {
	limit := g.cfg.DailyMicroUSD
	if limit <= 0 {
		return DecisionAllow, 0, 0
	}
	spent := g.spend.ProviderToday(provider)
	projected := spent + estimate

	if projected >= limit {
		decision := DecisionDowngrade
		switch g.cfg.OnExceeded {
		case "block":
			decision = DecisionBlock
		case "warn":
			decision = DecisionWarn
		}
		logger.Warn("daily budget exceeded",
			zap.String("provider", provider),
			zap.Int64("spent_micro_usd", spent),
			zap.Int64("estimate_micro_usd", estimate),
			zap.Int64("limit_micro_usd", limit),
			zap.String("action", string(decision)))
		return decision, spent, limit
	}

	if g.cfg.WarnAtPercent > 0 && projected*100 >= limit*int64(g.cfg.WarnAtPercent) {
		logger.Warn("approaching daily budget",
			zap.String("provider", provider),
			zap.Int64("spent_micro_usd", spent),
			zap.Int64("limit_micro_usd", limit),
			zap.Int("warn_at_percent", g.cfg.WarnAtPercent))
		return DecisionWarn, spent, limit
	}

	return DecisionAllow, spent, limit
}

func (g *BudgetGate) PostCall(provider string, actual int64) {
	if err := g.spend.Add(provider, actual); err != nil {
		logger.Warn("spend counter update failed",
			zap.String("provider", provider), zap.Error(err))
	}
}

// EstimateCost projects the worst-case cost of a request: estimated input
// tokens at the input price plus the full output reservation at the
// output price. Unpriced models estimate zero and are never gated.
func EstimateCost(req *domain.CompletionRequest, pricing domain.ModelPricing) int64 {
	if !pricing.Configured() {
		return 0
	}
	inputTokens := llm.EstimateInputTokens(req)
	inCost, _, ok1 := costComponent(inputTokens, pricing.InputPerMTok)
	outCost, _, ok2 := costComponent(req.MaxTokens, pricing.OutputPerMTok)
	if !ok1 || !ok2 {
		return MaxSafeProduct / microPerMTok
	}
	return inCost + outCost
}
