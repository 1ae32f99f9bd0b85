package metering

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nulzo/relay/internal/config"
	"github.com/nulzo/relay/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) *SpendTracker {
	t.Helper()
	tracker, err := NewSpendTracker(filepath.Join(t.TempDir(), "usage.jsonl"))
	require.NoError(t, err)
	return tracker
}

func TestSpendTrackerAccumulates(t *testing.T) {
	tracker := newTestTracker(t)

	require.NoError(t, tracker.Add("openai", 100))
	require.NoError(t, tracker.Add("openai", 50))
	require.NoError(t, tracker.Add("anthropic", 25))

	assert.Equal(t, int64(150), tracker.ProviderToday("openai"))
	assert.Equal(t, int64(175), tracker.TotalToday())
}

func TestSpendTrackerDateRollover(t *testing.T) {
	tracker := newTestTracker(t)
	now := time.Date(2026, 8, 29, 23, 0, 0, 0, time.UTC)
	tracker.clock = func() time.Time { return now }

	require.NoError(t, tracker.Add("openai", 500))
	assert.Equal(t, int64(500), tracker.TotalToday())

	now = now.Add(2 * time.Hour)
	assert.Equal(t, int64(0), tracker.TotalToday(), "yesterday's spend must not count today")
}

func testBudget(onExceeded string) config.BudgetConfig {
	return config.BudgetConfig{
		DailyMicroUSD: 1000,
		WarnAtPercent: 80,
		OnExceeded:    onExceeded,
	}
}

func TestBudgetGateAllowsUnderThreshold(t *testing.T) {
	gate := NewBudgetGate(testBudget("downgrade"), newTestTracker(t))

	decision, _, _ := gate.PreCall("openai", 100)
	assert.Equal(t, DecisionAllow, decision)
}

func TestBudgetGateWarnsNearLimit(t *testing.T) {
	tracker := newTestTracker(t)
	require.NoError(t, tracker.Add("openai", 750))
	gate := NewBudgetGate(testBudget("downgrade"), tracker)

	decision, spent, limit := gate.PreCall("openai", 100)
	assert.Equal(t, DecisionWarn, decision)
	assert.Equal(t, int64(750), spent)
	assert.Equal(t, int64(1000), limit)
}

func TestBudgetGateExceededFollowsPolicy(t *testing.T) {
	tests := []struct {
		policy string
		want   Decision
	}{
		{"downgrade", DecisionDowngrade},
		{"block", DecisionBlock},
		{"warn", DecisionWarn},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			tracker := newTestTracker(t)
			require.NoError(t, tracker.Add("openai", 950))
			gate := NewBudgetGate(testBudget(tt.policy), tracker)

			decision, _, _ := gate.PreCall("openai", 100)
			assert.Equal(t, tt.want, decision)
		})
	}
}

func TestBudgetGateScopesSpendPerProvider(t *testing.T) {
	tracker := newTestTracker(t)
	require.NoError(t, tracker.Add("anthropic", 950))
	gate := NewBudgetGate(testBudget("block"), tracker)

	decision, spent, _ := gate.PreCall("openai", 100)
	assert.Equal(t, DecisionAllow, decision, "another provider's spend must not gate this one")
	assert.Equal(t, int64(0), spent)

	decision, _, _ = gate.PreCall("anthropic", 100)
	assert.Equal(t, DecisionBlock, decision)
}

func TestBudgetGatePostCallFeedsCounter(t *testing.T) {
	tracker := newTestTracker(t)
	gate := NewBudgetGate(testBudget("block"), tracker)

	gate.PostCall("openai", 999)
	decision, _, _ := gate.PreCall("openai", 1)
	assert.Equal(t, DecisionBlock, decision)
}

func TestBudgetGateUnlimitedWhenZero(t *testing.T) {
	gate := NewBudgetGate(config.BudgetConfig{DailyMicroUSD: 0}, newTestTracker(t))
	decision, _, _ := gate.PreCall("openai", 1<<40)
	assert.Equal(t, DecisionAllow, decision)
}

func TestNoopGateAlwaysAllows(t *testing.T) {
	decision, _, _ := NoopGate{}.PreCall("openai", 1<<40)
	assert.Equal(t, DecisionAllow, decision)
}

func TestEstimateCostProjectsWorstCase(t *testing.T) {
	pricing := domain.ModelPricing{
		InputPerMTok:  1_000_000,
		OutputPerMTok: 2_000_000,
	}
	req := &domain.CompletionRequest{
		MaxTokens: 1000,
		Messages:  []domain.Message{{Role: "user", Content: "hello there"}},
	}

	estimate := EstimateCost(req, pricing)
	// Full output reservation priced even though usage may be smaller.
	assert.GreaterOrEqual(t, estimate, int64(2000))
}

func TestEstimateCostUnpricedIsZero(t *testing.T) {
	req := &domain.CompletionRequest{MaxTokens: 100000}
	assert.Equal(t, int64(0), EstimateCost(req, domain.ModelPricing{}))
}
