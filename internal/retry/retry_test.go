package retry

import (
	"context"
	"testing"
	"time"

	"github.com/nulzo/relay/internal/config"
	"github.com/nulzo/relay/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return PolicyFrom(config.RetryConfig{
		MaxRetries:          3,
		MaxTotalAttempts:    6,
		MaxProviderSwitches: 2,
		BaseDelaySec:        1,
	})
}

func retryableErr() error {
	return domain.ProviderUnavailableError("openai", "boom", nil)
}

func TestBudgetGlobalAttemptCap(t *testing.T) {
	b := NewBudget(testPolicy())
	for i := 0; i < 6; i++ {
		require.True(t, b.AttemptAllowed())
		b.RecordAttempt(retryableErr())
	}
	assert.False(t, b.AttemptAllowed())
	assert.Equal(t, 6, b.TotalAttempts())
}

func TestBudgetRetrySameProvider(t *testing.T) {
	b := NewBudget(testPolicy())

	// max_retries=3 means up to 3 retries after the first attempt.
	for i := 0; i < 3; i++ {
		b.RecordAttempt(retryableErr())
		assert.True(t, b.RetrySameProvider(retryableErr()))
	}
	b.RecordAttempt(retryableErr())
	assert.False(t, b.RetrySameProvider(retryableErr()))
}

func TestBudgetNonRetryableStopsImmediately(t *testing.T) {
	b := NewBudget(testPolicy())
	terminal := domain.InvalidInputError("bad request")
	b.RecordAttempt(terminal)
	assert.False(t, b.RetrySameProvider(terminal))
}

func TestBudgetProviderSwitchResetsPerProviderCount(t *testing.T) {
	b := NewBudget(testPolicy())
	for i := 0; i < 4; i++ {
		b.RecordAttempt(retryableErr())
	}
	require.False(t, b.RetrySameProvider(retryableErr()))

	require.True(t, b.SwitchProvider())
	b.RecordAttempt(retryableErr())
	assert.True(t, b.RetrySameProvider(retryableErr()))
}

func TestBudgetSwitchCap(t *testing.T) {
	b := NewBudget(testPolicy())
	assert.True(t, b.SwitchProvider())
	assert.True(t, b.SwitchProvider())
	assert.False(t, b.SwitchProvider())
}

func TestBudgetExhaustedCarriesLastError(t *testing.T) {
	b := NewBudget(testPolicy())
	b.RecordAttempt(retryableErr())

	err := b.Exhausted()
	assert.Equal(t, domain.CodeRetriesExhausted, domain.CodeOf(err))
	assert.Contains(t, err.Error(), "openai")
}

func TestBackoffGrowsExponentially(t *testing.T) {
	b := NewBudget(testPolicy())

	b.RecordAttempt(retryableErr())
	first := b.Backoff()
	assert.GreaterOrEqual(t, first, 1*time.Second)
	assert.Less(t, first, 2*time.Second+time.Millisecond)

	b.RecordAttempt(retryableErr())
	second := b.Backoff()
	assert.GreaterOrEqual(t, second, 2*time.Second)
	assert.Less(t, second, 3*time.Second+time.Millisecond)
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
