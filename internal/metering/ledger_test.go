package metering

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(provider string, cost int64) Entry {
	return Entry{
		TS:            time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:       "tr-abc123",
		RequestID:     "req-def456",
		Agent:         "planner",
		Provider:      provider,
		Model:         "gpt-4o",
		TokensIn:      100,
		TokensOut:     50,
		CostMicroUSD:  cost,
		UsageSource:   "actual",
		PricingSource: PricingConfig,
		Attempt:       1,
		Outcome:       "success",
	}
}

func TestLedgerAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger", "usage.jsonl")
	ledger, err := NewLedger(path)
	require.NoError(t, err)

	require.NoError(t, ledger.Append(testEntry("openai", 100)))
	require.NoError(t, ledger.Append(testEntry("anthropic", 200)))

	entries, skipped, err := ledger.Read()
	require.NoError(t, err)
	assert.Equal(t, 0, skipped)
	require.Len(t, entries, 2)
	assert.Equal(t, "openai", entries[0].Provider)
	assert.Equal(t, int64(200), entries[1].CostMicroUSD)
}

func TestLedgerReadSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.jsonl")
	ledger, err := NewLedger(path)
	require.NoError(t, err)

	require.NoError(t, ledger.Append(testEntry("openai", 100)))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{truncated garba\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, ledger.Append(testEntry("anthropic", 200)))

	entries, skipped, err := ledger.Read()
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, entries, 2)
}

func TestLedgerReadMissingFile(t *testing.T) {
	ledger, err := NewLedger(filepath.Join(t.TempDir(), "none.jsonl"))
	require.NoError(t, err)

	entries, skipped, err := ledger.Read()
	require.NoError(t, err)
	assert.Nil(t, entries)
	assert.Equal(t, 0, skipped)
}

func TestLedgerConcurrentAppends(t *testing.T) {
	ledger, err := NewLedger(filepath.Join(t.TempDir(), "usage.jsonl"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ledger.Append(testEntry("openai", 1)))
		}()
	}
	wg.Wait()

	entries, skipped, err := ledger.Read()
	require.NoError(t, err)
	assert.Equal(t, 0, skipped, "concurrent appends must not interleave")
	assert.Len(t, entries, 20)
}
