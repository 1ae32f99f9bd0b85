package metering

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// spendRecord is the on-disk daily counter for one provider. Keeping a
// counter beside the ledger makes budget checks O(1) instead of a full
// ledger scan per call.
type spendRecord struct {
	Date          string `json:"date"` // YYYY-MM-DD, UTC
	Provider      string `json:"provider"`
	SpentMicroUSD int64  `json:"spent_micro_usd"`
}

// SpendTracker maintains per-provider per-day spend counters in the
// ledger directory, shared across processes via advisory file locks.
type SpendTracker struct {
	dir   string
	clock func() time.Time
}

func NewSpendTracker(ledgerPath string) (*SpendTracker, error) {
	dir := filepath.Dir(ledgerPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("cannot create spend dir: %w", err)
	}
	return &SpendTracker{dir: dir, clock: time.Now}, nil
}

func (s *SpendTracker) today() string {
	return s.clock().UTC().Format("2006-01-02")
}

func (s *SpendTracker) path(provider, date string) string {
	return filepath.Join(s.dir, fmt.Sprintf(".daily-spend-%s-%s.json", provider, date))
}

// Add accumulates cost for a provider under today's counter.
func (s *SpendTracker) Add(provider string, costMicroUSD int64) error {
	if costMicroUSD <= 0 {
		return nil
	}
	date := s.today()
	path := s.path(provider, date)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("cannot open spend counter: %w", err)
	}
	defer file.Close()

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("cannot lock spend counter: %w", err)
	}
	defer func() {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	}()

	record := spendRecord{Date: date, Provider: provider}
	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		// Corrupt counters restart at zero rather than blocking spend.
		_ = json.Unmarshal(data, &record)
	}
	record.SpentMicroUSD += costMicroUSD

	out, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}
	_, err = file.Write(out)
	return err
}

// ProviderToday returns today's spend for one provider.
func (s *SpendTracker) ProviderToday(provider string) int64 {
	return s.readCounter(s.path(provider, s.today()))
}

// TotalToday sums today's spend across all providers.
func (s *SpendTracker) TotalToday() int64 {
	pattern := filepath.Join(s.dir, ".daily-spend-*-"+s.today()+".json")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return 0
	}
	var total int64
	for _, path := range paths {
		total += s.readCounter(path)
	}
	return total
}

func (s *SpendTracker) readCounter(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var record spendRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return 0
	}
	if record.Date != s.today() {
		return 0
	}
	return record.SpentMicroUSD
}
