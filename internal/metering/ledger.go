package metering

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/nulzo/relay/internal/platform/logger"
	"go.uber.org/zap"
)

// Entry is one append-only ledger record. One entry is written per
// completed provider attempt, success or failure.
type Entry struct {
	TS        string `json:"ts"` // RFC3339Nano, UTC
	TraceID   string `json:"trace_id"`
	RequestID string `json:"request_id"`
	Agent     string `json:"agent"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`

	TokensIn        int `json:"tokens_in"`
	TokensOut       int `json:"tokens_out"`
	TokensReasoning int `json:"tokens_reasoning"`

	LatencyMS    int64 `json:"latency_ms"`
	CostMicroUSD int64 `json:"cost_micro_usd"`

	UsageSource   string `json:"usage_source"`   // actual | estimated
	PricingSource string `json:"pricing_source"` // config | unknown

	PhaseID  string `json:"phase_id,omitempty"`
	SprintID string `json:"sprint_id,omitempty"`

	Attempt int    `json:"attempt"`
	Outcome string `json:"outcome"` // success | error
	Error   string `json:"error,omitempty"`
}

// Ledger appends usage entries to a JSONL file shared across processes.
// Appends hold an exclusive advisory lock so concurrent writers never
// interleave partial lines.
type Ledger struct {
	path string
}

func NewLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("cannot create ledger dir: %w", err)
	}
	return &Ledger{path: path}, nil
}

func (l *Ledger) Path() string { return l.path }

// Append writes one entry as a single JSON line.
func (l *Ledger) Append(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cannot encode ledger entry: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("cannot open ledger: %w", err)
	}
	defer file.Close()

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("cannot lock ledger: %w", err)
	}
	defer func() {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	}()

	_, err = file.Write(append(data, '\n'))
	return err
}

// Read returns every parseable entry plus the count of corrupt lines
// skipped. A truncated line from a crashed writer never poisons reads.
func (l *Ledger) Read() ([]Entry, int, error) {
	file, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("cannot open ledger: %w", err)
	}
	defer file.Close()

	var entries []Entry
	skipped := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			skipped++
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, skipped, fmt.Errorf("ledger read failed: %w", err)
	}
	if skipped > 0 {
		logger.Warn("skipped corrupt ledger lines",
			zap.Int("count", skipped), zap.String("path", l.path))
	}
	return entries, skipped, nil
}
