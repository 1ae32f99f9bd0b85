package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nulzo/relay/internal/platform/logger"
	"go.uber.org/zap"
)

// FileStore keeps per-provider breaker state as JSON files in the run
// directory, serialized across processes with an advisory lock file.
type FileStore struct {
	dir   string
	clock func() time.Time
}

func NewFileStore(runDir string) (*FileStore, error) {
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return nil, fmt.Errorf("cannot create run dir %s: %w", runDir, err)
	}
	return &FileStore{dir: runDir, clock: time.Now}, nil
}

func (f *FileStore) statePath(provider string) string {
	return filepath.Join(f.dir, "circuit-breaker-"+provider+".json")
}

// withFileLock holds an exclusive advisory lock for the duration of fn.
func (f *FileStore) withFileLock(provider string, fn func() error) error {
	lockPath := f.statePath(provider) + ".lock"
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("cannot open lock file %s: %w", lockPath, err)
	}
	defer file.Close()

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("cannot lock %s: %w", lockPath, err)
	}
	defer func() {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	}()

	return fn()
}

// read returns the stored state, or a fresh closed state when the file is
// missing or unreadable. A corrupt state file must never take routing down.
func (f *FileStore) read(provider string) *State {
	now := f.clock()
	data, err := os.ReadFile(f.statePath(provider))
	if err != nil {
		return newState(now)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		logger.Warn("discarding corrupt breaker state",
			zap.String("provider", provider), zap.Error(err))
		return newState(now)
	}
	if s.Status == "" {
		s.Status = StatusClosed
	}
	return &s
}

func (f *FileStore) write(provider string, s *State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	path := f.statePath(provider)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *FileStore) Load(_ context.Context, provider string) (*State, error) {
	return f.read(provider), nil
}

func (f *FileStore) Mutate(_ context.Context, provider string, fn func(*State) error) (*State, error) {
	var out *State
	err := f.withFileLock(provider, func() error {
		s := f.read(provider)
		if err := fn(s); err != nil {
			return err
		}
		s.UpdatedAt = f.clock().Unix()
		out = s
		return f.write(provider, s)
	})
	return out, err
}

// Sweep drops breaker files whose state has not been touched within
// maxAge. Stale open circuits from long-dead runs must not keep a
// provider blocked forever.
func (f *FileStore) Sweep(_ context.Context, maxAge time.Duration) error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return err
	}
	cutoff := f.clock().Add(-maxAge).Unix()
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "circuit-breaker-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(f.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var s State
		if err := json.Unmarshal(data, &s); err == nil && s.UpdatedAt >= cutoff {
			continue
		}
		if err := os.Remove(path); err == nil {
			logger.Debug("swept stale breaker state", zap.String("file", name))
		}
	}
	return nil
}
