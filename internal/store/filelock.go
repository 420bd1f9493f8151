package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callgate/internal/config"

	"github.com/gofrs/flock"
)

// FileLock keeps a single manager instance per calls directory. The lock
// file also records the holder's pid so a second instance can say who has it.
type FileLock struct {
	fileLock   *flock.Flock
	lockPath   string
	acquiredAt time.Time
	mu         sync.RWMutex
}

type FileLockConfig struct {
	LockTimeout  time.Duration
	LockRetry    time.Duration
	LockMaxRetry int
}

func DefaultFileLockConfig() *FileLockConfig {
	lockTimeout, _ := config.DurationOrDefault("", config.DefaultStoreLockTimeout)
	lockRetry, _ := config.DurationOrDefault("", config.DefaultStoreLockRetry)

	return &FileLockConfig{
		LockTimeout:  lockTimeout,
		LockRetry:    lockRetry,
		LockMaxRetry: config.DefaultStoreLockMaxRetry,
	}
}

// waitBudget is the shorter of the timeout and retry*maxRetry.
func (c *FileLockConfig) waitBudget() time.Duration {
	budget := c.LockTimeout
	if c.LockMaxRetry > 0 && c.LockRetry > 0 {
		if byRetries := c.LockRetry * time.Duration(c.LockMaxRetry); budget <= 0 || byRetries < budget {
			budget = byRetries
		}
	}
	return budget
}

// NewFileLock acquires <dir>/<name>.lock, polling until the wait budget runs out.
func NewFileLock(name, dir string, cfg *FileLockConfig) (*FileLock, error) {
	if cfg == nil {
		cfg = DefaultFileLockConfig()
	}
	retry := cfg.LockRetry
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}
	budget := cfg.waitBudget()

	lockPath := filepath.Join(dir, name+".lock")
	fl := &FileLock{
		fileLock: flock.New(lockPath),
		lockPath: lockPath,
	}

	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	locked, err := fl.fileLock.TryLockContext(ctx, retry)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("failed to attempt lock %s: %w", lockPath, err)
	}
	if !locked {
		holder := ""
		if pid, since, ok := readLockHolder(lockPath); ok {
			holder = fmt.Sprintf(" (pid %d since %s)", pid, since.Format(time.RFC3339))
		}
		return nil, fmt.Errorf("%s is locked by another instance%s (timeout after %v)", lockPath, holder, budget)
	}

	fl.acquiredAt = time.Now()
	if err := writeLockHolder(lockPath, fl.acquiredAt); err != nil {
		slog.Warn("Failed to record lock holder", "path", lockPath, "error", err)
	}
	slog.Info("File lock acquired", "path", lockPath)
	return fl, nil
}

func (fl *FileLock) Unlock() {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.fileLock == nil {
		return
	}

	if err := fl.fileLock.Unlock(); err != nil {
		slog.Error("Failed to release file lock", "path", fl.lockPath, "error", err)
	} else {
		slog.Info("File lock released", "path", fl.lockPath, "held_duration_ms", time.Since(fl.acquiredAt).Milliseconds())
	}
	fl.fileLock = nil
}

func (fl *FileLock) IsLocked() bool {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return fl.fileLock != nil
}

func (fl *FileLock) Path() string {
	return fl.lockPath
}

func writeLockHolder(lockPath string, at time.Time) error {
	content := fmt.Sprintf("%d %s\n", os.Getpid(), at.UTC().Format(time.RFC3339))
	return os.WriteFile(lockPath, []byte(content), 0644)
}

func readLockHolder(lockPath string) (int, time.Time, bool) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, time.Time{}, false
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return 0, time.Time{}, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, time.Time{}, false
	}
	since, err := time.Parse(time.RFC3339, fields[1])
	if err != nil {
		return 0, time.Time{}, false
	}
	return pid, since, true
}

// CleanupStaleLocks removes a lock file older than maxAge when force is set
// and no running instance holds it. Without force it only reports the file.
func CleanupStaleLocks(lockPath string, maxAge time.Duration, force bool) error {
	info, err := os.Stat(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	age := time.Since(info.ModTime())
	if age <= maxAge {
		return nil
	}

	probe := flock.New(lockPath)
	locked, err := probe.TryLock()
	if err != nil {
		return fmt.Errorf("probe lock %s: %w", lockPath, err)
	}
	if !locked {
		slog.Info("Lock file is held by a running instance, leaving it", "path", lockPath, "age", age)
		return nil
	}
	defer probe.Unlock()

	slog.Warn("Found stale lock file", "path", lockPath, "age", age, "max_age", maxAge)
	if !force {
		return nil
	}
	if err := os.Remove(lockPath); err != nil {
		return fmt.Errorf("remove stale lock %s: %w", lockPath, err)
	}
	slog.Info("Stale lock file removed", "path", lockPath)
	return nil
}
