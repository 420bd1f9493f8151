package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortLockConfig(timeout time.Duration) *FileLockConfig {
	retry := 10 * time.Millisecond
	maxRetry := int(timeout / retry)
	if maxRetry < 1 {
		maxRetry = 1
	}
	return &FileLockConfig{
		LockTimeout:  timeout,
		LockRetry:    retry,
		LockMaxRetry: maxRetry,
	}
}

func TestNewFileLock(t *testing.T) {
	tmpDir := t.TempDir()

	lock, err := NewFileLock("calls", tmpDir, nil)
	require.NoError(t, err)
	assert.True(t, lock.IsLocked())
	assert.Equal(t, filepath.Join(tmpDir, "calls.lock"), lock.Path())

	pid, since, ok := readLockHolder(lock.Path())
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)
	assert.WithinDuration(t, time.Now(), since, time.Minute)

	lock.Unlock()
	assert.False(t, lock.IsLocked())
	lock.Unlock()
	assert.False(t, lock.IsLocked(), "double unlock is a no-op")
}

func TestFileLock_SecondInstanceNamesHolder(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := shortLockConfig(200 * time.Millisecond)

	first, err := NewFileLock("calls", tmpDir, cfg)
	require.NoError(t, err)
	defer first.Unlock()

	second, err := NewFileLock("calls", tmpDir, cfg)
	if err == nil {
		second.Unlock()
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked by another instance")
	assert.Contains(t, err.Error(), "pid")
}

func TestFileLock_RetriesUntilBudget(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := shortLockConfig(120 * time.Millisecond)

	first, err := NewFileLock("calls", tmpDir, cfg)
	require.NoError(t, err)
	defer first.Unlock()

	start := time.Now()
	_, err = NewFileLock("calls", tmpDir, cfg)
	require.Error(t, err)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestFileLock_AcquiresAfterRelease(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := shortLockConfig(time.Second)

	first, err := NewFileLock("calls", tmpDir, cfg)
	require.NoError(t, err)
	go func() {
		time.Sleep(50 * time.Millisecond)
		first.Unlock()
	}()

	second, err := NewFileLock("calls", tmpDir, cfg)
	require.NoError(t, err)
	second.Unlock()
}

func TestFileLockConfig_WaitBudget(t *testing.T) {
	assert.Equal(t, 50*time.Millisecond, (&FileLockConfig{LockTimeout: time.Second, LockRetry: 10 * time.Millisecond, LockMaxRetry: 5}).waitBudget())
	assert.Equal(t, time.Second, (&FileLockConfig{LockTimeout: time.Second, LockRetry: 10 * time.Millisecond}).waitBudget())
}

func ageFile(t *testing.T, path string, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestCleanupStaleLocks(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "calls.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("4242 2026-01-01T00:00:00Z\n"), 0644))
	ageFile(t, lockPath, 2*time.Hour)

	require.NoError(t, CleanupStaleLocks(lockPath, time.Hour, false))
	assert.FileExists(t, lockPath, "report-only cleanup keeps the file")

	require.NoError(t, CleanupStaleLocks(lockPath, time.Hour, true))
	assert.NoFileExists(t, lockPath)

	assert.NoError(t, CleanupStaleLocks(lockPath, time.Hour, true), "missing file is fine")
}

func TestCleanupStaleLocks_KeepsLiveHolder(t *testing.T) {
	tmpDir := t.TempDir()
	lock, err := NewFileLock("calls", tmpDir, nil)
	require.NoError(t, err)
	defer lock.Unlock()
	ageFile(t, lock.Path(), 2*time.Hour)

	require.NoError(t, CleanupStaleLocks(lock.Path(), time.Hour, true))
	assert.FileExists(t, lock.Path())

	fresh := filepath.Join(tmpDir, "fresh.lock")
	require.NoError(t, os.WriteFile(fresh, nil, 0644))
	require.NoError(t, CleanupStaleLocks(fresh, time.Hour, true))
	assert.FileExists(t, fresh, "young lock files are left alone")
}
