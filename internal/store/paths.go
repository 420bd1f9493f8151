package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harunnryd/callgate/internal/config"
)

const (
	callsDirName = "calls"
	callLogName  = "calls.jsonl"
	callLockName = "calls"
	schedulerDir = "scheduler"
	backupSuffix = ".bak"
)

// ResolveWorkspacePath expands the configured workspace path. If empty, it
// falls back to ~/.callgate/workspace.
func ResolveWorkspacePath(workspacePath string) (string, error) {
	if trimmed := strings.TrimSpace(workspacePath); trimmed != "" {
		return config.ExpandPath(trimmed)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".callgate", "workspace"), nil
}

// GetCallsDir returns the directory holding the call log and its lock.
func GetCallsDir(workspacePath string) (string, error) {
	base, err := ResolveWorkspacePath(workspacePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, callsDirName), nil
}

// GetCallLogPath returns the live call log file.
func GetCallLogPath(workspacePath string) (string, error) {
	dir, err := GetCallsDir(workspacePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, callLogName), nil
}

// GetLockPath returns the lock file guarding the call log.
func GetLockPath(workspacePath string) (string, error) {
	dir, err := GetCallsDir(workspacePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, callLockName+".lock"), nil
}

// GetSchedulerDir returns the scheduled-calls state directory.
func GetSchedulerDir(workspacePath string) (string, error) {
	base, err := ResolveWorkspacePath(workspacePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, schedulerDir), nil
}

// backupPaths lists rotated copies of logPath, oldest first.
func backupPaths(logPath string) ([]string, error) {
	matches, err := filepath.Glob(logPath + ".*" + backupSuffix)
	if err != nil {
		return nil, err
	}

	modTimes := make(map[string]int64, len(matches))
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil {
			modTimes[m] = info.ModTime().UnixNano()
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if modTimes[matches[i]] != modTimes[matches[j]] {
			return modTimes[matches[i]] < modTimes[matches[j]]
		}
		return matches[i] < matches[j]
	})
	return matches, nil
}
