package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveWorkspacePath_ExpandsHomeShortcut(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("user home dir: %v", err)
	}

	got, err := ResolveWorkspacePath("~/.callgate/ws")
	if err != nil {
		t.Fatalf("resolve workspace path: %v", err)
	}

	want := filepath.Join(home, ".callgate", "ws")
	if got != want {
		t.Fatalf("path mismatch: got %q want %q", got, want)
	}
}

func TestCallLogPaths(t *testing.T) {
	root := t.TempDir()

	logPath, err := GetCallLogPath(root)
	if err != nil {
		t.Fatalf("call log path: %v", err)
	}
	if want := filepath.Join(root, "calls", "calls.jsonl"); logPath != want {
		t.Fatalf("call log path = %q, want %q", logPath, want)
	}

	lockPath, err := GetLockPath(root)
	if err != nil {
		t.Fatalf("lock path: %v", err)
	}
	if want := filepath.Join(root, "calls", "calls.lock"); lockPath != want {
		t.Fatalf("lock path = %q, want %q", lockPath, want)
	}
}
