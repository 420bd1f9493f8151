package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// ExpandPath resolves environment variables and a leading "~/".
func ExpandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}

	expanded := os.ExpandEnv(trimmed)
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		home, err := homeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		expanded = filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(expanded, "~"), "/"))
	}

	return filepath.Clean(expanded), nil
}

func homeDir() (string, error) {
	usable := func(p string) bool {
		p = strings.TrimSpace(p)
		return p != "" && p != "~" && !strings.HasPrefix(p, "~/")
	}

	if home, err := os.UserHomeDir(); err == nil && usable(home) {
		return home, nil
	}
	if current, err := user.Current(); err == nil && usable(current.HomeDir) {
		return current.HomeDir, nil
	}
	return "", fmt.Errorf("HOME is not set or not resolved")
}
