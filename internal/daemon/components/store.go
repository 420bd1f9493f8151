package components

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callgate/internal/config"
	"github.com/harunnryd/callgate/internal/daemon"
	"github.com/harunnryd/callgate/internal/store"
)

// CallLogComponent owns the persistence log and its directory lock.
type CallLogComponent struct {
	workspacePath string
	storeCfg      *config.StoreConfig
	log           *store.CallLog
	initialized   bool
	started       bool
	mu            sync.RWMutex
	startTime     time.Time
}

func NewCallLogComponent(workspacePath string, storeCfg *config.StoreConfig) *CallLogComponent {
	return &CallLogComponent{
		workspacePath: workspacePath,
		storeCfg:      storeCfg,
	}
}

func (s *CallLogComponent) Name() string {
	return "CallLog"
}

func (s *CallLogComponent) Dependencies() []string {
	return []string{}
}

func (s *CallLogComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("CallLog init cancelled: %w", ctx.Err())
	default:
	}

	var cfg config.StoreConfig
	if s.storeCfg != nil {
		cfg = *s.storeCfg
	}

	lockTimeout, err := config.DurationOrDefault(cfg.LockTimeout, config.DefaultStoreLockTimeout)
	if err != nil {
		return fmt.Errorf("parse store lock timeout: %w", err)
	}
	lockRetry, err := config.DurationOrDefault(cfg.LockRetry, config.DefaultStoreLockRetry)
	if err != nil {
		return fmt.Errorf("parse store lock retry: %w", err)
	}

	dir, err := store.GetCallsDir(s.workspacePath)
	if err != nil {
		return fmt.Errorf("resolve calls directory: %w", err)
	}

	callLog, err := store.OpenCallLog(dir, store.RuntimeConfig{
		LockTimeout:       lockTimeout,
		LockRetry:         lockRetry,
		LockMaxRetry:      cfg.LockMaxRetry,
		InboxSize:         cfg.InboxSize,
		LogRotateMaxBytes: cfg.LogRotateMaxBytes,
	})
	if err != nil {
		if strings.Contains(err.Error(), "is locked by another instance") {
			return fmt.Errorf("call log %s is locked by another instance: %w", dir, err)
		}
		return fmt.Errorf("failed to open call log: %w", err)
	}

	s.log = callLog
	s.initialized = true
	slog.Info("CallLog initialized", "component", s.Name(), "path", callLog.Path())
	return nil
}

func (s *CallLogComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("CallLog not initialized")
	}

	s.log.Start()
	s.started = true
	s.startTime = time.Now()
	slog.Info("CallLog started", "component", s.Name())
	return nil
}

func (s *CallLogComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		slog.Info("CallLog not initialized, skipping stop", "component", s.Name())
		return nil
	}

	slog.Info("Stopping CallLog...", "component", s.Name())
	if s.started {
		if err := s.log.Flush(); err != nil {
			slog.Warn("CallLog flush failed", "component", s.Name(), "error", err)
		}
	}
	// Stop also releases the lock when the worker never started.
	s.log.Stop()
	s.started = false
	s.initialized = false
	slog.Info("CallLog stopped", "component", s.Name())
	return nil
}

func (s *CallLogComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case !s.initialized:
		return unhealthy(s.Name(), "not initialized"), nil
	case !s.started:
		return unhealthy(s.Name(), "not started"), nil
	case !s.log.IsLockHeld():
		return unhealthy(s.Name(), "lock not held"), nil
	case !s.log.IsRunning():
		return unhealthy(s.Name(), "loop not running"), nil
	}
	return &daemon.ComponentHealth{Name: s.Name(), Healthy: true}, nil
}

func (s *CallLogComponent) GetCallLog() *store.CallLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log
}

func unhealthy(name, reason string) *daemon.ComponentHealth {
	return &daemon.ComponentHealth{Name: name, Healthy: false, Error: fmt.Errorf("%s", reason)}
}
