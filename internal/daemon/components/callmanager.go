package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callgate/internal/config"
	"github.com/harunnryd/callgate/internal/daemon"
	"github.com/harunnryd/callgate/internal/notify"
	"github.com/harunnryd/callgate/internal/responder"
	"github.com/harunnryd/callgate/internal/voice/manager"
	"github.com/harunnryd/callgate/internal/voice/providers"
)

// CallManagerComponent builds the provider adapter and the call manager,
// and restores calls that were live when the previous process stopped.
type CallManagerComponent struct {
	cfg         *config.Config
	logComp     *CallLogComponent
	adapter     providers.Adapter
	manager     *manager.Manager
	notifier    *notify.Dispatcher
	restored    int
	initialized bool
	started     bool
	mu          sync.RWMutex
}

func NewCallManagerComponent(cfg *config.Config, logComp *CallLogComponent) *CallManagerComponent {
	return &CallManagerComponent{cfg: cfg, logComp: logComp}
}

// WithAdapter replaces the adapter chosen from voice.provider.
func (c *CallManagerComponent) WithAdapter(a providers.Adapter) *CallManagerComponent {
	c.adapter = a
	return c
}

func (c *CallManagerComponent) Name() string {
	return "CallManager"
}

func (c *CallManagerComponent) Dependencies() []string {
	return []string{"CallLog"}
}

func (c *CallManagerComponent) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.logComp == nil {
		return fmt.Errorf("call log component not provided")
	}
	callLog := c.logComp.GetCallLog()
	if callLog == nil {
		return fmt.Errorf("call log not initialized")
	}

	if c.adapter == nil {
		adapter, err := providers.New(c.cfg.Voice)
		if err != nil {
			return fmt.Errorf("failed to create voice provider: %w", err)
		}
		c.adapter = adapter
	}

	mcfg, err := manager.ConfigFromVoice(c.cfg.Voice, providers.WebhookURL(c.cfg.Voice.PublicURL))
	if err != nil {
		return fmt.Errorf("invalid voice config: %w", err)
	}
	mcfg.ResponderTimeout, err = config.DurationOrDefault(c.cfg.Responder.Timeout, config.DefaultResponderTimeout)
	if err != nil {
		return fmt.Errorf("parse responder timeout: %w", err)
	}

	var opts []manager.Option
	if c.cfg.Responder.Enabled {
		r, err := responder.New(c.cfg.Responder)
		if err != nil {
			return fmt.Errorf("failed to create responder: %w", err)
		}
		opts = append(opts, manager.WithResponder(r))
		slog.Info("Responder enabled", "component", c.Name(), "backend", r.Name())
	}

	notifier, err := notify.FromConfig(c.cfg.Notify)
	if err != nil {
		return fmt.Errorf("failed to create notifier: %w", err)
	}
	if notifier.Enabled() {
		opts = append(opts, manager.WithCallEndedHook(notifier.CallEnded))
	}
	c.notifier = notifier

	c.manager = manager.New(mcfg, c.adapter, callLog, nil, opts...)

	// The log worker is not running yet, so recovery reads the file directly.
	records, err := callLog.Recover()
	if err != nil {
		slog.Warn("Call recovery failed, starting with no active calls", "component", c.Name(), "error", err)
	}
	// Recently ended calls seed the manager's ended set so webhook retries
	// for them are not admitted again.
	recent, err := callLog.History(manager.EndedMemory)
	if err != nil {
		slog.Warn("Call history unreadable, ended calls not remembered", "component", c.Name(), "error", err)
	}
	for _, rec := range recent {
		if rec.IsTerminal() {
			records = append(records, rec)
		}
	}
	c.restored = c.manager.Restore(records)

	c.initialized = true
	slog.Info("CallManager initialized",
		"component", c.Name(),
		"provider", c.adapter.Name(),
		"restored", c.restored,
		"capacity", mcfg.MaxConcurrentCalls,
	)
	return nil
}

func (c *CallManagerComponent) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return fmt.Errorf("CallManager not initialized")
	}
	c.started = true
	slog.Info("CallManager started", "component", c.Name())
	return nil
}

func (c *CallManagerComponent) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		slog.Info("CallManager not initialized, skipping stop", "component", c.Name())
		return nil
	}

	slog.Info("Stopping CallManager...", "component", c.Name())
	c.manager.Close()

	if c.notifier != nil && c.notifier.Enabled() {
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := c.notifier.Wait(waitCtx); err != nil {
			slog.Warn("Pending call summaries abandoned", "component", c.Name(), "error", err)
		}
		cancel()
	}

	if callLog := c.logComp.GetCallLog(); callLog != nil && callLog.IsRunning() {
		if err := callLog.Flush(); err != nil {
			slog.Warn("Call log flush failed", "component", c.Name(), "error", err)
		}
	}

	c.started = false
	c.initialized = false
	slog.Info("CallManager stopped", "component", c.Name())
	return nil
}

func (c *CallManagerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch {
	case !c.initialized:
		return unhealthy(c.Name(), "not initialized"), nil
	case !c.started:
		return unhealthy(c.Name(), "not started"), nil
	}
	return &daemon.ComponentHealth{Name: c.Name(), Healthy: true}, nil
}

func (c *CallManagerComponent) GetManager() *manager.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manager
}

func (c *CallManagerComponent) GetAdapter() providers.Adapter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.adapter
}

// Restored reports how many live calls were recovered at init.
func (c *CallManagerComponent) Restored() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.restored
}
