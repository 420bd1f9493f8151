package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harunnryd/callgate/internal/config"
	"github.com/harunnryd/callgate/internal/store"
)

// Daemon runs the gateway's components: init and start in dependency order,
// stop in reverse.
type Daemon struct {
	cfg           *config.Config
	workspacePath string
	timeouts      timeouts
	components    []Component
	order         []string
	initialized   []string
	health        HealthStatus
	uptimeStart   time.Time
	forceCleanup  bool
	mu            sync.RWMutex
}

type timeouts struct {
	shutdown        time.Duration
	startupShutdown time.Duration
	preflight       time.Duration
	staleLock       time.Duration
	healthInterval  time.Duration
}

func NewDaemon(cfg *config.Config) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	workspacePath, err := store.ResolveWorkspacePath(cfg.Daemon.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace path: %w", err)
	}

	return &Daemon{
		cfg:           cfg,
		workspacePath: workspacePath,
		health:        StatusStarting,
		uptimeStart:   time.Now(),
	}, nil
}

func (d *Daemon) AddComponent(comp Component) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components = append(d.components, comp)
	slog.Info("Component registered", "component", comp.Name(), "total_components", len(d.components))
}

// Start blocks until ctx is canceled or the process receives SIGINT/SIGTERM,
// then stops every initialized component. It returns the context error on a
// signal or cancel so callers can tell a clean stop from a failure.
func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("Callgate daemon starting...", "workspace", d.workspacePath)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.validateConfig(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := d.preInitChecks(ctx); err != nil {
		return fmt.Errorf("pre-init checks failed: %w", err)
	}

	if err := d.initializeComponents(ctx); err != nil {
		d.rollback(ctx)
		return fmt.Errorf("component initialization failed: %w", err)
	}
	if err := d.startComponents(ctx); err != nil {
		_ = d.gracefulShutdown(context.Background(), d.timeouts.startupShutdown)
		return fmt.Errorf("component startup failed: %w", err)
	}

	d.setHealth(StatusRunning)
	slog.Info("Callgate daemon is running", "workspace", d.workspacePath, "components", len(d.components))

	monitorDone := make(chan struct{})
	go d.monitorHealth(ctx, monitorDone)

	<-ctx.Done()
	close(monitorDone)

	slog.Info("Context cancelled, initiating graceful shutdown", "workspace", d.workspacePath, "reason", ctx.Err())
	d.setHealth(StatusStopping)
	if err := d.gracefulShutdown(context.Background(), d.timeouts.shutdown); err != nil {
		return err
	}

	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	return nil
}

func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

func (d *Daemon) WorkspacePath() string {
	return d.workspacePath
}

func (d *Daemon) Uptime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return time.Since(d.uptimeStart)
}

// SetForceCleanup lets preflight delete a stale call log lock.
func (d *Daemon) SetForceCleanup(force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forceCleanup = force
}

// Component returns the registered component with the given name.
func (d *Daemon) Component(name string) Component {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lookup(name)
}

// ComponentHealth probes every component. A probe error always marks the
// component unhealthy.
func (d *Daemon) ComponentHealth() map[string]*ComponentHealth {
	d.mu.RLock()
	components := append([]Component(nil), d.components...)
	d.mu.RUnlock()

	result := make(map[string]*ComponentHealth, len(components))
	for _, comp := range components {
		health, err := comp.Health(context.Background())
		if health == nil {
			health = &ComponentHealth{Name: comp.Name(), Healthy: err == nil}
		}
		if err != nil {
			health.Healthy = false
			health.Error = err
		}
		result[comp.Name()] = health
	}
	return result
}

func (d *Daemon) setHealth(status HealthStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = status
}

func (d *Daemon) lookup(name string) Component {
	for _, comp := range d.components {
		if comp.Name() == name {
			return comp
		}
	}
	return nil
}

// validateConfig checks the config and parses every daemon duration up
// front so a bad value fails before any component runs.
func (d *Daemon) validateConfig() error {
	slog.Info("Validating configuration...")

	if d.cfg.Server.Port < 1 || d.cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", d.cfg.Server.Port)
	}
	if err := d.cfg.Validate(); err != nil {
		return err
	}

	dc := d.cfg.Daemon
	durations := []struct {
		name  string
		value string
		def   string
		dst   *time.Duration
	}{
		{"shutdown_timeout", dc.ShutdownTimeout, config.DefaultDaemonShutdownTimeout, &d.timeouts.shutdown},
		{"startup_shutdown_timeout", dc.StartupShutdownTimeout, config.DefaultDaemonStartupShutdownTimeout, &d.timeouts.startupShutdown},
		{"preflight_timeout", dc.PreflightTimeout, config.DefaultDaemonPreflightTimeout, &d.timeouts.preflight},
		{"stale_lock_ttl", dc.StaleLockTTL, config.DefaultDaemonStaleLockTTL, &d.timeouts.staleLock},
		{"health_check_interval", dc.HealthCheckInterval, config.DefaultDaemonHealthCheckInterval, &d.timeouts.healthInterval},
	}
	for _, dur := range durations {
		v, err := config.DurationOrDefault(dur.value, dur.def)
		if err != nil {
			return fmt.Errorf("daemon.%s: %w", dur.name, err)
		}
		*dur.dst = v
	}

	if err := os.MkdirAll(d.workspacePath, 0755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	slog.Info("Configuration validated", "workspace", d.workspacePath, "port", d.cfg.Server.Port, "provider", d.cfg.Voice.Provider)
	return nil
}

// preInitChecks clears a call log lock left behind by a crashed instance.
func (d *Daemon) preInitChecks(ctx context.Context) error {
	slog.Info("Running pre-init checks...", "workspace", d.workspacePath)

	checkCtx, cancel := context.WithTimeout(ctx, d.timeouts.preflight)
	defer cancel()

	lockPath, err := store.GetLockPath(d.workspacePath)
	if err != nil {
		return fmt.Errorf("resolve lock path: %w", err)
	}

	d.mu.RLock()
	force := d.forceCleanup
	d.mu.RUnlock()
	if err := store.CleanupStaleLocks(lockPath, d.timeouts.staleLock, force); err != nil {
		slog.Warn("Failed to cleanup stale locks", "workspace", d.workspacePath, "error", err)
	}

	if err := checkCtx.Err(); err != nil {
		return fmt.Errorf("pre-init checks cancelled: %w", err)
	}
	slog.Info("Pre-init checks completed", "workspace", d.workspacePath)
	return nil
}

// monitorHealth logs components whose health changes, until done closes.
func (d *Daemon) monitorHealth(ctx context.Context, done <-chan struct{}) {
	interval := d.timeouts.healthInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	unhealthy := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			d.checkComponentHealth(unhealthy)
		}
	}
}

func (d *Daemon) checkComponentHealth(unhealthy map[string]bool) {
	healths := d.ComponentHealth()
	count := 0
	for name, health := range healths {
		switch {
		case !health.Healthy:
			count++
			if !unhealthy[name] {
				slog.Warn("Component unhealthy", "component", name, "error", health.Error)
			}
			unhealthy[name] = true
		case unhealthy[name]:
			slog.Info("Component recovered", "component", name)
			delete(unhealthy, name)
		}
	}

	if count > 0 {
		slog.Debug("Daemon has unhealthy components", "count", count, "total", len(healths))
	} else {
		slog.Debug("All components healthy", "count", len(healths))
	}
}
