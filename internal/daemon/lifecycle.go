package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const fallbackShutdownTimeout = 30 * time.Second

func (d *Daemon) initializeComponents(ctx context.Context) error {
	slog.Info("Initializing components...", "workspace", d.workspacePath)

	order, err := d.resolveOrder()
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.order = order
	d.initialized = d.initialized[:0]
	d.mu.Unlock()

	for _, name := range order {
		comp := d.Component(name)
		slog.Info("Initializing component...", "component", name)
		if err := comp.Init(ctx); err != nil {
			slog.Error("Component initialization failed", "component", name, "error", err)
			return fmt.Errorf("component %s init failed: %w", name, err)
		}

		d.mu.Lock()
		d.initialized = append(d.initialized, name)
		d.mu.Unlock()
		slog.Info("Component initialized", "component", name)
	}

	slog.Info("All components initialized", "count", len(order))
	return nil
}

// startComponents starts in init order, or registration order when the
// components were never initialized through the daemon.
func (d *Daemon) startComponents(ctx context.Context) error {
	slog.Info("Starting components...", "workspace", d.workspacePath)

	for _, name := range d.forwardOrder() {
		comp := d.Component(name)
		slog.Info("Starting component...", "component", name)
		if err := comp.Start(ctx); err != nil {
			slog.Error("Component startup failed", "component", name, "error", err)
			return fmt.Errorf("component %s startup failed: %w", name, err)
		}
		slog.Info("Component started", "component", name)
	}

	slog.Info("All components started", "count", len(d.components))
	return nil
}

func (d *Daemon) gracefulShutdown(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = fallbackShutdownTimeout
	}
	slog.Info("Graceful shutdown initiated", "workspace", d.workspacePath, "timeout", timeout)

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.shutdownComponents(shutdownCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			slog.Error("Shutdown completed with error", "workspace", d.workspacePath, "error", err)
		} else {
			slog.Info("Graceful shutdown completed", "workspace", d.workspacePath)
		}
		return err
	case <-shutdownCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("shutdown cancelled: %w", ctx.Err())
		}
		slog.Error("Shutdown timeout exceeded", "workspace", d.workspacePath, "timeout", timeout)
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}

// shutdownComponents stops in reverse start order. A failing Stop is logged
// and does not keep the rest running.
func (d *Daemon) shutdownComponents(ctx context.Context) error {
	for _, name := range reversed(d.forwardOrder()) {
		d.stopComponent(ctx, name)
	}
	d.setHealth(StatusStopped)
	return nil
}

// rollback stops only the components whose Init succeeded.
func (d *Daemon) rollback(ctx context.Context) {
	d.mu.RLock()
	initialized := append([]string(nil), d.initialized...)
	d.mu.RUnlock()

	slog.Warn("Rolling back initialized components...", "workspace", d.workspacePath, "count", len(initialized))
	for _, name := range reversed(initialized) {
		d.stopComponent(ctx, name)
	}
	d.setHealth(StatusStopped)
}

func (d *Daemon) stopComponent(ctx context.Context, name string) {
	comp := d.Component(name)
	if comp == nil {
		return
	}
	slog.Info("Stopping component...", "component", name)
	if err := comp.Stop(ctx); err != nil {
		slog.Error("Component stop failed", "component", name, "error", err)
		return
	}
	slog.Info("Component stopped", "component", name)
}

func (d *Daemon) forwardOrder() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.order) > 0 {
		return append([]string(nil), d.order...)
	}
	names := make([]string, 0, len(d.components))
	for _, comp := range d.components {
		names = append(names, comp.Name())
	}
	return names
}

func reversed(names []string) []string {
	out := make([]string, 0, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		out = append(out, names[i])
	}
	return out
}
