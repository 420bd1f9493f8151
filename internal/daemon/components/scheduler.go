package components

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/harunnryd/callgate/internal/config"
	"github.com/harunnryd/callgate/internal/daemon"
	"github.com/harunnryd/callgate/internal/scheduler"
	"github.com/harunnryd/callgate/internal/store"
)

const schedulerStateFile = "calls.json"

type SchedulerComponent struct {
	sched         *scheduler.Scheduler
	cfg           *config.Config
	managerComp   *CallManagerComponent
	workspacePath string
}

func NewSchedulerComponent(cfg *config.Config, managerComp *CallManagerComponent, workspacePath string) *SchedulerComponent {
	return &SchedulerComponent{
		cfg:           cfg,
		managerComp:   managerComp,
		workspacePath: workspacePath,
	}
}

func (s *SchedulerComponent) Name() string {
	return "Scheduler"
}

func (s *SchedulerComponent) Dependencies() []string {
	return []string{"CallManager"}
}

func (s *SchedulerComponent) Init(ctx context.Context) error {
	if s.managerComp == nil {
		return fmt.Errorf("call manager component not provided")
	}

	mgr := s.managerComp.GetManager()
	if mgr == nil {
		return fmt.Errorf("call manager not initialized")
	}

	schedulerDir, err := store.GetSchedulerDir(s.workspacePath)
	if err != nil {
		return fmt.Errorf("failed to resolve scheduler directory: %w", err)
	}
	state, err := scheduler.NewStore(filepath.Join(schedulerDir, schedulerStateFile))
	if err != nil {
		return fmt.Errorf("failed to create scheduler store: %w", err)
	}
	sched, err := scheduler.NewScheduler(state, mgr, s.cfg.Scheduler, s.cfg.Voice.ScheduledCalls)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	s.sched = sched

	if err := s.sched.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	slog.Info("Scheduler initialized", "component", s.Name(), "scheduled_calls", len(s.sched.Entries()))
	return nil
}

func (s *SchedulerComponent) Start(ctx context.Context) error {
	if s.sched == nil {
		return fmt.Errorf("scheduler not initialized")
	}

	if err := s.sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	slog.Info("Scheduler started", "component", s.Name())
	return nil
}

func (s *SchedulerComponent) Stop(ctx context.Context) error {
	if s.sched == nil {
		slog.Info("Scheduler not initialized, skipping stop", "component", s.Name())
		return nil
	}

	if err := s.sched.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}

	slog.Info("Scheduler stopped", "component", s.Name())
	return nil
}

func (s *SchedulerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if s.sched == nil {
		return unhealthy(s.Name(), "not initialized"), nil
	}

	if err := s.sched.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: err}, nil
	}

	return &daemon.ComponentHealth{Name: s.Name(), Healthy: true}, nil
}

func (s *SchedulerComponent) GetScheduler() *scheduler.Scheduler {
	return s.sched
}
