// Package scheduler places configured outbound calls on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callgate/internal/config"
	cgErrors "github.com/harunnryd/callgate/internal/errors"
	"github.com/harunnryd/callgate/internal/voice"
	"github.com/harunnryd/callgate/internal/voice/manager"

	"github.com/robfig/cron/v3"
)

// Dialer places a call. *manager.Manager satisfies it.
type Dialer interface {
	InitiateCall(ctx context.Context, to string, opts manager.InitiateOptions) manager.InitiateResult
}

type job struct {
	id       string
	schedule string
	spec     cron.Schedule
	to       string
	message  string
	mode     voice.CallMode
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

type Scheduler struct {
	store  *Store
	dialer Dialer
	jobs   []job
	now    func() time.Time

	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	ticker   *time.Ticker
	inFlight sync.WaitGroup

	tickInterval    time.Duration
	shutdownTimeout time.Duration
	leaseDuration   time.Duration
}

// NewScheduler validates every enabled scheduled call up front so a bad
// cron spec fails startup instead of silently never firing.
func NewScheduler(store *Store, dialer Dialer, cfg config.SchedulerConfig, calls []config.ScheduledCallConfig, opts ...Option) (*Scheduler, error) {
	tickInterval, err := config.DurationOrDefault(cfg.TickInterval, config.DefaultSchedulerTickInterval)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler tick interval: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(cfg.ShutdownTimeout, config.DefaultSchedulerShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler shutdown timeout: %w", err)
	}
	leaseDuration, err := config.DurationOrDefault(cfg.LeaseDuration, config.DefaultSchedulerLeaseDuration)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler lease duration: %w", err)
	}

	jobs, err := buildJobs(calls)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		store:           store,
		dialer:          dialer,
		jobs:            jobs,
		now:             time.Now,
		tickInterval:    tickInterval,
		shutdownTimeout: shutdownTimeout,
		leaseDuration:   leaseDuration,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func buildJobs(calls []config.ScheduledCallConfig) ([]job, error) {
	jobs := make([]job, 0, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, c := range calls {
		if c.Disabled {
			continue
		}
		id := strings.TrimSpace(c.ID)
		if id == "" {
			id = fmt.Sprintf("scheduled-%d", i)
		}
		if seen[id] {
			return nil, cgErrors.InvalidInput(fmt.Sprintf("duplicate scheduled call id %q", id))
		}
		seen[id] = true

		spec, err := cron.ParseStandard(c.Schedule)
		if err != nil {
			return nil, cgErrors.InvalidInput(fmt.Sprintf("scheduled call %q: invalid schedule %q: %v", id, c.Schedule, err))
		}
		jobs = append(jobs, job{
			id:       id,
			schedule: c.Schedule,
			spec:     spec,
			to:       c.To,
			message:  c.Message,
			mode:     voice.ParseMode(c.Mode, ""),
		})
	}
	return jobs, nil
}

func (s *Scheduler) Init(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.store.Sync(s.jobs, s.now()); err != nil {
		return fmt.Errorf("sync scheduler store: %w", err)
	}

	slog.Info("Scheduler initialized", "jobs", len(s.jobs))
	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.ticker = time.NewTicker(s.tickInterval)
	s.mu.Unlock()

	s.recoverExpiredLeases()
	s.processCatchUp()
	s.RunDue(s.ctx)

	go s.run()

	slog.Info("Scheduler started", "tick", s.tickInterval)
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Scheduler stopped gracefully")
		return nil
	case <-time.After(s.shutdownTimeout):
		slog.Warn("Scheduler shutdown timeout, force stopping")
		return cgErrors.Internal("scheduler shutdown timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Health(ctx context.Context) error {
	if s.ctx == nil {
		return cgErrors.Internal("scheduler not initialized")
	}
	if !s.IsRunning() {
		return cgErrors.Internal("scheduler not running")
	}
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Entries exposes the persisted run state.
func (s *Scheduler) Entries() []Entry {
	return s.store.Entries()
}

func (s *Scheduler) run() {
	for {
		select {
		case <-s.ticker.C:
			s.RunDue(s.ctx)
		case <-s.ctx.Done():
			slog.Info("Scheduler run loop stopped")
			return
		}
	}
}

// RunDue fires every job whose next run has passed. A job that missed
// several runs fires once and then moves to its next future slot.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now()
	fired := 0
	for _, j := range s.jobs {
		e, ok := s.store.Get(j.id)
		if !ok || e.NextRun.After(now) {
			continue
		}
		if ctx.Err() != nil {
			return fired
		}
		if s.execute(ctx, j, now) {
			fired++
		}
	}
	return fired
}

func (s *Scheduler) execute(ctx context.Context, j job, now time.Time) bool {
	s.inFlight.Add(1)
	defer s.inFlight.Done()

	runID := generateRunID()
	log := slog.With("component", "scheduler", "job", j.id, "run_id", runID)

	if err := s.store.AcquireLease(j.id, runID, now, now.Add(s.leaseDuration)); err != nil {
		log.Debug("Skipping leased job", "error", err)
		return false
	}

	res := s.dialer.InitiateCall(ctx, j.to, manager.InitiateOptions{Message: j.message, Mode: j.mode})
	errMsg := ""
	if res.Success {
		log.Info("Scheduled call placed", "call_id", res.CallID, "to", j.to)
	} else {
		errMsg = res.Error
		log.Warn("Scheduled call failed", "code", res.Code, "error", res.Error)
	}

	if err := s.store.Complete(j.id, runID, now, j.spec.Next(now), res.CallID, errMsg); err != nil {
		log.Error("Failed to record scheduled run", "error", err)
	}
	return true
}

func (s *Scheduler) recoverExpiredLeases() {
	abandoned, err := s.store.ExpiredLeases(s.now())
	if err != nil {
		slog.Error("Failed to recover expired leases", "error", err)
		return
	}
	if len(abandoned) > 0 {
		slog.Info("Recovered expired leases", "count", len(abandoned), "run_ids", abandoned)
	}
}

func (s *Scheduler) processCatchUp() {
	now := s.now()
	missed := 0
	for _, e := range s.store.Entries() {
		if !e.NextRun.IsZero() && e.NextRun.Before(now) {
			missed++
		}
	}
	if missed > 0 {
		slog.Info("Catching up missed scheduled calls", "count", missed)
	}
}
