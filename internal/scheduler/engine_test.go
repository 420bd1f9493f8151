package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callgate/internal/config"
	"github.com/harunnryd/callgate/internal/voice"
	"github.com/harunnryd/callgate/internal/voice/manager"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDialer struct {
	mock.Mock
}

func (m *mockDialer) InitiateCall(ctx context.Context, to string, opts manager.InitiateOptions) manager.InitiateResult {
	args := m.Called(to, opts)
	return args.Get(0).(manager.InitiateResult)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var start = time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, dir string, d Dialer, clock *testClock, calls ...config.ScheduledCallConfig) *Scheduler {
	t.Helper()
	store, err := NewStore(filepath.Join(dir, "scheduler", "calls.json"))
	require.NoError(t, err)
	s, err := NewScheduler(store, d, config.SchedulerConfig{TickInterval: "1h"}, calls, WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func dailyReminder() config.ScheduledCallConfig {
	return config.ScheduledCallConfig{
		ID:       "standup",
		Schedule: "0 9 * * *",
		To:       "+15550000001",
		Message:  "Standup in five minutes",
		Mode:     "notify",
	}
}

func TestNewScheduler_RejectsBadSpecs(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "calls.json"))
	require.NoError(t, err)

	_, err = NewScheduler(store, &mockDialer{}, config.SchedulerConfig{}, []config.ScheduledCallConfig{{ID: "x", Schedule: "every tuesday", To: "+1"}})
	assert.Error(t, err)

	dup := dailyReminder()
	_, err = NewScheduler(store, &mockDialer{}, config.SchedulerConfig{}, []config.ScheduledCallConfig{dup, dup})
	assert.Error(t, err)

	_, err = NewScheduler(store, &mockDialer{}, config.SchedulerConfig{TickInterval: "soon"}, nil)
	assert.Error(t, err)
}

func TestRunDue_FiresWhenScheduleArrives(t *testing.T) {
	clock := &testClock{now: start}
	d := &mockDialer{}
	d.On("InitiateCall", "+15550000001", manager.InitiateOptions{Message: "Standup in five minutes", Mode: voice.ModeNotify}).
		Return(manager.InitiateResult{Result: manager.Result{Success: true}, CallID: "call-1"}).Once()

	s := newTestScheduler(t, t.TempDir(), d, clock, dailyReminder())

	assert.Zero(t, s.RunDue(context.Background()), "not due before 09:00")

	clock.Set(start.Add(31 * time.Minute))
	assert.Equal(t, 1, s.RunDue(context.Background()))
	assert.Zero(t, s.RunDue(context.Background()), "fires once per slot")
	d.AssertExpectations(t)

	e := s.Entries()[0]
	assert.Equal(t, "call-1", e.LastCallID)
	assert.Empty(t, e.LastError)
	assert.NotEmpty(t, e.LastRunID)
	assert.Nil(t, e.Lease)
	assert.True(t, e.NextRun.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)), e.NextRun)
}

func TestRunDue_RecordsFailure(t *testing.T) {
	clock := &testClock{now: start}
	d := &mockDialer{}
	d.On("InitiateCall", mock.Anything, mock.Anything).
		Return(manager.InitiateResult{Result: manager.Result{Success: false, Error: "at capacity", Code: "ConcurrencyLimitExceeded"}})

	s := newTestScheduler(t, t.TempDir(), d, clock, dailyReminder())
	clock.Set(start.Add(time.Hour))
	require.Equal(t, 1, s.RunDue(context.Background()))

	e := s.Entries()[0]
	assert.Equal(t, "at capacity", e.LastError)
	assert.True(t, e.NextRun.After(clock.Now()))
}

func TestRunDue_CatchUpFiresOnce(t *testing.T) {
	dir := t.TempDir()
	clock := &testClock{now: start}
	s := newTestScheduler(t, dir, &mockDialer{}, clock, dailyReminder())
	require.True(t, s.Entries()[0].NextRun.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))

	// Down for three days: three slots missed.
	clock.Set(start.Add(72 * time.Hour))
	d := &mockDialer{}
	d.On("InitiateCall", mock.Anything, mock.Anything).
		Return(manager.InitiateResult{Result: manager.Result{Success: true}, CallID: "call-9"}).Once()

	restarted := newTestScheduler(t, dir, d, clock, dailyReminder())
	require.NoError(t, restarted.Start(context.Background()))
	t.Cleanup(func() { _ = restarted.Stop(context.Background()) })

	d.AssertNumberOfCalls(t, "InitiateCall", 1)
	assert.True(t, restarted.Entries()[0].NextRun.Equal(time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)))
}

func TestRunDue_SkipsDisabled(t *testing.T) {
	clock := &testClock{now: start}
	off := dailyReminder()
	off.Disabled = true
	s := newTestScheduler(t, t.TempDir(), &mockDialer{}, clock, off)

	clock.Set(start.Add(24 * time.Hour))
	assert.Zero(t, s.RunDue(context.Background()))
	assert.Empty(t, s.Entries())
}

func TestScheduler_ComponentLifecycle(t *testing.T) {
	clock := &testClock{now: start}
	store, err := NewStore(filepath.Join(t.TempDir(), "calls.json"))
	require.NoError(t, err)
	s, err := NewScheduler(store, &mockDialer{}, config.SchedulerConfig{}, nil, WithClock(clock.Now))
	require.NoError(t, err)

	ctx := context.Background()
	assert.Error(t, s.Health(ctx), "not initialized")

	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())
	assert.NoError(t, s.Health(ctx))

	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())
	assert.Error(t, s.Health(ctx))
	assert.NoError(t, s.Stop(ctx), "stop is idempotent")
}
