package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callgate/internal/cleanup"
	"github.com/harunnryd/callgate/internal/voice"
	"github.com/harunnryd/callgate/internal/voice/providers/mock"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// memLog keeps every appended snapshot in order.
type memLog struct {
	mu      sync.Mutex
	appends []*voice.CallRecord
}

func (l *memLog) Append(rec *voice.CallRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appends = append(l.appends, rec.Clone())
}

func (l *memLog) History(limit int) ([]*voice.CallRecord, error) {
	l.mu.Lock()
	latest := make(map[string]*voice.CallRecord)
	for _, r := range l.appends {
		latest[r.CallID] = r
	}
	l.mu.Unlock()

	out := make([]*voice.CallRecord, 0, len(latest))
	for _, r := range latest {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *memLog) latest(callID string) *voice.CallRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.appends) - 1; i >= 0; i-- {
		if l.appends[i].CallID == callID {
			return l.appends[i].Clone()
		}
	}
	return nil
}

func (l *memLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.appends)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequence(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

type harness struct {
	m     *Manager
	prov  *mock.Provider
	log   *memLog
	sched *cleanup.ManualScheduler
	clock *fakeClock
}

func testManagerConfig() Config {
	return Config{
		FromNumber:         "+15550000000",
		WebhookURL:         "https://gateway.test/voice/webhook",
		MaxConcurrentCalls: 2,
		MaxDuration:        5 * time.Minute,
		TranscriptTimeout:  30 * time.Second,
		InboundPolicy:      InboundDisabled,
		DefaultMode:        voice.ModeConversation,
		NotifyHangupDelay:  3 * time.Second,
	}
}

func newHarness(t *testing.T, cfg Config, provOpts []mock.Option, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		prov:  mock.New(append([]mock.Option{mock.WithCallIDs(sequence("pc"))}, provOpts...)...),
		log:   &memLog{},
		sched: cleanup.NewManualScheduler(),
		clock: &fakeClock{now: epoch},
	}
	base := []Option{WithClock(h.clock.Now), WithIDGenerator(sequence("call"))}
	h.m = New(cfg, h.prov, h.log, h.sched, append(base, opts...)...)
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) dial(t *testing.T, opts InitiateOptions) string {
	t.Helper()
	res := h.m.InitiateCall(context.Background(), "+15550000001", opts)
	require.True(t, res.Success, res.Error)
	require.NotEmpty(t, res.CallID)
	return res.CallID
}

func (h *harness) event(t *testing.T, ev voice.NormalizedEvent) {
	t.Helper()
	res := h.m.ProcessEvent(context.Background(), ev)
	require.True(t, res.Success, res.Error)
}

func (h *harness) answer(t *testing.T, callID string) {
	t.Helper()
	h.event(t, voice.NormalizedEvent{ID: "answered-" + callID, Type: voice.EventAnswered, CallID: callID})
}

func (h *harness) call(t *testing.T, callID string) *voice.CallRecord {
	t.Helper()
	rec, ok := h.m.GetCall(callID)
	require.True(t, ok, "call %s should be active", callID)
	return rec
}

// continueAsync runs ContinueCall on its own goroutine and waits until the
// waiter is registered.
func (h *harness) continueAsync(t *testing.T, ctx context.Context, callID, prompt string) <-chan ContinueResult {
	t.Helper()
	before := h.m.Stats().PendingWaiters
	out := make(chan ContinueResult, 1)
	go func() { out <- h.m.ContinueCall(ctx, callID, prompt) }()
	require.Eventually(t, func() bool {
		return h.m.Stats().PendingWaiters == before+1
	}, time.Second, time.Millisecond)
	return out
}

func receive(t *testing.T, ch <-chan ContinueResult) ContinueResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("ContinueCall did not return")
		return ContinueResult{}
	}
}
