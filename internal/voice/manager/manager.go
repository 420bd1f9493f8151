// Package manager owns live call state. Every mutation of a call record goes
// through the Manager, which applies provider events under the idempotency
// ledger, drives the cleanup timers and transcript waiters, and persists each
// transition to the call log.
package manager

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/callgate/internal/cleanup"
	"github.com/harunnryd/callgate/internal/config"
	"github.com/harunnryd/callgate/internal/voice"

	"github.com/google/uuid"
)

// CallLog is the persistence the manager writes through.
type CallLog interface {
	Append(rec *voice.CallRecord)
	History(limit int) ([]*voice.CallRecord, error)
}

// Responder produces the agent's next line for a conversation call.
type Responder interface {
	Respond(ctx context.Context, call *voice.CallRecord) (string, error)
}

type Config struct {
	FromNumber         string
	WebhookURL         string
	MaxConcurrentCalls int
	MaxDuration        time.Duration
	TranscriptTimeout  time.Duration
	InboundPolicy      InboundPolicy
	AllowFrom          []string
	InboundGreeting    string
	DefaultMode        voice.CallMode
	NotifyHangupDelay  time.Duration
	ProviderTimeout    time.Duration
	ResponderTimeout   time.Duration
}

// ConfigFromVoice maps the loaded voice section onto manager settings.
func ConfigFromVoice(v config.VoiceConfig, webhookURL string) (Config, error) {
	policy, err := ParseInboundPolicy(v.InboundPolicy)
	if err != nil {
		return Config{}, err
	}
	providerTimeout, err := config.DurationOrDefault(v.HTTPTimeout, config.DefaultVoiceHTTPTimeout)
	if err != nil {
		return Config{}, err
	}

	return Config{
		FromNumber:         v.FromNumber,
		WebhookURL:         webhookURL,
		MaxConcurrentCalls: v.MaxConcurrentCalls,
		MaxDuration:        v.MaxDuration(),
		TranscriptTimeout:  v.TranscriptTimeout(),
		InboundPolicy:      policy,
		AllowFrom:          append([]string(nil), v.AllowFrom...),
		InboundGreeting:    v.InboundGreeting,
		DefaultMode:        voice.ParseMode(v.Outbound.DefaultMode, voice.ModeNotify),
		NotifyHangupDelay:  v.NotifyHangupDelay(),
		ProviderTimeout:    providerTimeout,
	}, nil
}

type Option func(*Manager)

func WithResponder(r Responder) Option {
	return func(m *Manager) { m.responder = r }
}

// WithCallEndedHook registers fn to receive a copy of every record that
// reaches a terminal state. Hooks run after the manager lock is released and
// must not block.
func WithCallEndedHook(fn func(*voice.CallRecord)) Option {
	return func(m *Manager) { m.onEnded = append(m.onEnded, fn) }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

type Manager struct {
	cfg       Config
	provider  voice.Provider
	log       CallLog
	sched     cleanup.Scheduler
	responder Responder
	onEnded   []func(*voice.CallRecord)
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger

	mu         sync.Mutex
	calls      map[string]*voice.CallRecord
	byProvider map[string]string
	ended      *endedSet
	waiters    *waiterRegistry
	closed     bool
}

func New(cfg Config, provider voice.Provider, log CallLog, sched cleanup.Scheduler, opts ...Option) *Manager {
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = config.DefaultVoiceMaxConcurrentCalls
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = voice.ModeNotify
	}
	if cfg.InboundPolicy == "" {
		cfg.InboundPolicy = InboundDisabled
	}
	if sched == nil {
		sched = cleanup.NewTimerScheduler()
	}

	m := &Manager{
		cfg:        cfg,
		provider:   provider,
		log:        log,
		sched:      sched,
		now:        time.Now,
		newID:      uuid.NewString,
		calls:      make(map[string]*voice.CallRecord),
		byProvider: make(map[string]string),
		ended:      newEndedSet(EndedMemory),
		waiters:    newWaiterRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default().With("component", "call_manager")
	}
	return m
}

// Restore loads recovered records into the active table, rebuilding the
// provider index and rearming the max-duration and notify timers. Terminal
// records only seed the ended set. It returns the number of calls restored.
func (m *Manager) Restore(records []*voice.CallRecord) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	restored := 0
	for _, r := range records {
		if r == nil || r.CallID == "" {
			continue
		}
		if r.IsTerminal() {
			m.ended.add(r.ProviderCallID)
			continue
		}
		if _, exists := m.calls[r.CallID]; exists {
			continue
		}

		rec := r.Clone()
		m.calls[rec.CallID] = rec
		if rec.ProviderCallID != "" {
			m.byProvider[rec.ProviderCallID] = rec.CallID
		}

		if m.cfg.MaxDuration > 0 {
			start := rec.StartedAt
			if rec.AnsweredAt != nil {
				start = *rec.AnsweredAt
			}
			remaining := m.cfg.MaxDuration - now.Sub(start)
			if remaining < 0 {
				remaining = 0
			}
			m.armMaxDurationLocked(rec.CallID, remaining)
		}
		if rec.AnsweredAt != nil && rec.Mode() == voice.ModeNotify && rec.Meta(voice.MetaInitialMessageSpoken) == "true" {
			m.armNotifyHangupLocked(rec.CallID)
		}
		restored++
	}

	if restored > 0 {
		m.logger.Info("Restored active calls", "count", restored)
	}
	return restored
}

// GetCall returns a copy of the active record.
func (m *Manager) GetCall(callID string) (*voice.CallRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[callID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (m *Manager) GetCallByProviderCallID(providerCallID string) (*voice.CallRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	callID, ok := m.byProvider[providerCallID]
	if !ok {
		return nil, false
	}
	rec, ok := m.calls[callID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// GetActiveCalls returns copies of all live calls, oldest first.
func (m *Manager) GetActiveCalls() []*voice.CallRecord {
	m.mu.Lock()
	out := make([]*voice.CallRecord, 0, len(m.calls))
	for _, rec := range m.calls {
		out = append(out, rec.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].CallID < out[j].CallID
	})
	return out
}

// GetCallHistory reads the durable log, so it includes ended calls.
func (m *Manager) GetCallHistory(limit int) ([]*voice.CallRecord, error) {
	return m.log.History(limit)
}

type Stats struct {
	Active         int `json:"active"`
	Capacity       int `json:"capacity"`
	PendingWaiters int `json:"pendingWaiters"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Active:         len(m.calls),
		Capacity:       m.cfg.MaxConcurrentCalls,
		PendingWaiters: m.waiters.count(),
	}
}

func (m *Manager) ProviderName() string {
	return m.provider.Name()
}

// Close stops timers and releases waiters. Live calls stay non-terminal in
// the log so the next start restores them.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.sched.CancelAll()
	pending := m.waiters.drain()
	m.mu.Unlock()

	for _, w := range pending {
		w.reject(errManagerClosed)
	}
	m.logger.Info("Call manager closed", "pending_waiters", len(pending))
}

func (m *Manager) providerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.ProviderTimeout > 0 {
		return context.WithTimeout(ctx, m.cfg.ProviderTimeout)
	}
	return context.WithCancel(ctx)
}

func (m *Manager) persistLocked(rec *voice.CallRecord) {
	m.log.Append(rec)
}

// effects are side effects collected under the lock and run after it is
// released.
type effects []func()

func (fx *effects) add(fn func()) {
	*fx = append(*fx, fn)
}

func (fx effects) run() {
	for _, fn := range fx {
		fn()
	}
}
