package manager

import (
	"context"
	"log/slog"
	"strings"

	"github.com/harunnryd/callgate/internal/concurrency"
	cgErrors "github.com/harunnryd/callgate/internal/errors"
	"github.com/harunnryd/callgate/internal/voice"

	"github.com/oklog/ulid/v2"
)

var errManagerClosed = cgErrors.Internal("call manager closed")

// ProcessEvent is the only entry point for provider-reported transitions.
// Duplicates, late events for ended calls and events for unknown calls are
// absorbed and reported as success.
func (m *Manager) ProcessEvent(ctx context.Context, ev voice.NormalizedEvent) Result {
	if ev.Type == "" {
		return failure(cgErrors.InvalidInput("event type is required"))
	}
	if ev.ID == "" {
		ev.ID = "synthetic-" + ulid.Make().String()
		m.logger.Debug("Event without id, deduplication disabled for it", "event_type", ev.Type, "event_id", ev.ID)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}

	var fx effects
	m.mu.Lock()
	m.applyLocked(ctx, ev, &fx)
	m.mu.Unlock()

	fx.run()
	return success()
}

func (m *Manager) resolveLocked(ev voice.NormalizedEvent) *voice.CallRecord {
	if ev.CallID != "" {
		if rec, ok := m.calls[ev.CallID]; ok {
			return rec
		}
	}
	if ev.ProviderCallID != "" {
		if callID, ok := m.byProvider[ev.ProviderCallID]; ok {
			return m.calls[callID]
		}
	}
	return nil
}

func (m *Manager) applyLocked(ctx context.Context, ev voice.NormalizedEvent, fx *effects) {
	log := m.logger.With("event_id", ev.ID, "event_type", ev.Type)

	rec := m.resolveLocked(ev)
	if rec == nil {
		if ev.ProviderCallID != "" && m.ended.has(ev.ProviderCallID) {
			log.Debug("Dropping event for ended call", "provider_call_id", ev.ProviderCallID)
			return
		}
		if ev.Type == voice.EventInitiated && ev.Direction == voice.DirectionInbound {
			m.admitInboundLocked(ctx, ev, fx)
			return
		}
		log.Debug("Dropping event for unknown call", "call_id", ev.CallID, "provider_call_id", ev.ProviderCallID)
		return
	}

	log = log.With("call_id", rec.CallID)
	if rec.HasProcessed(ev.ID) {
		log.Debug("Duplicate event ignored")
		return
	}
	rec.MarkProcessed(ev.ID)

	if ev.ProviderCallID != "" && ev.ProviderCallID != rec.ProviderCallID {
		if rec.ProviderCallID != "" {
			delete(m.byProvider, rec.ProviderCallID)
		}
		rec.ProviderCallID = ev.ProviderCallID
		m.byProvider[ev.ProviderCallID] = rec.CallID
	}

	switch ev.Type {
	case voice.EventInitiated:
	case voice.EventRinging:
		m.transitionLocked(rec, voice.StateRinging, log)
	case voice.EventAnswered:
		m.transitionLocked(rec, voice.StateAnswered, log)
		m.onAnsweredLocked(ctx, rec, ev, fx)
	case voice.EventActive:
		m.transitionLocked(rec, voice.StateActive, log)
		m.onAnsweredLocked(ctx, rec, ev, fx)
	case voice.EventSpeaking:
		m.transitionLocked(rec, voice.StateSpeaking, log)
	case voice.EventSpeech:
		m.onSpeechLocked(rec, ev, fx)
	case voice.EventEnded:
		m.finishLocked(rec, ev.Reason, fx)
	case voice.EventError:
		if ev.Retryable {
			log.Warn("Retryable provider error", "error", ev.Error)
			break
		}
		log.Error("Provider reported call failure", "error", ev.Error)
		rec.SetMeta(voice.MetaLastError, ev.Error)
		m.finishLocked(rec, voice.EndReasonError, fx)
	default:
		log.Debug("Unhandled event type")
	}

	m.persistLocked(rec)
}

func (m *Manager) transitionLocked(rec *voice.CallRecord, next voice.CallState, log *slog.Logger) {
	from := rec.State
	if !rec.Transition(next) && from != next {
		log.Debug("Out of order transition absorbed", "state", from, "next", next)
	}
}

// onAnsweredLocked runs once per call, on the first answered or active event.
func (m *Manager) onAnsweredLocked(ctx context.Context, rec *voice.CallRecord, ev voice.NormalizedEvent, fx *effects) {
	if rec.AnsweredAt != nil {
		return
	}
	answered := ev.Timestamp
	rec.AnsweredAt = &answered

	// Max duration counts from answer.
	m.armMaxDurationLocked(rec.CallID, m.cfg.MaxDuration)

	notify := rec.Mode() == voice.ModeNotify
	message := rec.Meta(voice.MetaInitialMessage)
	if message == "" || rec.Meta(voice.MetaInitialMessageSpoken) == "true" {
		if notify {
			m.armNotifyHangupLocked(rec.CallID)
		}
		return
	}

	rec.SetMeta(voice.MetaInitialMessageSpoken, "true")
	callID := rec.CallID
	listen := !notify
	fx.add(func() {
		res := m.speak(context.WithoutCancel(ctx), callID, message, listen)
		if !res.Success {
			m.logger.Warn("Failed to speak initial message", "call_id", callID, "error", res.Error)
		}
		if notify {
			m.armNotifyHangup(callID)
		}
	})
}

func (m *Manager) onSpeechLocked(rec *voice.CallRecord, ev voice.NormalizedEvent, fx *effects) {
	text := strings.TrimSpace(ev.Transcript)
	if !ev.IsFinal || text == "" {
		return
	}
	rec.AddTranscript(voice.SpeakerCaller, text, true, ev.Timestamp)

	if w := m.waiters.take(rec.CallID); w != nil {
		m.sched.Cancel(transcriptKey + rec.CallID)
		fx.add(func() { w.resolve(text) })
		return
	}

	if m.responder == nil || rec.Mode() != voice.ModeConversation {
		return
	}
	snapshot := rec.Clone()
	fx.add(func() {
		concurrency.SafeGo("responder:"+snapshot.CallID, func() { m.reply(snapshot) }, nil)
	})
}

// reply asks the responder for the agent's next line and speaks it.
func (m *Manager) reply(call *voice.CallRecord) {
	ctx := context.Background()
	if m.cfg.ResponderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ResponderTimeout)
		defer cancel()
	}

	text, err := m.responder.Respond(ctx, call)
	if err != nil {
		m.logger.Warn("Responder failed", "call_id", call.CallID, "error", err)
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	if res := m.speak(context.Background(), call.CallID, text, true); !res.Success {
		m.logger.Warn("Failed to speak reply", "call_id", call.CallID, "error", res.Error)
	}
}

// finishLocked moves rec to its terminal state and tears down everything
// attached to it. The caller persists rec.
func (m *Manager) finishLocked(rec *voice.CallRecord, reason voice.EndReason, fx *effects) {
	if !rec.Finish(reason, m.now()) {
		return
	}

	delete(m.calls, rec.CallID)
	if rec.ProviderCallID != "" && m.byProvider[rec.ProviderCallID] == rec.CallID {
		delete(m.byProvider, rec.ProviderCallID)
	}
	m.ended.add(rec.ProviderCallID)
	m.cancelTimersLocked(rec.CallID)

	if w := m.waiters.take(rec.CallID); w != nil {
		callID := rec.CallID
		fx.add(func() { w.reject(cgErrors.CallEnded(callID)) })
	}

	m.logger.Info("Call ended",
		"call_id", rec.CallID,
		"provider_call_id", rec.ProviderCallID,
		"state", rec.State,
		"reason", rec.EndReason,
	)

	if len(m.onEnded) > 0 {
		snapshot := rec.Clone()
		for _, hook := range m.onEnded {
			hook := hook
			fx.add(func() { hook(snapshot.Clone()) })
		}
	}
}

func (m *Manager) admitInboundLocked(ctx context.Context, ev voice.NormalizedEvent, fx *effects) {
	log := m.logger.With("provider_call_id", ev.ProviderCallID, "from", ev.From)

	if m.closed {
		log.Info("Dropping inbound call, manager closed")
		return
	}
	if ok, reason := m.admits(ev.From); !ok {
		log.Info("Dropping inbound call", "reason", reason, "policy", m.cfg.InboundPolicy)
		return
	}
	if len(m.calls) >= m.cfg.MaxConcurrentCalls {
		log.Info("Dropping inbound call, at capacity", "active", len(m.calls), "capacity", m.cfg.MaxConcurrentCalls)
		return
	}

	rec := &voice.CallRecord{
		CallID:         m.newID(),
		ProviderCallID: ev.ProviderCallID,
		Provider:       m.provider.Name(),
		Direction:      voice.DirectionInbound,
		State:          voice.StateInitiated,
		From:           ev.From,
		To:             ev.To,
		StartedAt:      ev.Timestamp,
		Transcript:     []voice.TranscriptEntry{},
	}
	rec.SetMeta(voice.MetaMode, string(voice.ModeConversation))
	rec.SetMeta(voice.MetaInitialMessage, m.cfg.InboundGreeting)
	rec.MarkProcessed(ev.ID)

	m.calls[rec.CallID] = rec
	if rec.ProviderCallID != "" {
		m.byProvider[rec.ProviderCallID] = rec.CallID
	}
	m.armMaxDurationLocked(rec.CallID, m.cfg.MaxDuration)
	m.persistLocked(rec)

	log.Info("Inbound call admitted", "call_id", rec.CallID)

	if answerer, ok := m.provider.(voice.Answerer); ok && rec.ProviderCallID != "" {
		providerCallID := rec.ProviderCallID
		fx.add(func() {
			pctx, cancel := m.providerCtx(context.WithoutCancel(ctx))
			defer cancel()
			if err := answerer.Answer(pctx, providerCallID); err != nil {
				log.Error("Failed to answer inbound call", "error", err)
			}
		})
	}
}
