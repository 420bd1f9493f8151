package manager

import (
	"context"
	"strings"
	"time"

	cgErrors "github.com/harunnryd/callgate/internal/errors"
	"github.com/harunnryd/callgate/internal/voice"
)

type InitiateOptions struct {
	From    string
	Message string
	Mode    voice.CallMode
}

// InitiateCall places an outbound call. The table slot is reserved before the
// provider is contacted, so concurrent callers can never exceed the cap.
func (m *Manager) InitiateCall(ctx context.Context, to string, opts InitiateOptions) InitiateResult {
	to = strings.TrimSpace(to)
	if to == "" {
		return InitiateResult{Result: failure(cgErrors.InvalidInput("destination number is required"))}
	}
	from := strings.TrimSpace(opts.From)
	if from == "" {
		from = m.cfg.FromNumber
	}
	mode := opts.Mode
	if mode == "" {
		mode = m.cfg.DefaultMode
	}
	message := strings.TrimSpace(opts.Message)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return InitiateResult{Result: failure(errManagerClosed)}
	}
	if len(m.calls) >= m.cfg.MaxConcurrentCalls {
		active := len(m.calls)
		m.mu.Unlock()
		m.logger.Warn("Outbound call rejected, at capacity", "to", to, "active", active, "capacity", m.cfg.MaxConcurrentCalls)
		return InitiateResult{Result: failure(cgErrors.Wrap(cgErrors.ErrConcurrencyLimitExceeded, "outbound call"))}
	}

	rec := &voice.CallRecord{
		CallID:     m.newID(),
		Provider:   m.provider.Name(),
		Direction:  voice.DirectionOutbound,
		State:      voice.StateInitiated,
		From:       from,
		To:         to,
		StartedAt:  m.now(),
		Transcript: []voice.TranscriptEntry{},
	}
	rec.SetMeta(voice.MetaMode, string(mode))
	rec.SetMeta(voice.MetaInitialMessage, message)

	callID := rec.CallID
	reserved := rec
	m.calls[callID] = rec
	m.armMaxDurationLocked(callID, m.cfg.MaxDuration)
	m.persistLocked(rec)
	m.mu.Unlock()

	log := m.logger.With("call_id", callID, "to", to, "mode", mode)
	log.Info("Placing outbound call")

	input := voice.InitiateCallInput{
		CallID:     callID,
		From:       from,
		To:         to,
		Mode:       mode,
		WebhookURL: m.cfg.WebhookURL,
	}
	if mode == voice.ModeNotify {
		input.Message = message
	}

	pctx, cancel := m.providerCtx(ctx)
	out, err := m.provider.InitiateCall(pctx, input)
	cancel()

	var fx effects
	m.mu.Lock()
	rec, live := m.calls[callID]
	if err != nil {
		if live {
			rec.SetMeta(voice.MetaLastError, err.Error())
			m.finishLocked(rec, voice.EndReasonError, &fx)
			m.persistLocked(rec)
		}
		m.mu.Unlock()
		fx.run()
		log.Error("Provider failed to place call", "error", err)
		return InitiateResult{Result: failure(cgErrors.Provider(err, "initiate call"))}
	}

	if !live {
		// Ended while dialing. The leg the provider just placed has no record
		// left to hang it up later.
		reason := reserved.EndReason
		var hangup *voice.HangupInput
		if out != nil && out.ProviderCallID != "" {
			reserved.ProviderCallID = out.ProviderCallID
			m.ended.add(out.ProviderCallID)
			m.persistLocked(reserved)
			hangup = &voice.HangupInput{CallID: callID, ProviderCallID: out.ProviderCallID, Reason: reason}
		}
		m.mu.Unlock()

		if hangup != nil {
			hctx, hcancel := m.providerCtx(context.WithoutCancel(ctx))
			if herr := m.provider.Hangup(hctx, *hangup); herr != nil {
				log.Error("Failed to hang up leg of call ended while dialing", "provider_call_id", hangup.ProviderCallID, "error", herr)
			}
			hcancel()
		}
		log.Info("Call ended while dialing", "reason", reason, "leg_placed", hangup != nil)
		return InitiateResult{Result: failure(cgErrors.CallEnded(callID)), CallID: callID}
	}

	if out != nil {
		if out.ProviderCallID != "" && rec.ProviderCallID == "" {
			rec.ProviderCallID = out.ProviderCallID
			m.byProvider[out.ProviderCallID] = callID
		}
		if out.InlineDelivered && message != "" {
			rec.SetMeta(voice.MetaInitialMessageSpoken, "true")
			rec.AddTranscript(voice.SpeakerAgent, message, true, m.now())
		}
		m.persistLocked(rec)
	}
	m.mu.Unlock()

	if out != nil {
		log.Info("Outbound call placed", "provider_call_id", out.ProviderCallID, "inline", out.InlineDelivered)
	}
	return InitiateResult{Result: success(), CallID: callID}
}

// Speak plays text into a live call.
func (m *Manager) Speak(ctx context.Context, callID, text string) Result {
	if strings.TrimSpace(text) == "" {
		return failure(cgErrors.InvalidInput("text is required"))
	}
	return m.speak(ctx, callID, text, false)
}

func (m *Manager) speak(ctx context.Context, callID, text string, listen bool) Result {
	m.mu.Lock()
	rec, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return failure(cgErrors.CallNotFound(callID))
	}
	if rec.ProviderCallID == "" {
		m.mu.Unlock()
		return failure(cgErrors.CallNotConnected(callID))
	}
	input := voice.SpeakInput{
		CallID:         callID,
		ProviderCallID: rec.ProviderCallID,
		Text:           text,
		Listen:         listen || rec.Mode() == voice.ModeConversation,
	}
	m.mu.Unlock()

	pctx, cancel := m.providerCtx(ctx)
	defer cancel()
	if err := m.provider.Speak(pctx, input); err != nil {
		m.logger.Error("Provider failed to speak", "call_id", callID, "error", err)
		return failure(cgErrors.Provider(err, "speak"))
	}

	// The turn is recorded only once the provider accepted it.
	m.mu.Lock()
	if rec, ok := m.calls[callID]; ok {
		rec.Transition(voice.StateSpeaking)
		rec.AddTranscript(voice.SpeakerAgent, text, true, m.now())
		m.persistLocked(rec)
	}
	m.mu.Unlock()
	return success()
}

// ContinueCall speaks prompt and waits for the caller's next final
// transcript. The wait ends on speech, call end, timeout or ctx.
func (m *Manager) ContinueCall(ctx context.Context, callID, prompt string) ContinueResult {
	if strings.TrimSpace(prompt) == "" {
		return ContinueResult{Result: failure(cgErrors.InvalidInput("prompt is required"))}
	}

	m.mu.Lock()
	rec, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return ContinueResult{Result: failure(cgErrors.CallNotFound(callID))}
	}
	if rec.ProviderCallID == "" {
		m.mu.Unlock()
		return ContinueResult{Result: failure(cgErrors.CallNotConnected(callID))}
	}
	// Register before speaking so a fast reply is not missed.
	w, err := m.waiters.register(callID)
	if err != nil {
		m.mu.Unlock()
		return ContinueResult{Result: failure(err)}
	}
	if m.cfg.TranscriptTimeout > 0 {
		timeout := m.cfg.TranscriptTimeout
		m.sched.Schedule(transcriptKey+callID, timeout, func() { m.expireWaiter(w, timeout) })
	}
	m.mu.Unlock()

	if res := m.speak(ctx, callID, prompt, true); !res.Success {
		m.abandonWaiter(w)
		return ContinueResult{Result: res}
	}

	m.mu.Lock()
	if rec, ok := m.calls[callID]; ok && m.waiters.pending[callID] == w {
		if rec.Transition(voice.StateListening) {
			m.persistLocked(rec)
		}
	}
	m.mu.Unlock()

	select {
	case out := <-w.ch:
		if out.err != nil {
			return ContinueResult{Result: failure(out.err)}
		}
		return ContinueResult{Result: success(), Transcript: out.transcript}
	case <-ctx.Done():
		m.abandonWaiter(w)
		// The waiter may have resolved while we were leaving.
		select {
		case out := <-w.ch:
			if out.err == nil {
				return ContinueResult{Result: success(), Transcript: out.transcript}
			}
		default:
		}
		return ContinueResult{Result: failure(ctx.Err())}
	}
}

func (m *Manager) expireWaiter(w *waiter, timeout time.Duration) {
	m.mu.Lock()
	released := m.waiters.release(w)
	m.mu.Unlock()
	if released {
		m.logger.Info("Transcript wait timed out", "call_id", w.callID, "timeout", timeout)
		w.reject(cgErrors.Timeout("waiting for transcript"))
	}
}

func (m *Manager) abandonWaiter(w *waiter) {
	m.mu.Lock()
	if m.waiters.release(w) {
		m.sched.Cancel(transcriptKey + w.callID)
	}
	m.mu.Unlock()
}

// EndCall hangs up a live call with reason hangup-bot.
func (m *Manager) EndCall(ctx context.Context, callID string) Result {
	return m.endCall(ctx, callID, voice.EndReasonHangupBot, false)
}

// EndCallWithReason hangs up with a caller-chosen reason.
func (m *Manager) EndCallWithReason(ctx context.Context, callID string, reason voice.EndReason) Result {
	if reason == "" {
		reason = voice.EndReasonHangupBot
	}
	return m.endCall(ctx, callID, reason, false)
}

// endCall hangs up through the provider, then finalizes the record. With
// force set the record is finalized even when the hangup fails.
func (m *Manager) endCall(ctx context.Context, callID string, reason voice.EndReason, force bool) Result {
	m.mu.Lock()
	rec, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return failure(cgErrors.CallNotFound(callID))
	}
	input := voice.HangupInput{CallID: callID, ProviderCallID: rec.ProviderCallID, Reason: reason}
	m.mu.Unlock()

	var hangupErr error
	if input.ProviderCallID != "" {
		pctx, cancel := m.providerCtx(ctx)
		hangupErr = m.provider.Hangup(pctx, input)
		cancel()
	}
	if hangupErr != nil {
		m.logger.Error("Provider failed to hang up", "call_id", callID, "reason", reason, "force", force, "error", hangupErr)
		if !force {
			return failure(cgErrors.Provider(hangupErr, "hangup"))
		}
	}

	var fx effects
	m.mu.Lock()
	if rec, ok := m.calls[callID]; ok {
		if hangupErr != nil {
			rec.SetMeta(voice.MetaLastError, hangupErr.Error())
		}
		m.finishLocked(rec, reason, &fx)
		m.persistLocked(rec)
	}
	m.mu.Unlock()
	fx.run()

	if hangupErr != nil {
		return failure(cgErrors.Provider(hangupErr, "hangup"))
	}
	return success()
}
