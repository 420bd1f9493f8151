package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callgate/internal/config"
	cgErrors "github.com/harunnryd/callgate/internal/errors"
	"github.com/harunnryd/callgate/internal/voice"
	"github.com/harunnryd/callgate/internal/voice/providers/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitiateCall_ReservesSlotAndDials(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)

	callID := h.dial(t, InitiateOptions{Message: "Hello there"})
	assert.Equal(t, "call-1", callID)

	rec := h.call(t, callID)
	assert.Equal(t, "pc-1", rec.ProviderCallID)
	assert.Equal(t, voice.StateInitiated, rec.State)
	assert.Equal(t, voice.DirectionOutbound, rec.Direction)
	assert.Equal(t, "+15550000000", rec.From)
	assert.Equal(t, "+15550000001", rec.To)
	assert.Equal(t, "Hello there", rec.Meta(voice.MetaInitialMessage))
	assert.Equal(t, voice.ModeConversation, rec.Mode())

	dials := h.prov.Dials()
	require.Len(t, dials, 1)
	assert.Equal(t, callID, dials[0].CallID)
	assert.Equal(t, "https://gateway.test/voice/webhook", dials[0].WebhookURL)
	assert.Empty(t, dials[0].Message, "conversation calls speak after answer")

	persisted := h.log.latest(callID)
	require.NotNil(t, persisted)
	assert.Equal(t, "pc-1", persisted.ProviderCallID)

	got, ok := h.m.GetCallByProviderCallID("pc-1")
	require.True(t, ok)
	assert.Equal(t, callID, got.CallID)
	assert.True(t, h.sched.Has(maxDurationKey+callID))
}

func TestInitiateCall_RequiresDestination(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)

	res := h.m.InitiateCall(context.Background(), "  ", InitiateOptions{})
	assert.False(t, res.Success)
	assert.Equal(t, "InvalidInput", res.Code)
	assert.Empty(t, h.prov.Dials())
}

func TestInitiateCall_ConcurrencyLimit(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)

	h.dial(t, InitiateOptions{})
	h.dial(t, InitiateOptions{})

	res := h.m.InitiateCall(context.Background(), "+15550000002", InitiateOptions{})
	assert.False(t, res.Success)
	assert.Equal(t, "ConcurrencyLimitExceeded", res.Code)
	assert.True(t, errors.Is(res.Err, cgErrors.ErrConcurrencyLimitExceeded))
	assert.Len(t, h.prov.Dials(), 2, "rejected call must not reach the provider")
	assert.Len(t, h.m.GetActiveCalls(), 2)
}

func TestInitiateCall_ConcurrentCallersNeverExceedCap(t *testing.T) {
	cfg := testManagerConfig()
	cfg.MaxConcurrentCalls = 3
	h := newHarness(t, cfg, nil)

	const callers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		limited   int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.m.InitiateCall(context.Background(), "+15550000001", InitiateOptions{})
			mu.Lock()
			defer mu.Unlock()
			if res.Success {
				succeeded++
			} else if res.Code == "ConcurrencyLimitExceeded" {
				limited++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, callers-3, limited)
	assert.Len(t, h.m.GetActiveCalls(), 3)
}

func TestInitiateCall_ProviderFailureReleasesSlot(t *testing.T) {
	cfg := testManagerConfig()
	cfg.MaxConcurrentCalls = 1
	h := newHarness(t, cfg, nil)

	h.prov.FailDial(errors.New("carrier unavailable"))
	res := h.m.InitiateCall(context.Background(), "+15550000001", InitiateOptions{})
	assert.False(t, res.Success)
	assert.Equal(t, "ProviderError", res.Code)
	assert.Contains(t, res.Error, "carrier unavailable")
	assert.Empty(t, h.m.GetActiveCalls())
	assert.Empty(t, h.sched.Pending(), "failed call must not leave timers armed")

	failed := h.log.latest("call-1")
	require.NotNil(t, failed)
	assert.Equal(t, voice.StateEnded, failed.State)
	assert.Equal(t, voice.EndReasonError, failed.EndReason)
	assert.Equal(t, "carrier unavailable", failed.Meta(voice.MetaLastError))

	h.prov.FailDial(nil)
	h.dial(t, InitiateOptions{})
}

func TestInitiateCall_EndedWhileDialingHangsUpLeg(t *testing.T) {
	var h *harness
	var endRes Result
	h = newHarness(t, testManagerConfig(), []mock.Option{mock.WithDialHook(func(in voice.InitiateCallInput) {
		endRes = h.m.EndCall(context.Background(), in.CallID)
	})})

	res := h.m.InitiateCall(context.Background(), "+15550000001", InitiateOptions{})
	require.True(t, endRes.Success, endRes.Error)
	assert.False(t, res.Success)
	assert.Equal(t, "CallEnded", res.Code)
	assert.Equal(t, "call-1", res.CallID)
	assert.Empty(t, h.m.GetActiveCalls())

	hangups := h.prov.Hangups()
	require.Len(t, hangups, 1)
	assert.Equal(t, "pc-1", hangups[0].ProviderCallID)
	assert.Equal(t, voice.EndReasonHangupBot, hangups[0].Reason)

	rec := h.log.latest("call-1")
	require.NotNil(t, rec)
	assert.Equal(t, "pc-1", rec.ProviderCallID)
	assert.Equal(t, voice.EndReasonHangupBot, rec.EndReason)

	late := h.m.ProcessEvent(context.Background(), voice.NormalizedEvent{ID: "ans", Type: voice.EventAnswered, ProviderCallID: "pc-1"})
	assert.True(t, late.Success)
	assert.Empty(t, h.m.GetActiveCalls())
}

func TestInitiateCall_AfterCloseFails(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)
	h.m.Close()

	res := h.m.InitiateCall(context.Background(), "+15550000001", InitiateOptions{})
	assert.False(t, res.Success)
	assert.Equal(t, "Internal", res.Code)
}

func TestGetCall_ReturnsCopies(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)
	callID := h.dial(t, InitiateOptions{})

	rec := h.call(t, callID)
	rec.State = voice.StateCompleted
	rec.SetMeta("tampered", "yes")

	again := h.call(t, callID)
	assert.Equal(t, voice.StateInitiated, again.State)
	assert.Empty(t, again.Meta("tampered"))
}

func TestGetActiveCalls_OldestFirst(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)
	first := h.dial(t, InitiateOptions{})
	h.clock.Advance(time.Second)
	second := h.dial(t, InitiateOptions{})

	active := h.m.GetActiveCalls()
	require.Len(t, active, 2)
	assert.Equal(t, first, active[0].CallID)
	assert.Equal(t, second, active[1].CallID)
}

func TestGetCallHistory_IncludesEndedCalls(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)
	ended := h.dial(t, InitiateOptions{})
	require.True(t, h.m.EndCall(context.Background(), ended).Success)
	h.clock.Advance(time.Second)
	live := h.dial(t, InitiateOptions{})

	history, err := h.m.GetCallHistory(10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, live, history[0].CallID)
	assert.Equal(t, ended, history[1].CallID)
	assert.True(t, history[1].IsTerminal())
}

func TestSpeak(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)
	callID := h.dial(t, InitiateOptions{})
	h.answer(t, callID)

	res := h.m.Speak(context.Background(), callID, "One moment please")
	require.True(t, res.Success, res.Error)

	rec := h.call(t, callID)
	assert.Equal(t, voice.StateSpeaking, rec.State)
	require.Len(t, rec.Transcript, 1)
	assert.Equal(t, voice.SpeakerAgent, rec.Transcript[0].Speaker)
	assert.Equal(t, "One moment please", rec.Transcript[0].Text)

	speaks := h.prov.Speaks()
	require.Len(t, speaks, 1)
	assert.Equal(t, "pc-1", speaks[0].ProviderCallID)
	assert.True(t, speaks[0].Listen, "conversation calls keep listening after playback")
}

func TestSpeak_Errors(t *testing.T) {
	t.Run("unknown call", func(t *testing.T) {
		h := newHarness(t, testManagerConfig(), nil)
		res := h.m.Speak(context.Background(), "nope", "hi")
		assert.Equal(t, "CallNotFound", res.Code)
	})

	t.Run("empty text", func(t *testing.T) {
		h := newHarness(t, testManagerConfig(), nil)
		callID := h.dial(t, InitiateOptions{})
		res := h.m.Speak(context.Background(), callID, " ")
		assert.Equal(t, "InvalidInput", res.Code)
	})

	t.Run("no provider leg yet", func(t *testing.T) {
		h := newHarness(t, testManagerConfig(), []mock.Option{mock.WithCallIDs(func() string { return "" })})
		callID := h.dial(t, InitiateOptions{})
		res := h.m.Speak(context.Background(), callID, "hi")
		assert.Equal(t, "CallNotConnected", res.Code)
		assert.Empty(t, h.prov.Speaks())
	})

	t.Run("provider failure", func(t *testing.T) {
		h := newHarness(t, testManagerConfig(), nil)
		callID := h.dial(t, InitiateOptions{})
		h.prov.FailSpeak(errors.New("tts down"))
		res := h.m.Speak(context.Background(), callID, "hi")
		assert.Equal(t, "ProviderError", res.Code)
		rec, ok := h.m.GetCall(callID)
		require.True(t, ok, "speak failure does not end the call")
		assert.Empty(t, rec.Transcript, "unheard text is not recorded")
		assert.NotEqual(t, voice.StateSpeaking, rec.State)
	})

	t.Run("ended call", func(t *testing.T) {
		h := newHarness(t, testManagerConfig(), nil)
		callID := h.dial(t, InitiateOptions{})
		require.True(t, h.m.EndCall(context.Background(), callID).Success)
		res := h.m.Speak(context.Background(), callID, "hi")
		assert.Equal(t, "CallNotFound", res.Code)
	})
}

func TestEndCall(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)
	callID := h.dial(t, InitiateOptions{})
	h.answer(t, callID)

	res := h.m.EndCall(context.Background(), callID)
	require.True(t, res.Success, res.Error)

	_, ok := h.m.GetCall(callID)
	assert.False(t, ok)
	_, ok = h.m.GetCallByProviderCallID("pc-1")
	assert.False(t, ok)
	assert.Empty(t, h.sched.Pending())

	hangups := h.prov.Hangups()
	require.Len(t, hangups, 1)
	assert.Equal(t, voice.EndReasonHangupBot, hangups[0].Reason)

	rec := h.log.latest(callID)
	assert.Equal(t, voice.StateEnded, rec.State)
	assert.Equal(t, voice.EndReasonHangupBot, rec.EndReason)
	require.NotNil(t, rec.EndedAt)

	again := h.m.EndCall(context.Background(), callID)
	assert.Equal(t, "CallNotFound", again.Code)
	assert.Len(t, h.prov.Hangups(), 1)
}

func TestEndCall_ProviderFailureKeepsCall(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)
	callID := h.dial(t, InitiateOptions{})

	h.prov.FailHangup(errors.New("api timeout"))
	res := h.m.EndCall(context.Background(), callID)
	assert.False(t, res.Success)
	assert.Equal(t, "ProviderError", res.Code)
	assert.Equal(t, voice.StateInitiated, h.call(t, callID).State)

	h.prov.FailHangup(nil)
	require.True(t, h.m.EndCall(context.Background(), callID).Success)
	_, ok := h.m.GetCall(callID)
	assert.False(t, ok)
}

func TestEndCallWithReason(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)
	callID := h.dial(t, InitiateOptions{})

	require.True(t, h.m.EndCallWithReason(context.Background(), callID, voice.EndReasonCompleted).Success)
	rec := h.log.latest(callID)
	assert.Equal(t, voice.StateCompleted, rec.State)
	assert.Equal(t, voice.EndReasonCompleted, rec.EndReason)
}

func TestEndCall_WithoutProviderLegSkipsHangup(t *testing.T) {
	h := newHarness(t, testManagerConfig(), []mock.Option{mock.WithCallIDs(func() string { return "" })})
	callID := h.dial(t, InitiateOptions{})

	require.True(t, h.m.EndCall(context.Background(), callID).Success)
	assert.Empty(t, h.prov.Hangups())
}

func TestCallEndedHook_ReceivesCopy(t *testing.T) {
	var (
		mu    sync.Mutex
		ended []*voice.CallRecord
	)
	hook := func(rec *voice.CallRecord) {
		mu.Lock()
		defer mu.Unlock()
		ended = append(ended, rec)
	}
	h := newHarness(t, testManagerConfig(), nil, WithCallEndedHook(hook))
	callID := h.dial(t, InitiateOptions{})
	h.answer(t, callID)
	h.event(t, voice.NormalizedEvent{ID: "end-1", Type: voice.EventEnded, CallID: callID, Reason: voice.EndReasonHangupUser})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ended, 1)
	assert.Equal(t, callID, ended[0].CallID)
	assert.Equal(t, voice.EndReasonHangupUser, ended[0].EndReason)

	ended[0].Transcript = append(ended[0].Transcript, voice.TranscriptEntry{Text: "mutated"})
	assert.Empty(t, h.log.latest(callID).Transcript)
}

func TestClose_RejectsPendingWaiters(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)
	callID := h.dial(t, InitiateOptions{})
	h.answer(t, callID)

	out := h.continueAsync(t, context.Background(), callID, "Anything else?")
	h.m.Close()

	res := receive(t, out)
	assert.False(t, res.Success)
	assert.Equal(t, "Internal", res.Code)
	assert.Empty(t, h.sched.Pending())

	// Live calls are left for the next start to restore.
	rec := h.log.latest(callID)
	assert.False(t, rec.IsTerminal())
}

func TestStats(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)
	h.dial(t, InitiateOptions{})

	stats := h.m.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 2, stats.Capacity)
	assert.Equal(t, 0, stats.PendingWaiters)
	assert.Equal(t, mock.Name, h.m.ProviderName())
}

func TestConfigFromVoice(t *testing.T) {
	v := config.VoiceConfig{
		FromNumber:          "+15550000000",
		MaxConcurrentCalls:  4,
		MaxDurationSeconds:  90,
		TranscriptTimeoutMs: 2000,
		InboundPolicy:       "allowlist",
		AllowFrom:           []string{"+15550000099"},
		Outbound:            config.OutboundConfig{DefaultMode: "notify", NotifyHangupDelaySec: 5},
	}

	cfg, err := ConfigFromVoice(v, "https://gw.test/voice/webhook")
	require.NoError(t, err)
	assert.Equal(t, InboundAllowlist, cfg.InboundPolicy)
	assert.Equal(t, 4, cfg.MaxConcurrentCalls)
	assert.Equal(t, 90*time.Second, cfg.MaxDuration)
	assert.Equal(t, 2*time.Second, cfg.TranscriptTimeout)
	assert.Equal(t, 5*time.Second, cfg.NotifyHangupDelay)
	assert.Equal(t, voice.ModeNotify, cfg.DefaultMode)
	assert.Equal(t, 15*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, "https://gw.test/voice/webhook", cfg.WebhookURL)

	v.InboundPolicy = "sometimes"
	_, err = ConfigFromVoice(v, "")
	assert.Error(t, err)
}
