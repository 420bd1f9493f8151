package manager

import (
	"context"
	"time"

	"github.com/harunnryd/callgate/internal/voice"
)

const (
	maxDurationKey = "maxdur:"
	notifyKey      = "notify:"
	transcriptKey  = "transcript:"
)

func (m *Manager) armMaxDurationLocked(callID string, after time.Duration) {
	if m.cfg.MaxDuration <= 0 {
		return
	}
	m.sched.Schedule(maxDurationKey+callID, after, func() {
		m.logger.Info("Max call duration reached", "call_id", callID, "max_duration", m.cfg.MaxDuration)
		m.forceEnd(callID, voice.EndReasonTimeout)
	})
}

func (m *Manager) armNotifyHangupLocked(callID string) {
	m.sched.Schedule(notifyKey+callID, m.cfg.NotifyHangupDelay, func() {
		m.logger.Info("Notify message delivered, hanging up", "call_id", callID)
		m.forceEnd(callID, voice.EndReasonCompleted)
	})
}

// armNotifyHangup arms the notify timer unless the call ended meanwhile.
func (m *Manager) armNotifyHangup(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[callID]; ok && !m.closed {
		m.armNotifyHangupLocked(callID)
	}
}

func (m *Manager) cancelTimersLocked(callID string) {
	m.sched.Cancel(maxDurationKey + callID)
	m.sched.Cancel(notifyKey + callID)
	m.sched.Cancel(transcriptKey + callID)
}

// forceEnd ends a call from a timer. The record is finalized even if the
// provider hangup fails.
func (m *Manager) forceEnd(callID string, reason voice.EndReason) {
	m.endCall(context.Background(), callID, reason, true)
}
