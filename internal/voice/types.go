// Package voice holds the provider-agnostic call model shared by the call
// manager, the persistence log and the provider adapters.
package voice

import (
	"time"
)

type CallState string

const (
	StateInitiated CallState = "initiated"
	StateRinging   CallState = "ringing"
	StateAnswered  CallState = "answered"
	StateActive    CallState = "active"
	StateSpeaking  CallState = "speaking"
	StateListening CallState = "listening"
	StateCompleted CallState = "completed"
	StateEnded     CallState = "ended"
)

// rank orders the non-terminal states. Speaking and listening share a rank so
// they can alternate once a call is up.
var stateRank = map[CallState]int{
	StateInitiated: 0,
	StateRinging:   1,
	StateAnswered:  2,
	StateActive:    3,
	StateSpeaking:  4,
	StateListening: 4,
}

// IsTerminal reports whether the state accepts no further transitions.
func (s CallState) IsTerminal() bool {
	return s == StateCompleted || s == StateEnded
}

// CanTransition reports whether moving from s to next is allowed.
// Backward moves are refused; terminal states are sinks.
func (s CallState) CanTransition(next CallState) bool {
	if s.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	from, ok := stateRank[s]
	if !ok {
		return true
	}
	to, ok := stateRank[next]
	if !ok {
		return false
	}
	return to >= from
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type EndReason string

const (
	EndReasonCompleted  EndReason = "completed"
	EndReasonHangupUser EndReason = "hangup-user"
	EndReasonHangupBot  EndReason = "hangup-bot"
	EndReasonTimeout    EndReason = "timeout"
	EndReasonError      EndReason = "error"
)

// TerminalState is the state a call lands in when it ends for reason.
func (r EndReason) TerminalState() CallState {
	if r == EndReasonCompleted || r == "" {
		return StateCompleted
	}
	return StateEnded
}

type CallMode string

const (
	ModeNotify       CallMode = "notify"
	ModeConversation CallMode = "conversation"
)

// ParseMode returns fallback when s is not a known mode.
func ParseMode(s string, fallback CallMode) CallMode {
	switch CallMode(s) {
	case ModeNotify, ModeConversation:
		return CallMode(s)
	default:
		return fallback
	}
}

type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

type TranscriptEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	IsFinal   bool      `json:"isFinal"`
}

// Metadata keys used on CallRecord.Metadata.
const (
	MetaInitialMessage       = "initialMessage"
	MetaInitialMessageSpoken = "initialMessageSpoken"
	MetaMode                 = "mode"
	MetaLastError            = "lastError"
)

type EventType string

const (
	EventInitiated EventType = "call.initiated"
	EventRinging   EventType = "call.ringing"
	EventAnswered  EventType = "call.answered"
	EventActive    EventType = "call.active"
	EventSpeaking  EventType = "call.speaking"
	EventSpeech    EventType = "call.speech"
	EventEnded     EventType = "call.ended"
	EventError     EventType = "call.error"
)

// NormalizedEvent is a provider-agnostic signaling event. ID is the
// idempotency key.
type NormalizedEvent struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	CallID         string    `json:"callId,omitempty"`
	ProviderCallID string    `json:"providerCallId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`

	// call.speech
	Transcript string  `json:"transcript,omitempty"`
	IsFinal    bool    `json:"isFinal,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// call.speaking
	Text string `json:"text,omitempty"`

	// call.ended / call.error
	Reason    EndReason `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`

	// call.initiated (inbound)
	Direction Direction `json:"direction,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
}
