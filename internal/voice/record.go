package voice

import (
	"time"
)

// CallRecord is the unit of call state, one per call attempt.
type CallRecord struct {
	CallID            string            `json:"callId"`
	ProviderCallID    string            `json:"providerCallId,omitempty"`
	Provider          string            `json:"provider"`
	Direction         Direction         `json:"direction"`
	State             CallState         `json:"state"`
	From              string            `json:"from"`
	To                string            `json:"to"`
	StartedAt         time.Time         `json:"startedAt"`
	AnsweredAt        *time.Time        `json:"answeredAt,omitempty"`
	EndedAt           *time.Time        `json:"endedAt,omitempty"`
	EndReason         EndReason         `json:"endReason,omitempty"`
	Transcript        []TranscriptEntry `json:"transcript"`
	ProcessedEventIDs []string          `json:"processedEventIds"`
	Metadata          map[string]string `json:"metadata,omitempty"`

	processed map[string]struct{}
}

// IsTerminal reports whether the record has reached the end of its lifecycle.
func (r *CallRecord) IsTerminal() bool {
	return r.State.IsTerminal() || r.EndedAt != nil || r.EndReason != ""
}

// HasProcessed reports whether the event id is already in the ledger.
func (r *CallRecord) HasProcessed(eventID string) bool {
	if eventID == "" {
		return false
	}
	r.ensureLedger()
	_, ok := r.processed[eventID]
	return ok
}

// MarkProcessed appends eventID to the ledger once.
func (r *CallRecord) MarkProcessed(eventID string) {
	if eventID == "" || r.HasProcessed(eventID) {
		return
	}
	r.processed[eventID] = struct{}{}
	r.ProcessedEventIDs = append(r.ProcessedEventIDs, eventID)
}

// ensureLedger rebuilds the lookup set from the serialized ledger, which is
// all a decoded record carries.
func (r *CallRecord) ensureLedger() {
	if r.processed != nil && len(r.processed) == len(r.ProcessedEventIDs) {
		return
	}
	r.processed = make(map[string]struct{}, len(r.ProcessedEventIDs))
	ids := r.ProcessedEventIDs[:0]
	for _, id := range r.ProcessedEventIDs {
		if _, dup := r.processed[id]; dup {
			continue
		}
		r.processed[id] = struct{}{}
		ids = append(ids, id)
	}
	r.ProcessedEventIDs = ids
}

// Transition moves the record to next if the state machine allows it.
func (r *CallRecord) Transition(next CallState) bool {
	if r.State == next {
		return false
	}
	if !r.State.CanTransition(next) {
		return false
	}
	r.State = next
	return true
}

// Finish marks the record terminal. A record that already ended keeps its
// original reason.
func (r *CallRecord) Finish(reason EndReason, at time.Time) bool {
	if r.IsTerminal() {
		return false
	}
	if reason == "" {
		reason = EndReasonCompleted
	}
	r.State = reason.TerminalState()
	r.EndReason = reason
	ended := at
	r.EndedAt = &ended
	return true
}

// AddTranscript appends a turn.
func (r *CallRecord) AddTranscript(speaker Speaker, text string, isFinal bool, at time.Time) {
	r.Transcript = append(r.Transcript, TranscriptEntry{
		Timestamp: at,
		Speaker:   speaker,
		Text:      text,
		IsFinal:   isFinal,
	})
}

func (r *CallRecord) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}

func (r *CallRecord) SetMeta(key, value string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	if value == "" {
		delete(r.Metadata, key)
		return
	}
	r.Metadata[key] = value
}

// Mode returns the call mode recorded in metadata.
func (r *CallRecord) Mode() CallMode {
	return ParseMode(r.Meta(MetaMode), ModeConversation)
}

// Duration is the elapsed call time, measured from answer when known.
func (r *CallRecord) Duration(now time.Time) time.Duration {
	start := r.StartedAt
	if r.AnsweredAt != nil {
		start = *r.AnsweredAt
	}
	end := now
	if r.EndedAt != nil {
		end = *r.EndedAt
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

// Clone returns a deep copy safe to hand outside the manager.
func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.AnsweredAt != nil {
		t := *r.AnsweredAt
		c.AnsweredAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	c.Transcript = append([]TranscriptEntry(nil), r.Transcript...)
	c.ProcessedEventIDs = append([]string(nil), r.ProcessedEventIDs...)
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	c.processed = nil
	return &c
}
