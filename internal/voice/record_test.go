package voice

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to CallState
		want     bool
	}{
		{StateInitiated, StateRinging, true},
		{StateRinging, StateAnswered, true},
		{StateAnswered, StateActive, true},
		{StateActive, StateSpeaking, true},
		{StateSpeaking, StateListening, true},
		{StateListening, StateSpeaking, true},
		{StateAnswered, StateRinging, false},
		{StateSpeaking, StateActive, false},
		{StateInitiated, StateEnded, true},
		{StateCompleted, StateActive, false},
		{StateEnded, StateCompleted, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestLedgerDedupes(t *testing.T) {
	r := &CallRecord{CallID: "c1", State: StateInitiated}
	r.MarkProcessed("evt-1")
	r.MarkProcessed("evt-1")
	r.MarkProcessed("evt-2")

	assert.Equal(t, []string{"evt-1", "evt-2"}, r.ProcessedEventIDs)
	assert.True(t, r.HasProcessed("evt-2"))
	assert.False(t, r.HasProcessed("evt-3"))
	assert.False(t, r.HasProcessed(""))
}

func TestLedgerRebuiltAfterDecode(t *testing.T) {
	r := &CallRecord{CallID: "c1", State: StateActive}
	r.MarkProcessed("evt-1")

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded CallRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.HasProcessed("evt-1"))

	decoded.MarkProcessed("evt-1")
	assert.Len(t, decoded.ProcessedEventIDs, 1)
}

func TestFinishKeepsFirstReason(t *testing.T) {
	now := time.Now()
	r := &CallRecord{CallID: "c1", State: StateActive}

	assert.True(t, r.Finish(EndReasonHangupUser, now))
	assert.Equal(t, StateEnded, r.State)
	assert.False(t, r.Finish(EndReasonTimeout, now.Add(time.Second)))
	assert.Equal(t, EndReasonHangupUser, r.EndReason)

	done := &CallRecord{CallID: "c2", State: StateActive}
	done.Finish("", now)
	assert.Equal(t, StateCompleted, done.State)
	assert.Equal(t, EndReasonCompleted, done.EndReason)
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	r := &CallRecord{CallID: "c1", State: StateActive, AnsweredAt: &now}
	r.AddTranscript(SpeakerCaller, "hello", true, now)
	r.SetMeta(MetaMode, string(ModeNotify))
	r.MarkProcessed("evt-1")

	c := r.Clone()
	c.Transcript[0].Text = "changed"
	c.Metadata[MetaMode] = "other"
	c.ProcessedEventIDs[0] = "x"
	later := now.Add(time.Hour)
	*c.AnsweredAt = later

	assert.Equal(t, "hello", r.Transcript[0].Text)
	assert.Equal(t, ModeNotify, r.Mode())
	assert.Equal(t, "evt-1", r.ProcessedEventIDs[0])
	assert.Equal(t, now, *r.AnsweredAt)
}

func TestRecordJSONFieldNames(t *testing.T) {
	r := &CallRecord{CallID: "c1", ProviderCallID: "p1", State: StateRinging, Direction: DirectionOutbound}
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"callId", "providerCallId", "state", "direction", "processedEventIds", "transcript"} {
		assert.Contains(t, raw, key)
	}
}
