package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/harunnryd/callgate/internal/voice"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sampleRecords() []*voice.CallRecord {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	answered := started.Add(5 * time.Second)
	ended := answered.Add(90 * time.Second)

	done := &voice.CallRecord{
		CallID:     "call-1",
		Provider:   "mock",
		Direction:  voice.DirectionOutbound,
		State:      voice.StateCompleted,
		From:       "+15550000000",
		To:         "+15550000001",
		StartedAt:  started,
		AnsweredAt: &answered,
		EndedAt:    &ended,
		EndReason:  voice.EndReasonCompleted,
		Transcript: []voice.TranscriptEntry{
			{Timestamp: answered, Speaker: voice.SpeakerAgent, Text: "Hello there", IsFinal: true},
			{Timestamp: answered.Add(time.Second), Speaker: voice.SpeakerCaller, Text: "Hi", IsFinal: true},
		},
	}
	done.SetMeta(voice.MetaMode, string(voice.ModeNotify))

	live := &voice.CallRecord{
		CallID:    "call-2",
		Provider:  "mock",
		Direction: voice.DirectionInbound,
		State:     voice.StateActive,
		From:      "+15550000002",
		To:        "+15550000000",
		StartedAt: started.Add(time.Hour),
	}
	return []*voice.CallRecord{done, live}
}

func fixedFormatter() *CallFormatter {
	f := NewCallFormatter()
	f.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC) }
	return f
}

func TestCallFormatter_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, fixedFormatter().Write(&buf, sampleRecords(), "json"))

	var views []callView
	require.NoError(t, json.Unmarshal(buf.Bytes(), &views))
	require.Len(t, views, 2)

	assert.Equal(t, "call-1", views[0].CallID)
	assert.Equal(t, "notify", views[0].Mode)
	assert.Equal(t, int64(90), views[0].DurationSec)
	assert.Len(t, views[0].Transcript, 2)

	assert.Equal(t, "conversation", views[1].Mode)
	assert.Equal(t, int64(30), views[1].DurationSec, "live calls measure up to now")
}

func TestCallFormatter_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, fixedFormatter().Write(&buf, sampleRecords(), "yaml"))

	var views []map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "call-1", views[0]["callId"])
	assert.Equal(t, "completed", views[0]["endReason"])
}

func TestCallFormatter_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, fixedFormatter().Write(&buf, sampleRecords(), ""))

	out := buf.String()
	assert.Contains(t, out, "call-1")
	assert.Contains(t, out, "call-2")
	assert.Contains(t, out, "1m30s")

	buf.Reset()
	require.NoError(t, fixedFormatter().Write(&buf, nil, "table"))
	assert.Contains(t, buf.String(), "No calls found")
}

func TestCallFormatter_UnsupportedOutput(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, fixedFormatter().Write(&buf, sampleRecords(), "xml"))
	assert.Error(t, fixedFormatter().WriteCall(&buf, sampleRecords()[0], "xml"))
}

func TestCallFormatter_WriteCall(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, fixedFormatter().WriteCall(&buf, sampleRecords()[0], "table"))

	out := buf.String()
	assert.Contains(t, out, "call-1")
	assert.Contains(t, out, "agent: Hello there")
	assert.Contains(t, out, "caller: Hi")

	buf.Reset()
	require.NoError(t, fixedFormatter().WriteCall(&buf, nil, "table"))
	assert.Contains(t, buf.String(), "No call found")
}
