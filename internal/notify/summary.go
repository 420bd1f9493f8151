package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/callgate/internal/voice"
)

const defaultSummaryTurns = 6

// Summary renders a short plain-text report of a finished call with its
// last maxTurns final transcript entries.
func Summary(rec *voice.CallRecord, maxTurns int) string {
	var b strings.Builder

	reason := rec.EndReason
	if reason == "" {
		reason = voice.EndReasonCompleted
	}
	fmt.Fprintf(&b, "Call %s ended (%s)\n", rec.CallID, reason)
	fmt.Fprintf(&b, "%s %s -> %s via %s\n", titleCase(string(rec.Direction)), orUnknown(rec.From), orUnknown(rec.To), rec.Provider)

	if rec.AnsweredAt != nil {
		fmt.Fprintf(&b, "Duration: %s\n", rec.Duration(time.Now()).Round(time.Second))
	} else {
		b.WriteString("Not answered\n")
	}
	if errMsg := rec.Meta(voice.MetaLastError); errMsg != "" {
		fmt.Fprintf(&b, "Last error: %s\n", errMsg)
	}

	var turns []voice.TranscriptEntry
	for _, e := range rec.Transcript {
		if e.IsFinal && strings.TrimSpace(e.Text) != "" {
			turns = append(turns, e)
		}
	}
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	if len(turns) > 0 {
		b.WriteString("Transcript:\n")
		for _, e := range turns {
			fmt.Fprintf(&b, "  %s: %s\n", e.Speaker, e.Text)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func titleCase(s string) string {
	if s == "" {
		return "Call"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
