package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/harunnryd/callgate/internal/voice"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// callView is the printable shape of a call record.
type callView struct {
	CallID         string                  `json:"callId" yaml:"callId"`
	ProviderCallID string                  `json:"providerCallId,omitempty" yaml:"providerCallId,omitempty"`
	Provider       string                  `json:"provider" yaml:"provider"`
	Direction      string                  `json:"direction" yaml:"direction"`
	Mode           string                  `json:"mode" yaml:"mode"`
	State          string                  `json:"state" yaml:"state"`
	From           string                  `json:"from" yaml:"from"`
	To             string                  `json:"to" yaml:"to"`
	StartedAt      time.Time               `json:"startedAt" yaml:"startedAt"`
	EndedAt        *time.Time              `json:"endedAt,omitempty" yaml:"endedAt,omitempty"`
	EndReason      string                  `json:"endReason,omitempty" yaml:"endReason,omitempty"`
	DurationSec    int64                   `json:"durationSec" yaml:"durationSec"`
	Transcript     []voice.TranscriptEntry `json:"transcript,omitempty" yaml:"transcript,omitempty"`
}

func newCallView(rec *voice.CallRecord, now time.Time) callView {
	return callView{
		CallID:         rec.CallID,
		ProviderCallID: rec.ProviderCallID,
		Provider:       rec.Provider,
		Direction:      string(rec.Direction),
		Mode:           string(rec.Mode()),
		State:          string(rec.State),
		From:           rec.From,
		To:             rec.To,
		StartedAt:      rec.StartedAt,
		EndedAt:        rec.EndedAt,
		EndReason:      string(rec.EndReason),
		DurationSec:    int64(rec.Duration(now) / time.Second),
		Transcript:     rec.Transcript,
	}
}

type CallFormatter struct {
	headerStyle  lipgloss.Style
	oddRowStyle  lipgloss.Style
	evenRowStyle lipgloss.Style
	borderStyle  lipgloss.Style
	now          func() time.Time
}

func NewCallFormatter() *CallFormatter {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	return &CallFormatter{
		headerStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Align(lipgloss.Center).
			Padding(0, 1),
		oddRowStyle: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1),
		evenRowStyle: lipgloss.NewStyle().
			Foreground(lightGray).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Foreground(purple),
		now: time.Now,
	}
}

// Write renders records in the requested output format.
func (f *CallFormatter) Write(w io.Writer, records []*voice.CallRecord, output string) error {
	now := f.now()
	views := make([]callView, 0, len(records))
	for _, rec := range records {
		views = append(views, newCallView(rec, now))
	}

	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", outputTable:
		_, err := lipgloss.Fprintln(w, f.table(views))
		return err
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(views); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q (use table, json or yaml)", output)
	}
}

func (f *CallFormatter) table(views []callView) string {
	if len(views) == 0 {
		return "No calls found"
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers("Call ID", "Dir", "Mode", "State", "From", "To", "Started", "Duration", "Reason")

	for _, v := range views {
		t.Row(
			v.CallID,
			v.Direction,
			v.Mode,
			v.State,
			v.From,
			v.To,
			v.StartedAt.Local().Format("2006-01-02 15:04:05"),
			(time.Duration(v.DurationSec) * time.Second).String(),
			v.EndReason,
		)
	}
	return t.String()
}

// WriteCall renders one call with its transcript.
func (f *CallFormatter) WriteCall(w io.Writer, rec *voice.CallRecord, output string) error {
	if rec == nil {
		_, err := fmt.Fprintln(w, "No call found")
		return err
	}
	switch strings.ToLower(strings.TrimSpace(output)) {
	case outputJSON, outputYAML:
		return f.Write(w, []*voice.CallRecord{rec}, output)
	case "", outputTable:
	default:
		return fmt.Errorf("unsupported output format %q (use table, json or yaml)", output)
	}

	v := newCallView(rec, f.now())
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return f.headerStyle
			}
			return f.oddRowStyle
		})

	t.Row("Call ID", v.CallID)
	t.Row("Provider", v.Provider+" "+v.ProviderCallID)
	t.Row("Direction", v.Direction)
	t.Row("Mode", v.Mode)
	t.Row("State", v.State)
	t.Row("From", v.From)
	t.Row("To", v.To)
	t.Row("Started", v.StartedAt.Local().Format(time.RFC3339))
	t.Row("Duration", (time.Duration(v.DurationSec) * time.Second).String())
	if v.EndReason != "" {
		t.Row("Reason", v.EndReason)
	}

	if _, err := lipgloss.Fprintln(w, t.String()); err != nil {
		return err
	}
	for _, entry := range v.Transcript {
		if _, err := fmt.Fprintf(w, "[%s] %s: %s\n", entry.Timestamp.Local().Format("15:04:05"), entry.Speaker, entry.Text); err != nil {
			return err
		}
	}
	return nil
}
