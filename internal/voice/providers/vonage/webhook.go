package vonage

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	cgErrors "github.com/harunnryd/callgate/internal/errors"
	"github.com/harunnryd/callgate/internal/voice"
)

const maxWebhookBody = 1 << 20

// callEvent covers the fields we read from answer, event and input
// webhooks. Answer requests may also arrive as GET query parameters.
type callEvent struct {
	UUID      string `json:"uuid"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason"`
	Speech    *struct {
		TimeoutReason string `json:"timeout_reason"`
		Results       []struct {
			Confidence string `json:"confidence"`
			Text       string `json:"text"`
		} `json:"results"`
	} `json:"speech"`
}

func (p *Provider) ParseWebhook(r *http.Request) (*voice.WebhookResult, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return nil, cgErrors.InvalidInput("vonage: read body")
	}
	if !p.cfg.SkipSignatureVerification {
		if err := verifySignedWebhook(r.Header.Get("Authorization"), p.cfg.SignatureSecret, body, p.cfg.Now); err != nil {
			return nil, cgErrors.Unauthorized("vonage: " + err.Error())
		}
	}

	ev, err := decodeCallEvent(r, body)
	if err != nil {
		return nil, err
	}
	if ev.UUID == "" {
		return nil, cgErrors.InvalidInput("vonage: uuid missing")
	}

	query := r.URL.Query()
	callID := query.Get("callId")
	switch kind := query.Get("kind"); kind {
	case kindAnswer:
		return p.parseAnswer(ev, callID), nil
	case kindInput:
		return p.parseInput(ev, callID), nil
	case kindEvent, "":
		res := &voice.WebhookResult{StatusCode: http.StatusOK, Body: []byte(`{}`), ContentType: "application/json"}
		if out, ok := statusEvent(ev, callID); ok {
			res.Events = append(res.Events, out)
		}
		return res, nil
	default:
		return nil, cgErrors.InvalidInput("vonage: unknown callback kind " + strconv.Quote(kind))
	}
}

func decodeCallEvent(r *http.Request, body []byte) (callEvent, error) {
	var ev callEvent
	if len(body) > 0 {
		if err := json.Unmarshal(body, &ev); err != nil {
			return callEvent{}, cgErrors.InvalidInput("vonage: malformed webhook json")
		}
		return ev, nil
	}
	q := r.URL.Query()
	ev.UUID = q.Get("uuid")
	ev.From = q.Get("from")
	ev.To = q.Get("to")
	return ev, nil
}

func (p *Provider) parseAnswer(ev callEvent, callID string) *voice.WebhookResult {
	res := &voice.WebhookResult{
		StatusCode:  http.StatusOK,
		Body:        ncco{speechInput(p.callbackURL(kindInput, callID))}.json(),
		ContentType: "application/json",
	}
	at := parseTimestamp(ev.Timestamp)

	if callID == "" {
		// An empty NCCO hangs the call up.
		res.RejectBody = ncco{}.json()
		res.Events = append(res.Events, voice.NormalizedEvent{
			ID:             "vonage:" + ev.UUID + ":inbound",
			Type:           voice.EventInitiated,
			ProviderCallID: ev.UUID,
			Timestamp:      at,
			Direction:      voice.DirectionInbound,
			From:           normalizeNumber(ev.From),
			To:             normalizeNumber(ev.To),
		})
	}
	res.Events = append(res.Events, voice.NormalizedEvent{
		ID:             "vonage:" + ev.UUID + ":answered",
		Type:           voice.EventAnswered,
		CallID:         callID,
		ProviderCallID: ev.UUID,
		Timestamp:      at,
	})
	return res
}

// parseInput reports recognized speech and restarts the input so the call
// stays open for the next turn.
func (p *Provider) parseInput(ev callEvent, callID string) *voice.WebhookResult {
	res := &voice.WebhookResult{
		StatusCode:  http.StatusOK,
		Body:        ncco{speechInput(p.callbackURL(kindInput, callID))}.json(),
		ContentType: "application/json",
	}
	if ev.Speech == nil || len(ev.Speech.Results) == 0 {
		return res
	}
	best := ev.Speech.Results[0]
	text := strings.TrimSpace(best.Text)
	if text == "" {
		return res
	}
	confidence, _ := strconv.ParseFloat(best.Confidence, 64)

	res.Events = append(res.Events, voice.NormalizedEvent{
		Type:           voice.EventSpeech,
		CallID:         callID,
		ProviderCallID: ev.UUID,
		Timestamp:      parseTimestamp(ev.Timestamp),
		Transcript:     text,
		IsFinal:        true,
		Confidence:     confidence,
	})
	return res
}

func statusEvent(ev callEvent, callID string) (voice.NormalizedEvent, bool) {
	out := voice.NormalizedEvent{
		ID:             "vonage:" + ev.UUID + ":" + ev.Status,
		CallID:         callID,
		ProviderCallID: ev.UUID,
		Timestamp:      parseTimestamp(ev.Timestamp),
	}

	switch ev.Status {
	case "started":
		out.Type = voice.EventInitiated
	case "ringing":
		out.Type = voice.EventRinging
	case "answered":
		out.Type = voice.EventAnswered
	case "completed":
		out.Type, out.Reason = voice.EventEnded, voice.EndReasonCompleted
	case "busy", "rejected":
		out.Type, out.Reason = voice.EventEnded, voice.EndReasonHangupUser
	case "timeout", "unanswered":
		out.Type, out.Reason = voice.EventEnded, voice.EndReasonTimeout
	case "cancelled":
		out.Type, out.Reason = voice.EventEnded, voice.EndReasonHangupBot
	case "failed":
		out.Type = voice.EventError
		out.Error = ev.Reason
		if out.Error == "" {
			out.Error = "call failed"
		}
	default:
		return voice.NormalizedEvent{}, false
	}
	return out, true
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// normalizeNumber restores the leading plus Vonage strips from E.164.
func normalizeNumber(n string) string {
	if n == "" || strings.HasPrefix(n, "+") {
		return n
	}
	return "+" + n
}
