package telnyx

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	cgErrors "github.com/harunnryd/callgate/internal/errors"
	"github.com/harunnryd/callgate/internal/voice"
)

const (
	signatureHeader = "Telnyx-Signature-Ed25519"
	timestampHeader = "Telnyx-Timestamp"
	// signatureTolerance bounds replay of captured webhooks.
	signatureTolerance = 5 * time.Minute
	maxWebhookBody     = 1 << 20
)

type envelope struct {
	Data struct {
		ID         string    `json:"id"`
		EventType  string    `json:"event_type"`
		OccurredAt time.Time `json:"occurred_at"`
		Payload    payload   `json:"payload"`
	} `json:"data"`
}

type payload struct {
	CallControlID     string             `json:"call_control_id"`
	ClientState       string             `json:"client_state"`
	Direction         string             `json:"direction"`
	From              string             `json:"from"`
	To                string             `json:"to"`
	HangupCause       string             `json:"hangup_cause"`
	TranscriptionData *transcriptionData `json:"transcription_data"`
}

type transcriptionData struct {
	Transcript string  `json:"transcript"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
}

func (p *Provider) ParseWebhook(r *http.Request) (*voice.WebhookResult, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return nil, cgErrors.InvalidInput("telnyx: read body")
	}
	if !p.cfg.SkipSignatureVerification {
		if err := p.verifySignature(r.Header, body); err != nil {
			return nil, err
		}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, cgErrors.InvalidInput("telnyx: malformed webhook json")
	}
	if env.Data.EventType == "" {
		return nil, cgErrors.InvalidInput("telnyx: event_type missing")
	}

	res := &voice.WebhookResult{
		StatusCode:  http.StatusOK,
		Body:        []byte(`{}`),
		ContentType: "application/json",
	}
	if ev, ok := normalize(env); ok {
		res.Events = append(res.Events, ev)
	}
	return res, nil
}

func normalize(env envelope) (voice.NormalizedEvent, bool) {
	d := env.Data
	ev := voice.NormalizedEvent{
		ID:             d.ID,
		CallID:         decodeClientState(d.Payload.ClientState),
		ProviderCallID: d.Payload.CallControlID,
		Timestamp:      d.OccurredAt,
	}

	switch d.EventType {
	case "call.initiated":
		ev.Type = voice.EventInitiated
		if d.Payload.Direction == "incoming" {
			ev.Direction = voice.DirectionInbound
			ev.From = d.Payload.From
			ev.To = d.Payload.To
		}
	case "call.answered":
		ev.Type = voice.EventAnswered
	case "call.speak.started":
		ev.Type = voice.EventSpeaking
	case "call.transcription":
		if d.Payload.TranscriptionData == nil {
			return voice.NormalizedEvent{}, false
		}
		ev.Type = voice.EventSpeech
		ev.Transcript = d.Payload.TranscriptionData.Transcript
		ev.IsFinal = d.Payload.TranscriptionData.IsFinal
		ev.Confidence = d.Payload.TranscriptionData.Confidence
	case "call.hangup":
		ev.Type = voice.EventEnded
		ev.Reason = hangupReason(d.Payload.HangupCause)
	default:
		return voice.NormalizedEvent{}, false
	}
	return ev, true
}

func hangupReason(cause string) voice.EndReason {
	switch cause {
	case "timeout", "no_answer", "time_limit":
		return voice.EndReasonTimeout
	case "user_busy", "call_rejected", "originator_cancel":
		return voice.EndReasonHangupUser
	case "unallocated_number", "destination_out_of_order", "network_out_of_order":
		return voice.EndReasonError
	default:
		return voice.EndReasonCompleted
	}
}

// verifySignature checks the ed25519 signature over "timestamp|body".
func (p *Provider) verifySignature(h http.Header, body []byte) error {
	sig := h.Get(signatureHeader)
	ts := h.Get(timestampHeader)
	if sig == "" || ts == "" {
		return cgErrors.Unauthorized("telnyx: missing signature headers")
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return cgErrors.Unauthorized("telnyx: bad timestamp")
	}
	if age := p.cfg.Now().Sub(time.Unix(unix, 0)); age > signatureTolerance || age < -signatureTolerance {
		return cgErrors.Unauthorized("telnyx: timestamp outside tolerance")
	}

	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return cgErrors.Unauthorized("telnyx: bad signature encoding")
	}
	signed := append([]byte(ts+"|"), body...)
	if !ed25519.Verify(p.publicKey, signed, raw) {
		return cgErrors.Unauthorized("telnyx: signature mismatch")
	}
	return nil
}
