package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	cgErrors "github.com/harunnryd/callgate/internal/errors"
	"github.com/harunnryd/callgate/internal/voice"
)

const (
	signatureHeader   = "X-Twilio-Signature"
	idempotencyHeader = "I-Twilio-Idempotency-Token"
	contentTypeXML    = "text/xml"
)

// ParseWebhook handles the three callbacks we register with Twilio: status
// callbacks, the answer URL and speech gather results.
func (p *Provider) ParseWebhook(r *http.Request) (*voice.WebhookResult, error) {
	if err := r.ParseForm(); err != nil {
		return nil, cgErrors.InvalidInput("twilio: malformed form body")
	}
	if !p.cfg.SkipSignatureVerification {
		if err := p.verifySignature(r); err != nil {
			return nil, err
		}
	}

	form := r.PostForm
	callID := r.URL.Query().Get("callId")
	sid := form.Get("CallSid")
	if sid == "" {
		return nil, cgErrors.InvalidInput("twilio: CallSid missing")
	}

	switch kind := r.URL.Query().Get("kind"); kind {
	case kindAnswer:
		return p.parseAnswer(r, callID, sid)
	case kindGather:
		return p.parseGather(r, callID, sid)
	case kindStatus, "":
		ev, ok := statusEvent(form, callID, sid, r.Header.Get(idempotencyHeader))
		body, err := emptyTwiML()
		if err != nil {
			return nil, err
		}
		res := &voice.WebhookResult{StatusCode: http.StatusOK, Body: []byte(body), ContentType: contentTypeXML}
		if ok {
			res.Events = append(res.Events, ev)
		}
		return res, nil
	default:
		return nil, cgErrors.InvalidInput("twilio: unknown callback kind " + strconv.Quote(kind))
	}
}

func (p *Provider) parseAnswer(r *http.Request, callID, sid string) (*voice.WebhookResult, error) {
	form := r.PostForm
	listen, err := listenTwiML(p.callbackURL(kindGather, callID))
	if err != nil {
		return nil, err
	}
	res := &voice.WebhookResult{StatusCode: http.StatusOK, Body: []byte(listen), ContentType: contentTypeXML}

	at := parseTimestamp(form.Get("Timestamp"))
	if callID == "" && strings.EqualFold(form.Get("Direction"), "inbound") {
		rejectBody, err := rejectTwiML()
		if err != nil {
			return nil, err
		}
		res.RejectBody = []byte(rejectBody)
		res.Events = append(res.Events, voice.NormalizedEvent{
			ID:             "twilio:" + sid + ":inbound",
			Type:           voice.EventInitiated,
			ProviderCallID: sid,
			Timestamp:      at,
			Direction:      voice.DirectionInbound,
			From:           form.Get("From"),
			To:             form.Get("To"),
		})
	}
	res.Events = append(res.Events, voice.NormalizedEvent{
		ID:             "twilio:" + sid + ":answered",
		Type:           voice.EventAnswered,
		CallID:         callID,
		ProviderCallID: sid,
		Timestamp:      at,
	})
	return res, nil
}

func (p *Provider) parseGather(r *http.Request, callID, sid string) (*voice.WebhookResult, error) {
	form := r.PostForm
	listen, err := listenTwiML(p.callbackURL(kindGather, callID))
	if err != nil {
		return nil, err
	}
	res := &voice.WebhookResult{StatusCode: http.StatusOK, Body: []byte(listen), ContentType: contentTypeXML}

	transcript := strings.TrimSpace(form.Get("SpeechResult"))
	if transcript == "" {
		return res, nil
	}
	confidence, _ := strconv.ParseFloat(form.Get("Confidence"), 64)

	// Gathers carry no sequence number, so only a redelivery token makes
	// them deduplicable.
	id := ""
	if token := r.Header.Get(idempotencyHeader); token != "" {
		id = "twilio:" + token
	}
	res.Events = append(res.Events, voice.NormalizedEvent{
		ID:             id,
		Type:           voice.EventSpeech,
		CallID:         callID,
		ProviderCallID: sid,
		Timestamp:      parseTimestamp(form.Get("Timestamp")),
		Transcript:     transcript,
		IsFinal:        true,
		Confidence:     confidence,
	})
	return res, nil
}

// statusEvent maps a Twilio CallStatus onto the normalized lifecycle.
func statusEvent(form url.Values, callID, sid, token string) (voice.NormalizedEvent, bool) {
	status := form.Get("CallStatus")
	ev := voice.NormalizedEvent{
		CallID:         callID,
		ProviderCallID: sid,
		Timestamp:      parseTimestamp(form.Get("Timestamp")),
	}
	if token != "" {
		ev.ID = "twilio:" + token
	} else {
		ev.ID = "twilio:" + sid + ":" + status + ":" + form.Get("SequenceNumber")
	}

	switch status {
	case "queued", "initiated":
		ev.Type = voice.EventInitiated
	case "ringing":
		ev.Type = voice.EventRinging
	case "in-progress":
		ev.Type = voice.EventAnswered
	case "completed":
		ev.Type, ev.Reason = voice.EventEnded, voice.EndReasonCompleted
	case "busy":
		ev.Type, ev.Reason = voice.EventEnded, voice.EndReasonHangupUser
	case "no-answer":
		ev.Type, ev.Reason = voice.EventEnded, voice.EndReasonTimeout
	case "canceled":
		ev.Type, ev.Reason = voice.EventEnded, voice.EndReasonHangupBot
	case "failed":
		ev.Type = voice.EventError
		ev.Error = form.Get("ErrorMessage")
		if ev.Error == "" {
			ev.Error = "call failed"
		}
	default:
		return voice.NormalizedEvent{}, false
	}
	return ev, true
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC1123Z, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// verifySignature checks X-Twilio-Signature: base64 HMAC-SHA1 over the full
// callback URL followed by every POST parameter, sorted by name.
func (p *Provider) verifySignature(r *http.Request) error {
	got := r.Header.Get(signatureHeader)
	if got == "" {
		return cgErrors.Unauthorized("twilio: missing signature")
	}
	want := Signature(p.cfg.AuthToken, p.requestURL(r), r.PostForm)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return cgErrors.Unauthorized("twilio: signature mismatch")
	}
	return nil
}

// requestURL rebuilds the URL Twilio called, using the public webhook origin
// since the gateway usually sits behind a proxy.
func (p *Provider) requestURL(r *http.Request) string {
	base, err := url.Parse(p.cfg.WebhookURL)
	if err != nil || base.Host == "" {
		return r.URL.String()
	}
	return base.Scheme + "://" + base.Host + r.URL.RequestURI()
}

// Signature computes the X-Twilio-Signature value for a request.
func Signature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
