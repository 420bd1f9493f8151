package twilio

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	cgErrors "github.com/harunnryd/callgate/internal/errors"
	"github.com/harunnryd/callgate/internal/voice"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhook = "https://gw.example.com/voice/webhook"

func webhookProvider(t *testing.T, skipVerify bool) *Provider {
	t.Helper()
	p, err := New(Config{
		AccountSID:                "AC1",
		AuthToken:                 "secret",
		WebhookURL:                testWebhook,
		SkipSignatureVerification: skipVerify,
	})
	require.NoError(t, err)
	return p
}

func webhookRequest(query string, form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/voice/webhook?"+query, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestParseWebhook_StatusCallbacks(t *testing.T) {
	p := webhookProvider(t, true)

	cases := []struct {
		status string
		typ    voice.EventType
		reason voice.EndReason
	}{
		{"initiated", voice.EventInitiated, ""},
		{"ringing", voice.EventRinging, ""},
		{"in-progress", voice.EventAnswered, ""},
		{"completed", voice.EventEnded, voice.EndReasonCompleted},
		{"busy", voice.EventEnded, voice.EndReasonHangupUser},
		{"no-answer", voice.EventEnded, voice.EndReasonTimeout},
		{"canceled", voice.EventEnded, voice.EndReasonHangupBot},
		{"failed", voice.EventError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			form := url.Values{
				"CallSid":        {"CA1"},
				"CallStatus":     {tc.status},
				"SequenceNumber": {"2"},
				"Timestamp":      {"Sun, 01 Mar 2026 12:00:00 +0000"},
			}
			res, err := p.ParseWebhook(webhookRequest("kind=status&callId=call-1", form))
			require.NoError(t, err)
			require.Len(t, res.Events, 1)

			ev := res.Events[0]
			assert.Equal(t, tc.typ, ev.Type)
			assert.Equal(t, tc.reason, ev.Reason)
			assert.Equal(t, "call-1", ev.CallID)
			assert.Equal(t, "CA1", ev.ProviderCallID)
			assert.Equal(t, "twilio:CA1:"+tc.status+":2", ev.ID)
			assert.Equal(t, 2026, ev.Timestamp.Year())
			assert.Equal(t, http.StatusOK, res.StatusCode)
			assert.Equal(t, "text/xml", res.ContentType)
		})
	}
}

func TestParseWebhook_FailedCarriesMessage(t *testing.T) {
	p := webhookProvider(t, true)
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"failed"}, "ErrorMessage": {"unreachable"}}

	res, err := p.ParseWebhook(webhookRequest("kind=status&callId=call-1", form))
	require.NoError(t, err)
	assert.Equal(t, "unreachable", res.Events[0].Error)
	assert.False(t, res.Events[0].Retryable)
}

func TestParseWebhook_RedeliveryKeepsID(t *testing.T) {
	p := webhookProvider(t, true)
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}, "SequenceNumber": {"1"}}

	first, err := p.ParseWebhook(webhookRequest("kind=status&callId=call-1", form))
	require.NoError(t, err)
	second, err := p.ParseWebhook(webhookRequest("kind=status&callId=call-1", form))
	require.NoError(t, err)
	assert.Equal(t, first.Events[0].ID, second.Events[0].ID)

	r := webhookRequest("kind=status&callId=call-1", form)
	r.Header.Set(idempotencyHeader, "tok-1")
	withToken, err := p.ParseWebhook(r)
	require.NoError(t, err)
	assert.Equal(t, "twilio:tok-1", withToken.Events[0].ID)
}

func TestParseWebhook_UnknownStatusIsIgnored(t *testing.T) {
	p := webhookProvider(t, true)
	res, err := p.ParseWebhook(webhookRequest("kind=status", url.Values{"CallSid": {"CA1"}, "CallStatus": {"paused"}}))
	require.NoError(t, err)
	assert.Empty(t, res.Events)
}

func TestParseWebhook_OutboundAnswer(t *testing.T) {
	p := webhookProvider(t, true)
	res, err := p.ParseWebhook(webhookRequest("kind=answer&callId=call-1", url.Values{"CallSid": {"CA1"}, "Direction": {"outbound-api"}}))
	require.NoError(t, err)

	require.Len(t, res.Events, 1)
	assert.Equal(t, voice.EventAnswered, res.Events[0].Type)
	assert.Equal(t, "call-1", res.Events[0].CallID)
	assert.Contains(t, string(res.Body), `<Gather input="speech"`)
	assert.Empty(t, res.RejectBody)
}

func TestParseWebhook_InboundCall(t *testing.T) {
	p := webhookProvider(t, true)
	form := url.Values{"CallSid": {"CA9"}, "Direction": {"inbound"}, "From": {"+15550000099"}, "To": {"+15550000000"}}

	res, err := p.ParseWebhook(webhookRequest("kind=answer", form))
	require.NoError(t, err)
	require.Len(t, res.Events, 2)

	in := res.Events[0]
	assert.Equal(t, voice.EventInitiated, in.Type)
	assert.Equal(t, voice.DirectionInbound, in.Direction)
	assert.Equal(t, "+15550000099", in.From)
	assert.Equal(t, "CA9", in.ProviderCallID)
	assert.Empty(t, in.CallID)

	assert.Equal(t, voice.EventAnswered, res.Events[1].Type)
	assert.Contains(t, string(res.RejectBody), "<Reject></Reject>")
}

func TestParseWebhook_Gather(t *testing.T) {
	p := webhookProvider(t, true)
	form := url.Values{"CallSid": {"CA1"}, "SpeechResult": {" Seven pm "}, "Confidence": {"0.91"}}

	res, err := p.ParseWebhook(webhookRequest("kind=gather&callId=call-1", form))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.Equal(t, voice.EventSpeech, ev.Type)
	assert.Equal(t, "Seven pm", ev.Transcript)
	assert.True(t, ev.IsFinal)
	assert.InDelta(t, 0.91, ev.Confidence, 0.0001)
	assert.Empty(t, ev.ID)
	assert.Contains(t, string(res.Body), "kind=gather")

	empty, err := p.ParseWebhook(webhookRequest("kind=gather&callId=call-1", url.Values{"CallSid": {"CA1"}}))
	require.NoError(t, err)
	assert.Empty(t, empty.Events)
}

func TestParseWebhook_BadInput(t *testing.T) {
	p := webhookProvider(t, true)

	_, err := p.ParseWebhook(webhookRequest("kind=status", url.Values{"CallStatus": {"ringing"}}))
	assert.True(t, errors.Is(err, cgErrors.ErrInvalidInput))

	_, err = p.ParseWebhook(webhookRequest("kind=bogus", url.Values{"CallSid": {"CA1"}}))
	assert.True(t, errors.Is(err, cgErrors.ErrInvalidInput))
}

func TestParseWebhook_Signature(t *testing.T) {
	p := webhookProvider(t, false)
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}, "SequenceNumber": {"0"}}
	query := "kind=status&callId=call-1"

	unsigned := webhookRequest(query, form)
	_, err := p.ParseWebhook(unsigned)
	assert.True(t, errors.Is(err, cgErrors.ErrUnauthorized))

	forged := webhookRequest(query, form)
	forged.Header.Set(signatureHeader, Signature("wrong", testWebhook+"?"+query, form))
	_, err = p.ParseWebhook(forged)
	assert.True(t, errors.Is(err, cgErrors.ErrUnauthorized))

	signed := webhookRequest(query, form)
	signed.Header.Set(signatureHeader, Signature("secret", testWebhook+"?"+query, form))
	res, err := p.ParseWebhook(signed)
	require.NoError(t, err)
	assert.Len(t, res.Events, 1)
}

func TestSignature_KnownVector(t *testing.T) {
	// Example from Twilio's webhook security documentation.
	params := url.Values{
		"CallSid": {"CA1234567890ABCDE"},
		"Caller":  {"+12349013030"},
		"Digits":  {"1234"},
		"From":    {"+12349013030"},
		"To":      {"+18005551212"},
	}
	got := Signature("12345", "https://mycompany.com/myapp.php?foo=1&bar=2", params)
	assert.Equal(t, "0/KCTR6DLpKmkAf8muzZqo1nDgQ=", got)
}
