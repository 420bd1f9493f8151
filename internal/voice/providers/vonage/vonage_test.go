package vonage

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	cgErrors "github.com/harunnryd/callgate/internal/errors"
	"github.com/harunnryd/callgate/internal/voice"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func privateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func pkcs1PEM(t *testing.T) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey(t))}))
}

type capturedRequest struct {
	Method string
	Path   string
	Claims jwt.MapClaims
	Body   map[string]any
}

type fakeAPI struct {
	t        *testing.T
	mu       sync.Mutex
	requests []capturedRequest
	status   int
}

func (f *fakeAPI) handler(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	claims := jwt.MapClaims{}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return &privateKey(f.t).PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	f.mu.Lock()
	f.requests = append(f.requests, capturedRequest{Method: r.Method, Path: r.URL.Path, Claims: claims, Body: body})
	status := f.status
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if r.Method == http.MethodPost {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"uuid":"uuid-1","status":"started"}`)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (f *fakeAPI) last(t *testing.T) capturedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func newTestProvider(t *testing.T) (*Provider, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{t: t}
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)

	p, err := New(Config{
		ApplicationID:             "app-1",
		PrivateKey:                pkcs1PEM(t),
		BaseURL:                   srv.URL,
		WebhookURL:                "https://gw.example.com/voice/webhook",
		SkipSignatureVerification: true,
	})
	require.NoError(t, err)
	return p, api
}

func TestParsePrivateKey(t *testing.T) {
	_, err := parsePrivateKey(pkcs1PEM(t))
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(privateKey(t))
	require.NoError(t, err)
	_, err = parsePrivateKey(string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})))
	require.NoError(t, err)

	_, err = parsePrivateKey("garbage")
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{PrivateKey: pkcs1PEM(t), WebhookURL: "https://x", SkipSignatureVerification: true})
	assert.Error(t, err)
	_, err = New(Config{ApplicationID: "a", PrivateKey: pkcs1PEM(t), WebhookURL: "https://x"})
	assert.Error(t, err, "signature secret required when verifying")
	_, err = New(Config{ApplicationID: "a", PrivateKey: "nope", WebhookURL: "https://x", SkipSignatureVerification: true})
	assert.Error(t, err)
}

func TestInitiateCall_Conversation(t *testing.T) {
	p, api := newTestProvider(t)

	res, err := p.InitiateCall(context.Background(), voice.InitiateCallInput{
		CallID: "call-1", From: "+15550000000", To: "+15550000001", Mode: voice.ModeConversation,
	})
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", res.ProviderCallID)
	assert.False(t, res.InlineDelivered)

	req := api.last(t)
	assert.Equal(t, "/v1/calls", req.Path)
	assert.Equal(t, "app-1", req.Claims["application_id"])
	assert.NotEmpty(t, req.Claims["jti"])

	to := req.Body["to"].([]any)[0].(map[string]any)
	assert.Equal(t, "15550000001", to["number"])
	assert.Contains(t, req.Body["answer_url"].([]any)[0], "kind=answer")
	assert.Contains(t, req.Body["event_url"].([]any)[0], "callId=call-1")
	assert.Nil(t, req.Body["ncco"])
}

func TestInitiateCall_NotifyInlinesTalk(t *testing.T) {
	p, api := newTestProvider(t)

	res, err := p.InitiateCall(context.Background(), voice.InitiateCallInput{
		CallID: "call-1", To: "+15550000001", Mode: voice.ModeNotify, Message: "Your table is ready",
	})
	require.NoError(t, err)
	assert.True(t, res.InlineDelivered)

	req := api.last(t)
	actions := req.Body["ncco"].([]any)
	require.Len(t, actions, 1)
	assert.Equal(t, "talk", actions[0].(map[string]any)["action"])
	assert.Equal(t, "Your table is ready", actions[0].(map[string]any)["text"])
	assert.Nil(t, req.Body["answer_url"])
}

func TestSpeak(t *testing.T) {
	p, api := newTestProvider(t)

	require.NoError(t, p.Speak(context.Background(), voice.SpeakInput{CallID: "call-1", ProviderCallID: "uuid-1", Text: "Hi"}))
	req := api.last(t)
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/v1/calls/uuid-1/talk", req.Path)
	assert.Equal(t, "Hi", req.Body["text"])

	require.NoError(t, p.Speak(context.Background(), voice.SpeakInput{CallID: "call-1", ProviderCallID: "uuid-1", Text: "When?", Listen: true}))
	req = api.last(t)
	assert.Equal(t, "/v1/calls/uuid-1", req.Path)
	assert.Equal(t, "transfer", req.Body["action"])
	actions := req.Body["destination"].(map[string]any)["ncco"].([]any)
	require.Len(t, actions, 2)
	assert.Equal(t, "input", actions[1].(map[string]any)["action"])
}

func TestHangup(t *testing.T) {
	p, api := newTestProvider(t)
	require.NoError(t, p.Hangup(context.Background(), voice.HangupInput{ProviderCallID: "uuid-1"}))
	assert.Equal(t, "hangup", api.last(t).Body["action"])

	api.status = http.StatusNotFound
	assert.NoError(t, p.Hangup(context.Background(), voice.HangupInput{ProviderCallID: "uuid-1"}))

	api.status = http.StatusBadGateway
	err := p.Hangup(context.Background(), voice.HangupInput{ProviderCallID: "uuid-1"})
	assert.ErrorIs(t, err, cgErrors.ErrProvider)
}

func webhookRequest(query, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/voice/webhook?"+query, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestParseWebhook_Events(t *testing.T) {
	p, _ := newTestProvider(t)

	cases := []struct {
		status string
		typ    voice.EventType
		reason voice.EndReason
	}{
		{"started", voice.EventInitiated, ""},
		{"ringing", voice.EventRinging, ""},
		{"answered", voice.EventAnswered, ""},
		{"completed", voice.EventEnded, voice.EndReasonCompleted},
		{"busy", voice.EventEnded, voice.EndReasonHangupUser},
		{"unanswered", voice.EventEnded, voice.EndReasonTimeout},
		{"cancelled", voice.EventEnded, voice.EndReasonHangupBot},
		{"failed", voice.EventError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			body := `{"uuid":"uuid-1","status":"` + tc.status + `","timestamp":"2026-03-01T12:00:00.000Z"}`
			res, err := p.ParseWebhook(webhookRequest("kind=event&callId=call-1", body))
			require.NoError(t, err)
			require.Len(t, res.Events, 1)

			ev := res.Events[0]
			assert.Equal(t, tc.typ, ev.Type)
			assert.Equal(t, tc.reason, ev.Reason)
			assert.Equal(t, "call-1", ev.CallID)
			assert.Equal(t, "vonage:uuid-1:"+tc.status, ev.ID)
			assert.Equal(t, 2026, ev.Timestamp.Year())
		})
	}

	res, err := p.ParseWebhook(webhookRequest("kind=event", `{"uuid":"uuid-1","status":"transfer"}`))
	require.NoError(t, err)
	assert.Empty(t, res.Events)
}

func TestParseWebhook_InboundAnswer(t *testing.T) {
	p, _ := newTestProvider(t)
	r := httptest.NewRequest(http.MethodGet, "/voice/webhook?kind=answer&uuid=uuid-9&from=15550000099&to=15550000000", nil)

	res, err := p.ParseWebhook(r)
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	assert.Equal(t, voice.DirectionInbound, res.Events[0].Direction)
	assert.Equal(t, "+15550000099", res.Events[0].From)
	assert.Equal(t, voice.EventAnswered, res.Events[1].Type)
	assert.Equal(t, "[]", string(res.RejectBody))
	assert.Contains(t, string(res.Body), `"action":"input"`)
}

func TestParseWebhook_Input(t *testing.T) {
	p, _ := newTestProvider(t)
	body := `{"uuid":"uuid-1","speech":{"results":[{"confidence":"0.87","text":" seven pm "}]}}`

	res, err := p.ParseWebhook(webhookRequest("kind=input&callId=call-1", body))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, voice.EventSpeech, res.Events[0].Type)
	assert.Equal(t, "seven pm", res.Events[0].Transcript)
	assert.InDelta(t, 0.87, res.Events[0].Confidence, 0.0001)

	silent, err := p.ParseWebhook(webhookRequest("kind=input&callId=call-1", `{"uuid":"uuid-1","speech":{"timeout_reason":"start_timeout"}}`))
	require.NoError(t, err)
	assert.Empty(t, silent.Events)
	assert.Contains(t, string(silent.Body), "kind=input")
}

func TestParseWebhook_SignedWebhooks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p, err := New(Config{
		ApplicationID:   "app-1",
		PrivateKey:      pkcs1PEM(t),
		WebhookURL:      "https://gw.example.com/voice/webhook",
		SignatureSecret: "shh",
		Now:             func() time.Time { return now },
	})
	require.NoError(t, err)

	body := `{"uuid":"uuid-1","status":"ringing"}`
	sum := sha256.Sum256([]byte(body))
	sign := func(secret, hash string) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iat":          now.Unix(),
			"payload_hash": hash,
		}).SignedString([]byte(secret))
		require.NoError(t, err)
		return "Bearer " + tok
	}

	r := webhookRequest("kind=event", body)
	r.Header.Set("Authorization", sign("shh", hex.EncodeToString(sum[:])))
	res, err := p.ParseWebhook(r)
	require.NoError(t, err)
	assert.Len(t, res.Events, 1)

	r = webhookRequest("kind=event", body)
	r.Header.Set("Authorization", sign("wrong", hex.EncodeToString(sum[:])))
	_, err = p.ParseWebhook(r)
	assert.ErrorIs(t, err, cgErrors.ErrUnauthorized)

	r = webhookRequest("kind=event", body)
	r.Header.Set("Authorization", sign("shh", "deadbeef"))
	_, err = p.ParseWebhook(r)
	assert.ErrorIs(t, err, cgErrors.ErrUnauthorized, "tampered bodies are refused")

	_, err = p.ParseWebhook(webhookRequest("kind=event", body))
	assert.ErrorIs(t, err, cgErrors.ErrUnauthorized)
}
