// Package telnyx drives calls through the Telnyx Call Control v2 API. Our
// call id travels in client_state so every webhook can be matched back to
// its record.
package telnyx

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	cgErrors "github.com/harunnryd/callgate/internal/errors"
	"github.com/harunnryd/callgate/internal/voice"
)

const Name = "telnyx"

const (
	defaultVoice    = "female"
	defaultLanguage = "en-US"
)

type Config struct {
	APIKey       string
	ConnectionID string
	// PublicKey is the base64 ed25519 key from the Telnyx portal.
	PublicKey                 string
	BaseURL                   string
	WebhookURL                string
	SkipSignatureVerification bool
	HTTPClient                *http.Client
	// Now is used for the webhook timestamp tolerance check.
	Now func() time.Time
}

type Provider struct {
	cfg       Config
	client    *http.Client
	publicKey ed25519.PublicKey

	mu           sync.Mutex
	transcribing map[string]bool
}

func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("telnyx: api key is required")
	}
	if cfg.ConnectionID == "" {
		return nil, fmt.Errorf("telnyx: connection id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telnyx.com/v2"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &Provider{cfg: cfg, client: cfg.HTTPClient, transcribing: make(map[string]bool)}
	if p.client == nil {
		p.client = &http.Client{Timeout: 30 * time.Second}
	}

	if !cfg.SkipSignatureVerification {
		raw, err := base64.StdEncoding.DecodeString(cfg.PublicKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("telnyx: public key must be a base64 ed25519 key")
		}
		p.publicKey = ed25519.PublicKey(raw)
	}
	return p, nil
}

func (p *Provider) Name() string { return Name }

type dialRequest struct {
	ConnectionID string `json:"connection_id"`
	To           string `json:"to"`
	From         string `json:"from"`
	WebhookURL   string `json:"webhook_url,omitempty"`
	ClientState  string `json:"client_state,omitempty"`
}

type dialResponse struct {
	Data struct {
		CallControlID string `json:"call_control_id"`
		CallSessionID string `json:"call_session_id"`
	} `json:"data"`
}

// InitiateCall dials out. Telnyx has no inline playback on dial, so the
// message is always spoken after answer.
func (p *Provider) InitiateCall(ctx context.Context, input voice.InitiateCallInput) (*voice.InitiateCallResult, error) {
	req := dialRequest{
		ConnectionID: p.cfg.ConnectionID,
		To:           input.To,
		From:         input.From,
		WebhookURL:   firstNonEmpty(input.WebhookURL, p.cfg.WebhookURL),
		ClientState:  encodeClientState(input.CallID),
	}

	var resp dialResponse
	if err := p.do(ctx, "/calls", req, &resp); err != nil {
		return nil, err
	}
	if resp.Data.CallControlID == "" {
		return nil, fmt.Errorf("telnyx: dial returned no call_control_id")
	}
	return &voice.InitiateCallResult{ProviderCallID: resp.Data.CallControlID}, nil
}

// Speak plays text and, when listening, starts transcription once per call.
func (p *Provider) Speak(ctx context.Context, input voice.SpeakInput) error {
	speak := map[string]any{
		"payload":      input.Text,
		"voice":        defaultVoice,
		"language":     defaultLanguage,
		"client_state": encodeClientState(input.CallID),
	}
	if err := p.action(ctx, input.ProviderCallID, "speak", speak); err != nil {
		return err
	}
	if !input.Listen || !p.claimTranscription(input.ProviderCallID) {
		return nil
	}

	start := map[string]any{
		"language":             defaultLanguage,
		"transcription_tracks": "inbound",
		"client_state":         encodeClientState(input.CallID),
	}
	if err := p.action(ctx, input.ProviderCallID, "transcription_start", start); err != nil {
		p.releaseTranscription(input.ProviderCallID)
		return err
	}
	return nil
}

func (p *Provider) Hangup(ctx context.Context, input voice.HangupInput) error {
	defer p.releaseTranscription(input.ProviderCallID)
	err := p.action(ctx, input.ProviderCallID, "hangup", map[string]any{})

	// 422 means the call already ended.
	var httpErr *cgErrors.ProviderHTTPError
	if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusUnprocessableEntity || httpErr.StatusCode == http.StatusNotFound) {
		return nil
	}
	return err
}

// Answer picks up an admitted inbound call.
func (p *Provider) Answer(ctx context.Context, providerCallID string) error {
	return p.action(ctx, providerCallID, "answer", map[string]any{})
}

func (p *Provider) claimTranscription(callControlID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transcribing[callControlID] {
		return false
	}
	p.transcribing[callControlID] = true
	return true
}

func (p *Provider) releaseTranscription(callControlID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.transcribing, callControlID)
}

func (p *Provider) action(ctx context.Context, callControlID, action string, params map[string]any) error {
	return p.do(ctx, fmt.Sprintf("/calls/%s/actions/%s", callControlID, action), params, nil)
}

func (p *Provider) do(ctx context.Context, path string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telnyx: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return cgErrors.NewProviderHTTPError(Name, resp.StatusCode, string(respBody))
	}
	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("telnyx: decode response: %w", err)
		}
	}
	return nil
}

func encodeClientState(callID string) string {
	if callID == "" {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(callID))
}

func decodeClientState(state string) string {
	if state == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(state)
	if err != nil {
		return ""
	}
	return string(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
