// Package vonage drives calls through the Vonage Voice API. Calls are
// scripted with NCCO; the answer and input webhooks keep a speech input
// running so the caller can always be heard.
package vonage

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cgErrors "github.com/harunnryd/callgate/internal/errors"
	"github.com/harunnryd/callgate/internal/voice"
)

const Name = "vonage"

const (
	kindAnswer = "answer"
	kindEvent  = "event"
	kindInput  = "input"
)

type Config struct {
	ApplicationID string
	// PrivateKey is the PEM encoded application key.
	PrivateKey string
	// SignatureSecret verifies signed webhooks.
	SignatureSecret           string
	BaseURL                   string
	WebhookURL                string
	SkipSignatureVerification bool
	HTTPClient                *http.Client
	Now                       func() time.Time
}

type Provider struct {
	cfg        Config
	client     *http.Client
	privateKey *rsa.PrivateKey
}

func New(cfg Config) (*Provider, error) {
	if cfg.ApplicationID == "" {
		return nil, fmt.Errorf("vonage: application id is required")
	}
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("vonage: webhook url is required")
	}
	if !cfg.SkipSignatureVerification && cfg.SignatureSecret == "" {
		return nil, fmt.Errorf("vonage: signature secret is required unless verification is skipped")
	}
	key, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("vonage: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.nexmo.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &Provider{cfg: cfg, client: cfg.HTTPClient, privateKey: key}
	if p.client == nil {
		p.client = &http.Client{Timeout: 30 * time.Second}
	}
	return p, nil
}

func (p *Provider) Name() string { return Name }

type endpoint struct {
	Type   string `json:"type"`
	Number string `json:"number,omitempty"`
}

type createCallRequest struct {
	To           []endpoint `json:"to"`
	From         endpoint   `json:"from"`
	NCCO         ncco       `json:"ncco,omitempty"`
	AnswerURL    []string   `json:"answer_url,omitempty"`
	AnswerMethod string     `json:"answer_method,omitempty"`
	EventURL     []string   `json:"event_url,omitempty"`
	EventMethod  string     `json:"event_method,omitempty"`
}

type createCallResponse struct {
	UUID   string `json:"uuid"`
	Status string `json:"status"`
}

// InitiateCall dials out. Notify calls carry the message as an inline talk
// action; conversation calls fetch their NCCO from the answer webhook.
func (p *Provider) InitiateCall(ctx context.Context, input voice.InitiateCallInput) (*voice.InitiateCallResult, error) {
	req := createCallRequest{
		To:          []endpoint{{Type: "phone", Number: strings.TrimPrefix(input.To, "+")}},
		From:        endpoint{Type: "phone", Number: strings.TrimPrefix(input.From, "+")},
		EventURL:    []string{p.callbackURL(kindEvent, input.CallID)},
		EventMethod: http.MethodPost,
	}

	inline := input.Mode == voice.ModeNotify && input.Message != ""
	if inline {
		req.NCCO = ncco{talk(input.Message)}
	} else {
		req.AnswerURL = []string{p.callbackURL(kindAnswer, input.CallID)}
		req.AnswerMethod = http.MethodPost
	}

	var resp createCallResponse
	if err := p.do(ctx, http.MethodPost, "/v1/calls", req, &resp); err != nil {
		return nil, err
	}
	if resp.UUID == "" {
		return nil, fmt.Errorf("vonage: create call returned no uuid")
	}
	return &voice.InitiateCallResult{ProviderCallID: resp.UUID, InlineDelivered: inline}, nil
}

type transferRequest struct {
	Action      string              `json:"action"`
	Destination transferDestination `json:"destination"`
}

type transferDestination struct {
	Type string `json:"type"`
	NCCO ncco   `json:"ncco"`
}

// Speak plays text. When listening, the call is transferred to a fresh NCCO
// so the speech input restarts after the prompt.
func (p *Provider) Speak(ctx context.Context, input voice.SpeakInput) error {
	if input.Listen {
		req := transferRequest{
			Action: "transfer",
			Destination: transferDestination{
				Type: "ncco",
				NCCO: ncco{talk(input.Text), speechInput(p.callbackURL(kindInput, input.CallID))},
			},
		}
		return p.do(ctx, http.MethodPut, "/v1/calls/"+url.PathEscape(input.ProviderCallID), req, nil)
	}

	req := map[string]any{"text": input.Text, "language": defaultLanguage, "loop": 1}
	return p.do(ctx, http.MethodPut, "/v1/calls/"+url.PathEscape(input.ProviderCallID)+"/talk", req, nil)
}

func (p *Provider) Hangup(ctx context.Context, input voice.HangupInput) error {
	err := p.do(ctx, http.MethodPut, "/v1/calls/"+url.PathEscape(input.ProviderCallID), map[string]string{"action": "hangup"}, nil)

	var httpErr *cgErrors.ProviderHTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// callbackURL appends kind and call id to the configured webhook URL.
func (p *Provider) callbackURL(kind, callID string) string {
	u, err := url.Parse(p.cfg.WebhookURL)
	if err != nil {
		return p.cfg.WebhookURL
	}
	q := u.Query()
	q.Set("kind", kind)
	if callID != "" {
		q.Set("callId", callID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *Provider) do(ctx context.Context, method, path string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("vonage: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	token, err := p.apiToken()
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

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
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("vonage: decode response: %w", err)
		}
	}
	return nil
}
