// Package twilio drives calls through the Twilio Programmable Voice REST API
// and translates its status callbacks and speech gathers into normalized
// events.
package twilio

import (
	"context"
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

const Name = "twilio"

const (
	kindStatus = "status"
	kindAnswer = "answer"
	kindGather = "gather"
)

type Config struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	// WebhookURL is the public address of the gateway's voice webhook.
	WebhookURL                string
	SkipSignatureVerification bool
	HTTPClient                *http.Client
}

type Provider struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) (*Provider, error) {
	if cfg.AccountSID == "" {
		return nil, fmt.Errorf("twilio: account sid is required")
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio: auth token is required")
	}
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("twilio: webhook url is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com/2010-04-01"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provider{cfg: cfg, client: client}, nil
}

func (p *Provider) Name() string { return Name }

type callResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

func (p *Provider) InitiateCall(ctx context.Context, input voice.InitiateCallInput) (*voice.InitiateCallResult, error) {
	data := url.Values{}
	data.Set("To", input.To)
	data.Set("From", input.From)
	data.Set("StatusCallback", p.callbackURL(kindStatus, input.CallID))
	data.Set("StatusCallbackMethod", http.MethodPost)
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		data.Add("StatusCallbackEvent", ev)
	}

	inline := input.Mode == voice.ModeNotify && input.Message != ""
	if inline {
		twiml, err := notifyTwiML(input.Message)
		if err != nil {
			return nil, err
		}
		data.Set("Twiml", twiml)
	} else {
		data.Set("Url", p.callbackURL(kindAnswer, input.CallID))
	}

	var call callResource
	if err := p.post(ctx, p.accountURL("Calls.json"), data, &call); err != nil {
		return nil, err
	}
	if call.SID == "" {
		return nil, fmt.Errorf("twilio: create call returned no sid")
	}
	return &voice.InitiateCallResult{ProviderCallID: call.SID, InlineDelivered: inline}, nil
}

// Speak replaces the live call's TwiML with the text, followed by a speech
// gather when listening.
func (p *Provider) Speak(ctx context.Context, input voice.SpeakInput) error {
	var (
		twiml string
		err   error
	)
	if input.Listen {
		twiml, err = sayAndGatherTwiML(input.Text, p.callbackURL(kindGather, input.CallID))
	} else {
		twiml, err = sayAndHoldTwiML(input.Text)
	}
	if err != nil {
		return err
	}

	data := url.Values{}
	data.Set("Twiml", twiml)
	return p.post(ctx, p.accountURL("Calls/"+input.ProviderCallID+".json"), data, nil)
}

func (p *Provider) Hangup(ctx context.Context, input voice.HangupInput) error {
	data := url.Values{}
	data.Set("Status", "completed")
	err := p.post(ctx, p.accountURL("Calls/"+input.ProviderCallID+".json"), data, nil)

	// The call is already gone on Twilio's side.
	var httpErr *cgErrors.ProviderHTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (p *Provider) accountURL(resource string) string {
	return fmt.Sprintf("%s/Accounts/%s/%s", p.cfg.BaseURL, p.cfg.AccountSID, resource)
}

// callbackURL points Twilio back at the webhook, tagged with the callback
// kind and our call id.
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

func (p *Provider) post(ctx context.Context, endpoint string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(p.cfg.AccountSID, p.cfg.AuthToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return cgErrors.NewProviderHTTPError(Name, resp.StatusCode, string(body))
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("twilio: failed to parse response: %w", err)
		}
	}
	return nil
}
