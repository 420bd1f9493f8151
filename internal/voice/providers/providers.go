// Package providers builds the telephony adapter selected by voice.provider.
package providers

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/harunnryd/callgate/internal/config"
	"github.com/harunnryd/callgate/internal/voice"
	"github.com/harunnryd/callgate/internal/voice/providers/mock"
	"github.com/harunnryd/callgate/internal/voice/providers/telnyx"
	"github.com/harunnryd/callgate/internal/voice/providers/twilio"
	"github.com/harunnryd/callgate/internal/voice/providers/vonage"
)

// WebhookPath is where vendors deliver call events.
const WebhookPath = "/voice/webhook"

// Adapter is a provider that also understands its own webhooks.
type Adapter interface {
	voice.Provider
	voice.WebhookParser
}

// WebhookURL joins the public base URL with the webhook path.
func WebhookURL(publicURL string) string {
	base := strings.TrimRight(strings.TrimSpace(publicURL), "/")
	if base == "" {
		return ""
	}
	return base + WebhookPath
}

// New constructs the adapter for cfg.Provider.
func New(cfg config.VoiceConfig) (Adapter, error) {
	timeout, err := config.DurationOrDefault(cfg.HTTPTimeout, config.DefaultVoiceHTTPTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse voice http timeout: %w", err)
	}
	client := &http.Client{Timeout: timeout}
	webhookURL := WebhookURL(cfg.PublicURL)

	switch cfg.Provider {
	case "", mock.Name:
		return mock.New(), nil

	case twilio.Name:
		p, err := twilio.New(twilio.Config{
			AccountSID:                cfg.Twilio.AccountSID,
			AuthToken:                 cfg.Twilio.AuthToken,
			BaseURL:                   cfg.Twilio.BaseURL,
			WebhookURL:                webhookURL,
			SkipSignatureVerification: cfg.SkipSignatureVerification,
			HTTPClient:                client,
		})
		if err != nil {
			return nil, err
		}
		return p, nil

	case telnyx.Name:
		p, err := telnyx.New(telnyx.Config{
			APIKey:                    cfg.Telnyx.APIKey,
			ConnectionID:              cfg.Telnyx.ConnectionID,
			PublicKey:                 cfg.Telnyx.PublicKey,
			BaseURL:                   cfg.Telnyx.BaseURL,
			WebhookURL:                webhookURL,
			SkipSignatureVerification: cfg.SkipSignatureVerification,
			HTTPClient:                client,
		})
		if err != nil {
			return nil, err
		}
		return p, nil

	case vonage.Name:
		key := cfg.Vonage.PrivateKey
		if key == "" && cfg.Vonage.PrivateKeyPath != "" {
			data, err := os.ReadFile(cfg.Vonage.PrivateKeyPath)
			if err != nil {
				return nil, fmt.Errorf("read vonage private key: %w", err)
			}
			key = string(data)
		}
		p, err := vonage.New(vonage.Config{
			ApplicationID:             cfg.Vonage.ApplicationID,
			PrivateKey:                key,
			SignatureSecret:           cfg.Vonage.SignatureSecret,
			BaseURL:                   cfg.Vonage.BaseURL,
			WebhookURL:                webhookURL,
			SkipSignatureVerification: cfg.SkipSignatureVerification,
			HTTPClient:                client,
		})
		if err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unsupported voice provider %q", cfg.Provider)
	}
}
