package voice

import (
	"context"
	"net/http"
)

// Provider places and controls calls on one telephony vendor.
type Provider interface {
	Name() string
	InitiateCall(ctx context.Context, input InitiateCallInput) (*InitiateCallResult, error)
	Speak(ctx context.Context, input SpeakInput) error
	Hangup(ctx context.Context, input HangupInput) error
}

// Answerer is implemented by vendors that need an explicit answer command
// once an inbound call has been admitted.
type Answerer interface {
	Answer(ctx context.Context, providerCallID string) error
}

// WebhookParser turns a vendor webhook request into normalized events and
// the response body the vendor expects back.
type WebhookParser interface {
	ParseWebhook(r *http.Request) (*WebhookResult, error)
}

type InitiateCallInput struct {
	CallID string
	From   string
	To     string
	Mode   CallMode
	// Message is spoken inline by the vendor when it supports it (notify mode).
	Message    string
	WebhookURL string
}

type InitiateCallResult struct {
	ProviderCallID string
	// InlineDelivered is true when Message was embedded in the dial request.
	InlineDelivered bool
}

type SpeakInput struct {
	CallID         string
	ProviderCallID string
	Text           string
	// Listen asks the vendor to collect caller speech after playback.
	Listen bool
}

type HangupInput struct {
	CallID         string
	ProviderCallID string
	Reason         EndReason
}

type WebhookResult struct {
	Events      []NormalizedEvent
	StatusCode  int
	Body        []byte
	ContentType string
	// RejectBody replaces Body when the request offered an inbound call that
	// was not admitted.
	RejectBody []byte
}
