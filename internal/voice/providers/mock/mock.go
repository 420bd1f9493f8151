// Package mock is an in-memory voice provider. It records every dial, speak
// and hangup request and accepts normalized events as its webhook body, which
// makes it the provider for tests and local runs.
package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	cgErrors "github.com/harunnryd/callgate/internal/errors"
	"github.com/harunnryd/callgate/internal/voice"

	"github.com/oklog/ulid/v2"
)

const Name = "mock"

type Provider struct {
	mu sync.Mutex

	dials    []voice.InitiateCallInput
	speaks   []voice.SpeakInput
	hangups  []voice.HangupInput
	inline   bool
	nextID   func() string
	onDial   func(voice.InitiateCallInput)
	dialErr  error
	speakErr error
	hangErr  error
}

type Option func(*Provider)

// WithInlineDelivery makes notify-mode dials report the message as spoken.
func WithInlineDelivery() Option {
	return func(p *Provider) { p.inline = true }
}

// WithCallIDs overrides provider call id generation.
func WithCallIDs(fn func() string) Option {
	return func(p *Provider) { p.nextID = fn }
}

// WithDialHook runs fn synchronously inside every InitiateCall.
func WithDialHook(fn func(voice.InitiateCallInput)) Option {
	return func(p *Provider) { p.onDial = fn }
}

func New(opts ...Option) *Provider {
	p := &Provider{nextID: func() string { return "mock-" + ulid.Make().String() }}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return Name }

func (p *Provider) InitiateCall(ctx context.Context, input voice.InitiateCallInput) (*voice.InitiateCallResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.dials = append(p.dials, input)
	err := p.dialErr
	hook := p.onDial
	inline := p.inline && input.Mode == voice.ModeNotify && input.Message != ""
	p.mu.Unlock()

	if hook != nil {
		hook(input)
	}
	if err != nil {
		return nil, err
	}
	return &voice.InitiateCallResult{ProviderCallID: p.nextID(), InlineDelivered: inline}, nil
}

func (p *Provider) Speak(ctx context.Context, input voice.SpeakInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speaks = append(p.speaks, input)
	return p.speakErr
}

func (p *Provider) Hangup(ctx context.Context, input voice.HangupInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangups = append(p.hangups, input)
	return p.hangErr
}

// FailDial makes subsequent dials return err. Nil clears it.
func (p *Provider) FailDial(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialErr = err
}

func (p *Provider) FailSpeak(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speakErr = err
}

func (p *Provider) FailHangup(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangErr = err
}

func (p *Provider) Dials() []voice.InitiateCallInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]voice.InitiateCallInput(nil), p.dials...)
}

func (p *Provider) Speaks() []voice.SpeakInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]voice.SpeakInput(nil), p.speaks...)
}

func (p *Provider) Hangups() []voice.HangupInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]voice.HangupInput(nil), p.hangups...)
}

// ParseWebhook accepts a single normalized event or a JSON array of them.
func (p *Provider) ParseWebhook(r *http.Request) (*voice.WebhookResult, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, cgErrors.InvalidInput(fmt.Sprintf("read webhook body: %v", err))
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, cgErrors.InvalidInput("empty webhook body")
	}

	var events []voice.NormalizedEvent
	if body[0] == '[' {
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, cgErrors.InvalidInput(fmt.Sprintf("decode events: %v", err))
		}
	} else {
		var ev voice.NormalizedEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, cgErrors.InvalidInput(fmt.Sprintf("decode event: %v", err))
		}
		events = append(events, ev)
	}

	return &voice.WebhookResult{
		Events:      events,
		StatusCode:  http.StatusOK,
		Body:        []byte(`{"ok":true}`),
		ContentType: "application/json",
	}, nil
}
