// Package responder generates the agent's next line in a conversation call
// from the call transcript, using one of the supported LLM backends.
package responder

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/callgate/internal/config"
	"github.com/harunnryd/callgate/internal/voice"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// maxTurns bounds how much transcript is sent per reply.
	maxTurns = 24
)

type Message struct {
	Role    string
	Content string
}

// Backend is one LLM vendor.
type Backend interface {
	Name() string
	Complete(ctx context.Context, system string, messages []Message) (string, error)
}

type Responder struct {
	backend      Backend
	systemPrompt string
}

func NewWithBackend(b Backend, systemPrompt string) *Responder {
	return &Responder{backend: b, systemPrompt: systemPrompt}
}

// New builds the responder selected by cfg.Provider.
func New(cfg config.ResponderConfig) (*Responder, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultResponderMaxTokens
	}

	var (
		b   Backend
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai":
		b = NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model, maxTokens)
	case "anthropic":
		b = NewAnthropic(cfg.APIKey, cfg.BaseURL, modelOr(cfg.Model, defaultAnthropicModel), maxTokens)
	case "gemini":
		b, err = NewGemini(cfg.APIKey, modelOr(cfg.Model, defaultGeminiModel), maxTokens)
	default:
		return nil, fmt.Errorf("unknown responder provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s responder: %w", cfg.Provider, err)
	}

	prompt := cfg.SystemPrompt
	if strings.TrimSpace(prompt) == "" {
		prompt = config.DefaultResponderSystemPrompt
	}
	return NewWithBackend(b, prompt), nil
}

// modelOr keeps the shared default model from leaking into other vendors.
func modelOr(model, fallback string) string {
	if model == "" || model == config.DefaultResponderModel {
		return fallback
	}
	return model
}

func (r *Responder) Name() string { return r.backend.Name() }

// Respond returns the agent's reply to the caller's latest turn.
func (r *Responder) Respond(ctx context.Context, call *voice.CallRecord) (string, error) {
	messages := BuildMessages(call.Transcript)
	if len(messages) == 0 || messages[len(messages)-1].Role != RoleUser {
		return "", nil
	}

	reply, err := r.backend.Complete(ctx, r.systemFor(call), messages)
	if err != nil {
		return "", fmt.Errorf("%s: %w", r.backend.Name(), err)
	}
	return strings.TrimSpace(reply), nil
}

func (r *Responder) systemFor(call *voice.CallRecord) string {
	var b strings.Builder
	b.WriteString(r.systemPrompt)
	if call.Direction == voice.DirectionInbound {
		fmt.Fprintf(&b, "\nThe caller (%s) phoned in.", call.From)
	} else {
		fmt.Fprintf(&b, "\nYou placed this call to %s.", call.To)
	}
	if msg := call.Metadata[voice.MetaInitialMessage]; msg != "" {
		fmt.Fprintf(&b, "\nThe call opened with: %q", msg)
	}
	return b.String()
}

// BuildMessages maps final transcript entries to chat turns, merging
// consecutive entries from the same speaker and keeping the latest turns.
func BuildMessages(transcript []voice.TranscriptEntry) []Message {
	var out []Message
	for _, e := range transcript {
		text := strings.TrimSpace(e.Text)
		if !e.IsFinal || text == "" {
			continue
		}
		role := RoleUser
		if e.Speaker == voice.SpeakerAgent {
			role = RoleAssistant
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n" + text
			continue
		}
		out = append(out, Message{Role: role, Content: text})
	}
	if len(out) > maxTurns {
		out = out[len(out)-maxTurns:]
	}
	return out
}
