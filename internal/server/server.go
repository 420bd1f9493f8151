// Package server is the gateway's HTTP surface: the provider webhook, the
// JSON call control API and the health endpoint.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/harunnryd/callgate/internal/daemon"
	"github.com/harunnryd/callgate/internal/voice"
	"github.com/harunnryd/callgate/internal/voice/manager"
	"github.com/harunnryd/callgate/internal/voice/providers"
)

// Calls is the part of the call manager the server drives.
type Calls interface {
	ProcessEvent(ctx context.Context, ev voice.NormalizedEvent) manager.Result
	InitiateCall(ctx context.Context, to string, opts manager.InitiateOptions) manager.InitiateResult
	Speak(ctx context.Context, callID, text string) manager.Result
	ContinueCall(ctx context.Context, callID, prompt string) manager.ContinueResult
	EndCall(ctx context.Context, callID string) manager.Result
	EndCallWithReason(ctx context.Context, callID string, reason voice.EndReason) manager.Result
	GetCall(callID string) (*voice.CallRecord, bool)
	GetCallByProviderCallID(providerCallID string) (*voice.CallRecord, bool)
	GetActiveCalls() []*voice.CallRecord
	GetCallHistory(limit int) ([]*voice.CallRecord, error)
	Stats() manager.Stats
	ProviderName() string
}

// HealthSource reports the health of the daemon's components.
type HealthSource interface {
	ComponentHealth() map[string]*daemon.ComponentHealth
}

type Option func(*Server)

// WithAPIToken requires "Authorization: Bearer <token>" on the control API.
func WithAPIToken(token string) Option {
	return func(s *Server) { s.apiToken = strings.TrimSpace(token) }
}

func WithHealthSource(h HealthSource) Option {
	return func(s *Server) { s.health = h }
}

type Server struct {
	calls    Calls
	parser   voice.WebhookParser
	health   HealthSource
	apiToken string
	mux      *http.ServeMux
	logger   *slog.Logger
}

func New(calls Calls, parser voice.WebhookParser, opts ...Option) *Server {
	s := &Server{
		calls:  calls,
		parser: parser,
		mux:    http.NewServeMux(),
		logger: slog.Default().With("component", "http_server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("POST "+providers.WebhookPath, s.handleWebhook)
	s.mux.HandleFunc("GET "+providers.WebhookPath, s.handleWebhook)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.Handle("POST /api/calls", s.authorized(s.handleInitiate))
	s.mux.Handle("GET /api/calls", s.authorized(s.handleActive))
	s.mux.Handle("GET /api/calls/history", s.authorized(s.handleHistory))
	s.mux.Handle("GET /api/calls/{id}", s.authorized(s.handleGet))
	s.mux.Handle("POST /api/calls/{id}/speak", s.authorized(s.handleSpeak))
	s.mux.Handle("POST /api/calls/{id}/continue", s.authorized(s.handleContinue))
	s.mux.Handle("POST /api/calls/{id}/end", s.authorized(s.handleEnd))
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) authorized(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.apiToken)) != 1 {
				writeJSON(w, http.StatusUnauthorized, manager.Result{Success: false, Error: "missing or invalid api token", Code: "Unauthorized"})
				return
			}
		}
		next(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.calls.Stats()
	status := "ok"

	components := make(map[string]interface{})
	if s.health != nil {
		for name, ch := range s.health.ComponentHealth() {
			if ch == nil {
				continue
			}
			entry := map[string]interface{}{"healthy": ch.Healthy}
			if ch.Error != nil {
				entry["error"] = ch.Error.Error()
			}
			if !ch.Healthy {
				status = "degraded"
			}
			components[name] = entry
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"provider":   s.calls.ProviderName(),
		"active":     stats.Active,
		"capacity":   stats.Capacity,
		"components": components,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}
