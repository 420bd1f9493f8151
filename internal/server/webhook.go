package server

import (
	"errors"
	"net/http"

	cgErrors "github.com/harunnryd/callgate/internal/errors"
	"github.com/harunnryd/callgate/internal/logger"
	"github.com/harunnryd/callgate/internal/voice"

	"github.com/oklog/ulid/v2"
)

// handleWebhook feeds every event of a vendor callback through the manager
// in order and answers with the body the vendor expects.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := logger.WithTraceID(r.Context(), ulid.Make().String())
	log := logger.From(ctx).With("component", "http_server", "provider", s.calls.ProviderName())

	res, err := s.parser.ParseWebhook(r)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, cgErrors.ErrUnauthorized):
			status = http.StatusUnauthorized
		case errors.Is(err, cgErrors.ErrInvalidInput):
			status = http.StatusBadRequest
		}
		log.Warn("Webhook rejected", "status", status, "error", err)
		http.Error(w, http.StatusText(status), status)
		return
	}

	rejected := false
	for _, ev := range res.Events {
		evCtx := ctx
		if ev.CallID != "" {
			evCtx = logger.WithCallID(ctx, ev.CallID)
		}
		result := s.calls.ProcessEvent(evCtx, ev)
		if !result.Success {
			log.Warn("Webhook event not applied", "event_id", ev.ID, "event_type", ev.Type, "code", result.Code, "error", result.Error)
			continue
		}
		if ev.Type == voice.EventInitiated && ev.Direction == voice.DirectionInbound && ev.ProviderCallID != "" {
			if _, ok := s.calls.GetCallByProviderCallID(ev.ProviderCallID); !ok {
				rejected = true
			}
		}
	}

	body := res.Body
	if rejected && res.RejectBody != nil {
		body = res.RejectBody
		log.Info("Inbound call not admitted, rejecting", "events", len(res.Events))
	}

	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	w.WriteHeader(status)
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			log.Debug("Failed to write webhook response", "error", err)
		}
	}
}
