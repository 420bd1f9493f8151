package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	cgErrors "github.com/harunnryd/callgate/internal/errors"
	"github.com/harunnryd/callgate/internal/logger"
	"github.com/harunnryd/callgate/internal/voice"
	"github.com/harunnryd/callgate/internal/voice/manager"
)

const (
	maxRequestBytes     = 64 << 10
	defaultHistoryLimit = 50
)

type initiateRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

type speakRequest struct {
	Text string `json:"text"`
}

type continueRequest struct {
	Prompt string `json:"prompt"`
}

type endRequest struct {
	Reason string `json:"reason,omitempty"`
}

type callsResponse struct {
	Calls []*voice.CallRecord `json:"calls"`
	Stats *manager.Stats      `json:"stats,omitempty"`
}

// statusFor maps a result code onto the HTTP status of the response.
func statusFor(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case "InvalidInput":
		return http.StatusBadRequest
	case "Unauthorized":
		return http.StatusUnauthorized
	case "CallNotFound":
		return http.StatusNotFound
	case "CallNotConnected", "TranscriptWaitPending", "CallEnded":
		return http.StatusConflict
	case "ConcurrencyLimitExceeded":
		return http.StatusTooManyRequests
	case "Timeout":
		return http.StatusGatewayTimeout
	case "ProviderError":
		return http.StatusBadGateway
	case "Canceled":
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeResult(w http.ResponseWriter, r manager.Result, body interface{}) {
	status := http.StatusOK
	if !r.Success {
		status = statusFor(r.Code)
	}
	writeJSON(w, status, body)
}

func invalid(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, manager.Result{Success: false, Error: err.Error(), Code: cgErrors.Category(err)})
}

// decodeBody reads a JSON body. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return cgErrors.InvalidInput(fmt.Sprintf("read body: %v", err))
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return cgErrors.InvalidInput(fmt.Sprintf("decode body: %v", err))
	}
	return nil
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := decodeBody(r, &req); err != nil {
		invalid(w, err)
		return
	}

	mode := voice.ParseMode(req.Mode, "")
	if req.Mode != "" && mode == "" {
		invalid(w, cgErrors.InvalidInput(fmt.Sprintf("unknown mode %q", req.Mode)))
		return
	}

	res := s.calls.InitiateCall(r.Context(), req.To, manager.InitiateOptions{
		From:    req.From,
		Message: req.Message,
		Mode:    mode,
	})
	if res.Success {
		logger.From(logger.WithCallID(r.Context(), res.CallID)).Info("Call initiated via API", "to", req.To, "mode", mode)
	}
	writeResult(w, res.Result, res)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	stats := s.calls.Stats()
	writeJSON(w, http.StatusOK, callsResponse{Calls: s.calls.GetActiveCalls(), Stats: &stats})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			invalid(w, cgErrors.InvalidInput(fmt.Sprintf("invalid limit %q", raw)))
			return
		}
		limit = n
	}

	records, err := s.calls.GetCallHistory(limit)
	if err != nil {
		s.logger.Error("Failed to read call history", "error", err)
		writeJSON(w, http.StatusInternalServerError, manager.Result{Success: false, Error: err.Error(), Code: cgErrors.Category(err)})
		return
	}
	if records == nil {
		records = []*voice.CallRecord{}
	}
	writeJSON(w, http.StatusOK, callsResponse{Calls: records})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	rec, ok := s.calls.GetCall(callID)
	if !ok {
		err := cgErrors.CallNotFound(callID)
		writeJSON(w, http.StatusNotFound, manager.Result{Success: false, Error: err.Error(), Code: cgErrors.Category(err)})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if err := decodeBody(r, &req); err != nil {
		invalid(w, err)
		return
	}
	res := s.calls.Speak(r.Context(), r.PathValue("id"), req.Text)
	writeResult(w, res, res)
}

// handleContinue holds the request open until the caller answers or the
// transcript wait times out.
func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req continueRequest
	if err := decodeBody(r, &req); err != nil {
		invalid(w, err)
		return
	}
	res := s.calls.ContinueCall(r.Context(), r.PathValue("id"), req.Prompt)
	writeResult(w, res.Result, res)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	if err := decodeBody(r, &req); err != nil {
		invalid(w, err)
		return
	}

	callID := r.PathValue("id")
	var res manager.Result
	switch reason := voice.EndReason(req.Reason); reason {
	case "":
		res = s.calls.EndCall(r.Context(), callID)
	case voice.EndReasonCompleted, voice.EndReasonHangupUser, voice.EndReasonHangupBot, voice.EndReasonTimeout, voice.EndReasonError:
		res = s.calls.EndCallWithReason(r.Context(), callID, reason)
	default:
		invalid(w, cgErrors.InvalidInput(fmt.Sprintf("unknown end reason %q", req.Reason)))
		return
	}
	writeResult(w, res, res)
}
