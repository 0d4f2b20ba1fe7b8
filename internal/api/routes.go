//
//
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mdobak/go-xerrors"

	"github.com/radio-control/radiocore/internal/adapter"
	"github.com/radio-control/radiocore/internal/auth"
	"github.com/radio-control/radiocore/internal/command"
	"github.com/radio-control/radiocore/internal/telemetry"
)

const apiV1 = "/api/v1"

// RegisterRoutes registers every v1 endpoint on mux. Health is always open;
// reads need the read scope, commands the control scope and the stream the
// telemetry scope.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+apiV1+"/health", s.handleHealth)

	mux.HandleFunc("GET "+apiV1+"/radios", s.protect(s.handleRadios, auth.ScopeRead))
	mux.HandleFunc("POST "+apiV1+"/radios/select", s.protect(s.handleSelectRadio, auth.ScopeControl))
	mux.HandleFunc("GET "+apiV1+"/radios/{id}", s.protect(s.handleRadioByID, auth.ScopeRead))
	mux.HandleFunc("GET "+apiV1+"/radios/{id}/power", s.protect(s.handleGetPower, auth.ScopeRead))
	mux.HandleFunc("POST "+apiV1+"/radios/{id}/power", s.protect(s.handleSetPower, auth.ScopeControl))
	mux.HandleFunc("GET "+apiV1+"/radios/{id}/channel", s.protect(s.handleGetChannel, auth.ScopeRead))
	mux.HandleFunc("POST "+apiV1+"/radios/{id}/channel", s.protect(s.handleSetChannel, auth.ScopeControl))
	mux.HandleFunc("POST "+apiV1+"/radios/{id}/refresh", s.protect(s.handleRefresh, auth.ScopeControl))
	mux.HandleFunc("GET "+apiV1+"/telemetry", s.protect(s.handleTelemetry, auth.ScopeTelemetry))

	mux.HandleFunc(apiV1+"/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, command.CodeNotFound, "Unknown endpoint", nil)
	})
}

func (s *Server) protect(h http.HandlerFunc, scope string) http.HandlerFunc {
	if s.authMiddleware == nil {
		return h
	}
	return s.authMiddleware.Protect(h, scope)
}

// decodeStrict decodes a single JSON object, rejecting unknown fields and
// trailing data.
func decodeStrict(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing data after JSON object")
	}
	return nil
}

func writeBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, command.CodeBadRequest, message, nil)
}

// fail writes the error envelope for a command failure and logs internal
// failures with their stack.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errorCode(err) == adapter.CodeInternal {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", xerrors.New(err)))
	}
	writeCommandError(w, err, s.retryAfter)
}

// handleRadios handles GET /radios
func (s *Server) handleRadios(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, s.radioManager.List())
}

// handleSelectRadio handles POST /radios/select
func (s *Server) handleSelectRadio(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RadioID string `json:"radioId"`
	}
	if err := decodeStrict(r, &req); err != nil {
		writeBadRequest(w, "Malformed JSON or unknown fields")
		return
	}
	if err := s.orchestrator.SelectRadio(r.Context(), req.RadioID); err != nil {
		s.fail(w, r, err)
		return
	}
	WriteSuccess(w, map[string]string{"activeRadioId": req.RadioID})
}

// handleRadioByID handles GET /radios/{id}
func (s *Server) handleRadioByID(w http.ResponseWriter, r *http.Request) {
	radio, err := s.radioManager.GetRadio(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	WriteSuccess(w, radio)
}

// handleGetPower handles GET /radios/{id}/power
func (s *Server) handleGetPower(w http.ResponseWriter, r *http.Request) {
	radioID := r.PathValue("id")
	state, err := s.orchestrator.GetState(r.Context(), radioID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{"radioId": radioID, "powerDbm": state.PowerDbm})
}

// handleSetPower handles POST /radios/{id}/power
func (s *Server) handleSetPower(w http.ResponseWriter, r *http.Request) {
	radioID := r.PathValue("id")
	var req struct {
		PowerDbm *float64 `json:"powerDbm"`
	}
	if err := decodeStrict(r, &req); err != nil {
		writeBadRequest(w, "Malformed JSON or unknown fields")
		return
	}
	if req.PowerDbm == nil {
		writeBadRequest(w, "powerDbm is required")
		return
	}
	if err := s.orchestrator.SetPower(r.Context(), radioID, *req.PowerDbm); err != nil {
		s.fail(w, r, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{"radioId": radioID, "powerDbm": *req.PowerDbm})
}

// handleGetChannel handles GET /radios/{id}/channel
func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	result, err := s.orchestrator.GetChannel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	WriteSuccess(w, result)
}

// handleSetChannel handles POST /radios/{id}/channel. Either field may be
// given; the frequency wins when both are.
func (s *Server) handleSetChannel(w http.ResponseWriter, r *http.Request) {
	var req command.ChannelRequest
	if err := decodeStrict(r, &req); err != nil {
		writeBadRequest(w, "Malformed JSON or unknown fields")
		return
	}
	result, err := s.orchestrator.SetChannel(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	WriteSuccess(w, result)
}

// handleRefresh handles POST /radios/{id}/refresh: capabilities are
// re-queried from the adapter and the fresh radio entry returned.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	radioID := r.PathValue("id")
	timeout := s.timing.Current().CommandTimeoutGetState
	if err := s.radioManager.RefreshCapabilities(radioID, timeout); err != nil {
		s.fail(w, r, err)
		return
	}
	radio, err := s.radioManager.GetRadio(radioID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	WriteSuccess(w, radio)
}

// handleTelemetry handles GET /telemetry (SSE)
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	err := s.telemetryHub.Subscribe(r.Context(), w, r)
	switch {
	case err == nil:
	case errors.Is(err, telemetry.ErrStreamingUnsupported):
		WriteError(w, http.StatusInternalServerError, adapter.CodeInternal,
			"Streaming not supported by connection", nil)
	case errors.Is(err, telemetry.ErrSubscriberDropped):
		s.logger.WarnContext(r.Context(), "telemetry subscriber dropped",
			slog.String("remote", r.RemoteAddr))
	default:
		s.logger.DebugContext(r.Context(), "telemetry stream ended",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
	}
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	subsystems := map[string]bool{
		"telemetry":    s.telemetryHub != nil,
		"orchestrator": s.orchestrator != nil,
		"radioManager": s.radioManager != nil,
	}
	health := map[string]interface{}{
		"status":     "ok",
		"uptimeSec":  time.Since(s.startTime).Seconds(),
		"version":    Version,
		"subsystems": subsystems,
	}
	if s.radioManager != nil {
		list := s.radioManager.List()
		health["radios"] = len(list.Items)
		health["activeRadioId"] = list.ActiveRadioID
	}
	if s.telemetryHub != nil {
		health["subscribers"] = s.telemetryHub.SubscriberCount()
	}

	for _, ok := range subsystems {
		if !ok {
			health["status"] = "degraded"
			WriteError(w, http.StatusServiceUnavailable, CodeServiceDegraded,
				"One or more subsystems are unavailable", health)
			return
		}
	}
	WriteSuccess(w, health)
}
