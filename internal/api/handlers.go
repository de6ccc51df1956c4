package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/FlowPipe/internal/cloudapi"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
)

// emptyTwiML acknowledges a Twilio webhook without replying.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// StartFlowRequest is the body of POST /flows/{flowID}/start.
type StartFlowRequest struct {
	Phone   string         `json:"phone"`
	Context map[string]any `json:"context,omitempty"`
}

// StartFlowResult is returned when a flow is started.
type StartFlowResult struct {
	SessionID     string               `json:"session_id"`
	FlowID        string               `json:"flow_id"`
	Phone         string               `json:"phone"`
	Status        models.SessionStatus `json:"status"`
	CurrentNodeID string               `json:"current_node_id"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "flowpipe"}))
}

// verifyWebhookHandler answers the Cloud API subscription handshake (GET /webhook).
func (s *Server) verifyWebhookHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := cloudapi.VerifySubscription(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), s.opts.VerifyToken)
	if !ok {
		slog.Warn("Server.verifyWebhookHandler: verification failed", "mode", q.Get("hub.mode"))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	slog.Info("Server.verifyWebhookHandler: webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

// cloudWebhookHandler receives Cloud API events (POST /webhook). Apart from signature
// failures it always answers 200 so the provider does not retry.
func (s *Server) cloudWebhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		slog.Warn("Server.cloudWebhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusOK, models.Success(nil))
		return
	}

	if s.opts.AppSecret != "" && !cloudapi.VerifySignature(body, r.Header.Get(cloudapi.SignatureHeader), s.opts.AppSecret) {
		slog.Warn("Server.cloudWebhookHandler: invalid signature", "remote", r.RemoteAddr)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("invalid signature"))
		return
	}

	events, err := cloudapi.ParseWebhook(body)
	if err != nil {
		slog.Warn("Server.cloudWebhookHandler: unparseable payload", "error", err)
		writeJSONResponse(w, http.StatusOK, models.Success(nil))
		return
	}
	slog.Debug("Server.cloudWebhookHandler: events received", "count", len(events))
	s.dispatch(r.Context(), events...)
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// twilioWebhookHandler receives Twilio inbound messages and status callbacks
// (POST /webhook/twilio).
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		writeTwiML(w)
		return
	}

	if s.opts.TwilioAuthToken != "" {
		url := s.requestURL(r)
		if !twiliowhatsapp.ValidateSignature(s.opts.TwilioAuthToken, url, r.PostForm, r.Header.Get(twiliowhatsapp.SignatureHeader)) {
			slog.Warn("Server.twilioWebhookHandler: invalid signature", "url", url)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("invalid signature"))
			return
		}
	}

	evt, ok := twiliowhatsapp.ParseWebhook(r.PostForm)
	if !ok {
		slog.Debug("Server.twilioWebhookHandler: nothing to process")
		writeTwiML(w)
		return
	}
	if s.opts.Replies != nil {
		evt = s.opts.Replies.ResolveReply(evt)
	}
	s.dispatch(r.Context(), evt)
	writeTwiML(w)
}

// startFlowHandler starts a flow for a phone number (POST /flows/{flowID}/start).
func (s *Server) startFlowHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	flowID := chi.URLParam(r, "flowID")

	var req StartFlowRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.opts.MaxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.startFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	phone, err := canonicalPhone(req.Phone)
	if err != nil {
		slog.Warn("Server.startFlowHandler: invalid phone", "error", err, "phone", req.Phone)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	sess, err := s.engine.StartFlow(context.WithoutCancel(r.Context()), phone, flowID, req.Context)
	switch {
	case err == nil:
	case sess != nil:
		// the session exists but its first run failed; it has already been ended in error
		slog.Warn("Server.startFlowHandler: flow started with errors", "error", err, "flowID", flowID, "sessionID", sess.ID)
	case errors.Is(err, flow.ErrSessionActive):
		writeJSONResponse(w, http.StatusConflict, models.Error("an active session already exists for this phone number"))
		return
	case errors.Is(err, flow.ErrFlowNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("flow not found"))
		return
	case errors.Is(err, flow.ErrFlowMisconfigured):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	default:
		slog.Error("Server.startFlowHandler: failed to start flow", "error", err, "flowID", flowID, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start flow"))
		return
	}

	slog.Info("Server.startFlowHandler: flow started", "flowID", flowID, "phone", phone, "sessionID", sess.ID)
	writeJSONResponse(w, http.StatusAccepted, models.Accepted("flow started", StartFlowResult{
		SessionID:     sess.ID,
		FlowID:        sess.FlowID,
		Phone:         sess.PhoneNumber,
		Status:        sess.Status,
		CurrentNodeID: sess.CurrentNodeID,
	}))
}

// dispatch hands events to the engine. Processing outlives a client disconnect.
func (s *Server) dispatch(ctx context.Context, events ...models.InboundEvent) {
	ctx = context.WithoutCancel(ctx)
	for _, evt := range events {
		s.engine.HandleIncomingEvent(ctx, evt)
	}
}

// requestURL reconstructs the URL Twilio signed.
func (s *Server) requestURL(r *http.Request) string {
	if s.opts.PublicURL != "" {
		return strings.TrimRight(s.opts.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, emptyTwiML); err != nil {
		slog.Error("Server.writeTwiML: failed to write response", "error", err)
	}
}
