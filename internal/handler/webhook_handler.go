package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ClareAI/astra-call-coordinator/internal/core/lifecycle"
	"github.com/ClareAI/astra-call-coordinator/internal/domain"
	"github.com/ClareAI/astra-call-coordinator/pkg/logger"
	"github.com/ClareAI/astra-call-coordinator/pkg/twilio"
	"go.uber.org/zap"
)

// Twilio conference StatusCallbackEvent values we act on.
const (
	conferenceEnd    = "conference-end"
	participantLeave = "participant-leave"
)

// WebhookHandler turns provider callbacks into coordinator signals.
type WebhookHandler struct {
	coordinator *lifecycle.Coordinator
	validator   *twilio.WebhookValidator
	logger      *zap.Logger
}

// NewWebhookHandler creates a webhook handler. validator may be nil to accept
// unsigned Twilio callbacks.
func NewWebhookHandler(coordinator *lifecycle.Coordinator, validator *twilio.WebhookValidator) *WebhookHandler {
	return &WebhookHandler{
		coordinator: coordinator,
		validator:   validator,
		logger:      logger.Component("webhooks"),
	}
}

// parseTwilioForm parses the form body and checks the signature. It writes the
// error response itself and reports whether the caller should continue.
func (h *WebhookHandler) parseTwilioForm(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return false
	}
	if h.validator != nil && !h.validator.Validate(r) {
		h.logger.Warn("Rejected Twilio callback with bad signature",
			zap.String("path", r.URL.Path), zap.String("remote_addr", r.RemoteAddr))
		writeError(w, http.StatusForbidden, "invalid signature")
		return false
	}
	return true
}

// HandleTwilioCallStatus handles the call status callback.
func (h *WebhookHandler) HandleTwilioCallStatus(w http.ResponseWriter, r *http.Request) {
	if !h.parseTwilioForm(w, r) {
		return
	}

	callSID := r.PostForm.Get("CallSid")
	status := domain.TelephonyStatus(strings.ToLower(r.PostForm.Get("CallStatus")))
	duration, _ := strconv.Atoi(r.PostForm.Get("CallDuration"))

	h.logger.Info("Twilio call status",
		zap.String("external_id", callSID),
		zap.String("status", string(status)),
		zap.Int("duration_seconds", duration))

	if err := h.coordinator.HandleTelephonyStatus(r.Context(), callSID, status, duration); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleTwilioConference handles conference status callbacks.
func (h *WebhookHandler) HandleTwilioConference(w http.ResponseWriter, r *http.Request) {
	if !h.parseTwilioForm(w, r) {
		return
	}

	eventName := r.PostForm.Get("StatusCallbackEvent")
	conferenceID, alias := h.conferenceID(r.PostForm.Get("ConferenceSid"), r.PostForm.Get("FriendlyName"))

	var err error
	switch eventName {
	case conferenceEnd:
		h.logger.Info("Twilio conference ended", zap.String("external_id", conferenceID), zap.String("alias", alias))
		err = h.coordinator.HandleConferenceEnded(r.Context(), conferenceID, alias)
	case participantLeave:
		callSID := r.PostForm.Get("CallSid")
		role, labelled := labelRole(r.PostForm.Get("ParticipantLabel"))
		h.logger.Info("Twilio participant left",
			zap.String("external_id", conferenceID), zap.String("role", string(role)), zap.String("call_sid", callSID))
		if labelled {
			err = h.coordinator.HandleParticipantLeft(r.Context(), conferenceID, role, alias)
		} else {
			err = h.coordinator.HandleLegLeft(r.Context(), conferenceID, callSID, alias)
		}
	default:
		h.logger.Debug("Ignoring conference event", zap.String("event", eventName), zap.String("external_id", conferenceID))
	}
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// conferenceID prefers whichever of the SID or friendly name is already
// bound to a call and returns the other one as an alias. Signals for an
// unknown conference are held under both.
func (h *WebhookHandler) conferenceID(sid, friendlyName string) (string, string) {
	if sid == "" {
		return friendlyName, ""
	}
	if friendlyName == "" || friendlyName == sid {
		return sid, ""
	}
	if _, err := h.coordinator.GetCall(friendlyName); err == nil {
		if _, err := h.coordinator.GetCall(sid); err != nil {
			return friendlyName, sid
		}
	}
	return sid, friendlyName
}

// labelRole reads the label we set when dialing the leg. Unlabelled
// legs are reported as such and settled against the call's telephony SID.
func labelRole(label string) (domain.ParticipantRole, bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "customer", "caller":
		return domain.ParticipantCustomer, true
	case "agent", "ai", "assistant", "human":
		return domain.ParticipantAgent, true
	case "":
		return "", false
	default:
		return domain.ParticipantBridge, true
	}
}

type sessionEndedRequest struct {
	SessionID      string `json:"session_id"`
	SessionIDCamel string `json:"sessionId"`
}

// HandleAISessionEnded handles the voice pod reporting an AI session closed.
func (h *WebhookHandler) HandleAISessionEnded(w http.ResponseWriter, r *http.Request) {
	var req sessionEndedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = req.SessionIDCamel
	}

	h.logger.Info("AI session ended", zap.String("external_id", sessionID))
	if err := h.coordinator.HandleAISessionEnded(r.Context(), sessionID); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
