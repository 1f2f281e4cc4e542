package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/ClareAI/astra-call-coordinator/internal/core/lifecycle"
	"github.com/ClareAI/astra-call-coordinator/internal/domain"
	"github.com/ClareAI/astra-call-coordinator/pkg/logger"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
)

const (
	livekitRoomFinished     = "room_finished"
	livekitParticipantLeft  = "participant_left"
	participantRoleAttr     = "role"
	maxLiveKitWebhookLength = 1 << 20
)

// LiveKitWebhookHandler turns LiveKit room events into bridge signals. The
// room name is the conference id.
type LiveKitWebhookHandler struct {
	coordinator *lifecycle.Coordinator
	keys        auth.KeyProvider
	logger      *zap.Logger
}

// NewLiveKitWebhookHandler creates the handler. With empty credentials the
// webhook body is accepted unsigned.
func NewLiveKitWebhookHandler(coordinator *lifecycle.Coordinator, apiKey, apiSecret string) *LiveKitWebhookHandler {
	h := &LiveKitWebhookHandler{
		coordinator: coordinator,
		logger:      logger.Component("livekit-webhook"),
	}
	if apiKey != "" && apiSecret != "" {
		h.keys = auth.NewSimpleKeyProvider(apiKey, apiSecret)
	}
	return h
}

// HandleLiveKitWebhook processes LiveKit webhook events
func (h *LiveKitWebhookHandler) HandleLiveKitWebhook(w http.ResponseWriter, r *http.Request) {
	ev, err := h.decode(r)
	if err != nil {
		h.logger.Warn("Rejected LiveKit webhook", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "invalid webhook")
		return
	}

	roomName := ev.GetRoom().GetName()
	switch ev.GetEvent() {
	case livekitRoomFinished:
		h.logger.Info("Room finished", zap.String("external_id", roomName))
		err = h.coordinator.HandleConferenceEnded(r.Context(), roomName)
	case livekitParticipantLeft:
		role := participantRole(ev.GetParticipant())
		h.logger.Info("Participant left",
			zap.String("external_id", roomName),
			zap.String("participant", ev.GetParticipant().GetIdentity()),
			zap.String("role", string(role)))
		err = h.coordinator.HandleParticipantLeft(r.Context(), roomName, role)
	default:
		h.logger.Debug("Unhandled LiveKit event", zap.String("event", ev.GetEvent()), zap.String("room", roomName))
	}
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *LiveKitWebhookHandler) decode(r *http.Request) (*livekit.WebhookEvent, error) {
	if h.keys != nil {
		return webhook.ReceiveWebhookEvent(r, h.keys)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxLiveKitWebhookLength))
	if err != nil {
		return nil, err
	}
	ev := &livekit.WebhookEvent{}
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(body, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// participantRole uses the explicit role attribute when present; otherwise
// SIP legs are the customer and agent workers are the AI.
func participantRole(p *livekit.ParticipantInfo) domain.ParticipantRole {
	if p == nil {
		return domain.ParticipantBridge
	}
	switch domain.ParticipantRole(strings.ToLower(p.GetAttributes()[participantRoleAttr])) {
	case domain.ParticipantCustomer:
		return domain.ParticipantCustomer
	case domain.ParticipantAgent:
		return domain.ParticipantAgent
	case domain.ParticipantBridge:
		return domain.ParticipantBridge
	}
	switch p.GetKind() {
	case livekit.ParticipantInfo_SIP:
		return domain.ParticipantCustomer
	case livekit.ParticipantInfo_AGENT:
		return domain.ParticipantAgent
	}
	return domain.ParticipantBridge
}
