package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ClareAI/astra-call-coordinator/internal/core/lifecycle"
	"github.com/ClareAI/astra-call-coordinator/internal/domain"
	"github.com/ClareAI/astra-call-coordinator/pkg/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// CallHistory looks up durable call rows by internal or external id.
// *repository.CallLogRepository and *repository.MemoryCallStore satisfy it.
type CallHistory interface {
	GetByAnyID(ctx context.Context, id string) (*domain.CallLog, error)
}

// CallHandler serves the internal call API used by the voice pods and the
// dialer.
type CallHandler struct {
	coordinator *lifecycle.Coordinator
	history     CallHistory
}

// NewCallHandler creates a call handler. history may be nil.
func NewCallHandler(coordinator *lifecycle.Coordinator, history CallHistory) *CallHandler {
	return &CallHandler{coordinator: coordinator, history: history}
}

type registerCallRequest struct {
	CallID          string            `json:"call_id"`
	TelephonyCallID string            `json:"telephony_call_id"`
	AISessionID     string            `json:"ai_session_id"`
	ConferenceID    string            `json:"conference_id"`
	Metadata        map[string]string `json:"metadata"`
}

type mappingRequest struct {
	ExternalID string           `json:"external_id"`
	Kind       lifecycle.IDKind `json:"kind"`
}

type transcriptRequest struct {
	Line  string   `json:"line"`
	Lines []string `json:"lines"`
}

type finalizeRequest struct {
	State  domain.CallState `json:"state"`
	Reason domain.EndReason `json:"reason"`
}

type callResponse struct {
	Source string      `json:"source"`
	Call   interface{} `json:"call"`
}

type callListResponse struct {
	Calls []*lifecycle.CallSummary `json:"calls"`
	Count int                      `json:"count"`
}

// RegisterCall handles POST /api/calls
func (h *CallHandler) RegisterCall(w http.ResponseWriter, r *http.Request) {
	var req registerCallRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	summary, err := h.coordinator.RegisterCall(r.Context(), req.CallID, lifecycle.ExternalIDs{
		TelephonyCallID: strings.TrimSpace(req.TelephonyCallID),
		AISessionID:     strings.TrimSpace(req.AISessionID),
		ConferenceID:    strings.TrimSpace(req.ConferenceID),
	}, req.Metadata)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

// ListCalls handles GET /api/calls
func (h *CallHandler) ListCalls(w http.ResponseWriter, r *http.Request) {
	calls := h.coordinator.ActiveCalls()
	writeJSON(w, http.StatusOK, callListResponse{Calls: calls, Count: len(calls)})
}

// CountCalls handles GET /api/calls/count
func (h *CallHandler) CountCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"active_calls": h.coordinator.ActiveCallCount()})
}

// GetCall handles GET /api/calls/{id}. Calls no longer in memory are served
// from the durable store.
func (h *CallHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	summary, err := h.coordinator.GetCall(id)
	if err == nil {
		writeJSON(w, http.StatusOK, callResponse{Source: "live", Call: summary})
		return
	}
	if !errors.Is(err, lifecycle.ErrCallNotFound) || h.history == nil {
		writeCoordinatorError(w, err)
		return
	}

	row, herr := h.history.GetByAnyID(r.Context(), id)
	if herr != nil {
		logger.Base().Error("failed to load call history", zap.String("external_id", id), zap.Error(herr))
		writeError(w, http.StatusInternalServerError, "failed to load call")
		return
	}
	if row == nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callResponse{Source: "store", Call: row})
}

// AddMapping handles POST /api/calls/{id}/mappings
func (h *CallHandler) AddMapping(w http.ResponseWriter, r *http.Request) {
	var req mappingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.coordinator.AddMapping(r.Context(), req.ExternalID, mux.Vars(r)["id"], req.Kind); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueuePendingMapping handles POST /api/sessions/{sessionId}/pending-mappings
func (h *CallHandler) QueuePendingMapping(w http.ResponseWriter, r *http.Request) {
	var req mappingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.coordinator.QueuePendingMapping(r.Context(), mux.Vars(r)["sessionId"], req.ExternalID, req.Kind); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// AppendTranscript handles POST /api/calls/{id}/transcript
func (h *CallHandler) AppendTranscript(w http.ResponseWriter, r *http.Request) {
	var req transcriptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	lines := req.Lines
	if req.Line != "" {
		lines = append([]string{req.Line}, lines...)
	}
	if len(lines) == 0 {
		writeError(w, http.StatusBadRequest, "line or lines is required")
		return
	}

	id := mux.Vars(r)["id"]
	for _, line := range lines {
		if err := h.coordinator.AppendTranscript(r.Context(), id, line); err != nil {
			writeCoordinatorError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkTransferred handles POST /api/calls/{id}/transfer
func (h *CallHandler) MarkTransferred(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.MarkTransferred(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Finalize handles POST /api/calls/{id}/finalize. An empty body completes
// the call with reason manual.
func (h *CallHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.State == "" {
		req.State = domain.CallStateCompleted
	}
	if err := h.coordinator.Finalize(r.Context(), mux.Vars(r)["id"], req.State, req.Reason); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
