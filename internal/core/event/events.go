package event

import (
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/domain"
	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

// Call lifecycle events
const (
	CallRegistered  EventType = "call.registered"
	CallTransferred EventType = "call.transferred"
	CallEnded       EventType = "call.ended"

	// Internal/system events
	HandlerPanic EventType = "handler.panic"
)

// CallEvent is a single lifecycle notification. ID is stable across
// redeliveries so consumers can de-duplicate.
type CallEvent struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	CallID    string      `json:"call_id"`
	Timestamp time.Time   `json:"timestamp"`
	Attempt   int         `json:"attempt,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// CallEndedData is the payload of CallEnded.
type CallEndedData struct {
	CallID             string            `json:"call_id"`
	State              domain.CallState  `json:"state"`
	Reason             domain.EndReason  `json:"reason"`
	TelephonyCallID    string            `json:"telephony_call_id,omitempty"`
	AISessionID        string            `json:"ai_session_id,omitempty"`
	ConferenceID       string            `json:"conference_id,omitempty"`
	TelephonyStatus    string            `json:"telephony_status,omitempty"`
	StartedAt          time.Time         `json:"started_at"`
	EndedAt            time.Time         `json:"ended_at"`
	DurationSeconds    int               `json:"duration_seconds"`
	Transcript         []string          `json:"transcript,omitempty"`
	TransferredToHuman bool              `json:"transferred_to_human"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// CallRegisteredData is the payload of CallRegistered.
type CallRegisteredData struct {
	CallID          string            `json:"call_id"`
	TelephonyCallID string            `json:"telephony_call_id,omitempty"`
	AISessionID     string            `json:"ai_session_id,omitempty"`
	ConferenceID    string            `json:"conference_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// NewCallEvent creates a new call event
func NewCallEvent(eventType EventType, callID string) *CallEvent {
	return &CallEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		CallID:    callID,
		Timestamp: time.Now(),
	}
}

// WithData adds data to the event
func (e *CallEvent) WithData(data interface{}) *CallEvent {
	e.Data = data
	return e
}

// WithTimestamp overrides the event time.
func (e *CallEvent) WithTimestamp(ts time.Time) *CallEvent {
	e.Timestamp = ts
	return e
}

// GetCallEndedData returns the CallEnded payload if present
func (e *CallEvent) GetCallEndedData() (*CallEndedData, bool) {
	if data, ok := e.Data.(*CallEndedData); ok {
		return data, true
	}
	return nil, false
}

// GetCallRegisteredData returns the CallRegistered payload if present
func (e *CallEvent) GetCallRegisteredData() (*CallRegisteredData, bool) {
	if data, ok := e.Data.(*CallRegisteredData); ok {
		return data, true
	}
	return nil, false
}
