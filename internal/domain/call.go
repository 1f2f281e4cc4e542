package domain

import (
	"time"
)

// CallState is the lifecycle state of a call, both in memory and in call_logs.status.
type CallState string

const (
	CallStateInProgress CallState = "in_progress"
	CallStateCompleted  CallState = "completed"
	CallStateFailed     CallState = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s CallState) IsTerminal() bool {
	return s == CallStateCompleted || s == CallStateFailed
}

// Valid reports whether s is one of the known states.
func (s CallState) Valid() bool {
	switch s {
	case CallStateInProgress, CallStateCompleted, CallStateFailed:
		return true
	}
	return false
}

// SignalType identifies one of the four termination signal sources.
type SignalType string

const (
	SignalTelephonyStatus SignalType = "telephony_status"
	SignalConferenceEnded SignalType = "conference_ended"
	SignalParticipantLeft SignalType = "participant_left"
	SignalAISessionEnded  SignalType = "ai_session_ended"
)

// AllSignals lists the signal types in a stable order.
var AllSignals = []SignalType{
	SignalTelephonyStatus,
	SignalConferenceEnded,
	SignalParticipantLeft,
	SignalAISessionEnded,
}

// IsAuthoritative reports whether the signal alone is sufficient to finalize.
func (t SignalType) IsAuthoritative() bool {
	return t == SignalTelephonyStatus
}

// TelephonyStatus is the provider-defined call status string (Twilio CallStatus).
type TelephonyStatus string

const (
	TelephonyQueued     TelephonyStatus = "queued"
	TelephonyInitiated  TelephonyStatus = "initiated"
	TelephonyRinging    TelephonyStatus = "ringing"
	TelephonyInProgress TelephonyStatus = "in-progress"
	TelephonyAnswered   TelephonyStatus = "answered"
	TelephonyCompleted  TelephonyStatus = "completed"
	TelephonyBusy       TelephonyStatus = "busy"
	TelephonyFailed     TelephonyStatus = "failed"
	TelephonyNoAnswer   TelephonyStatus = "no-answer"
	TelephonyCanceled   TelephonyStatus = "canceled"
)

// IsTerminal reports whether the provider considers the call over.
// Unknown statuses are treated as non-terminal.
func (s TelephonyStatus) IsTerminal() bool {
	switch s {
	case TelephonyCompleted, TelephonyBusy, TelephonyFailed, TelephonyNoAnswer, TelephonyCanceled:
		return true
	}
	return false
}

// ParticipantRole labels a conference leg.
type ParticipantRole string

const (
	ParticipantCustomer ParticipantRole = "customer"
	ParticipantAgent    ParticipantRole = "agent"
	ParticipantBridge   ParticipantRole = "bridge"
)

// EndReason records which path finalized a call.
type EndReason string

const (
	EndReasonTelephonyStatus EndReason = "telephony_status"
	EndReasonQuorum          EndReason = "quorum"
	EndReasonGraceExpired    EndReason = "grace_expired"
	EndReasonMaxDuration     EndReason = "max_duration"
	EndReasonStale           EndReason = "stale"
	EndReasonReconciled      EndReason = "reconciled"
	EndReasonSessionCleanup  EndReason = "session_cleanup"
	EndReasonManual          EndReason = "manual"
)

// CallLog is the durable record of a call.
type CallLog struct {
	ID                 string     `json:"id" gorm:"column:id;primaryKey"`
	TelephonyCallID    string     `json:"telephony_call_id" gorm:"column:telephony_call_id;index"`
	AISessionID        string     `json:"ai_session_id" gorm:"column:ai_session_id;index"`
	ConferenceID       string     `json:"conference_id" gorm:"column:conference_id;index"`
	Status             CallState  `json:"status" gorm:"column:status;size:20;index"`
	TelephonyStatus    string     `json:"telephony_status" gorm:"column:telephony_status;size:20"`
	StartedAt          time.Time  `json:"started_at" gorm:"column:started_at;index"`
	EndedAt            *time.Time `json:"ended_at,omitempty" gorm:"column:ended_at"`
	DurationSeconds    int        `json:"duration_seconds" gorm:"column:duration_seconds;default:0"`
	Transcript         string     `json:"transcript,omitempty" gorm:"column:transcript;type:text"`
	TransferredToHuman bool       `json:"transferred_to_human" gorm:"column:transferred_to_human;default:false"`
	EndReason          EndReason  `json:"end_reason,omitempty" gorm:"column:end_reason;size:32"`
	Metadata           JSONB      `json:"metadata,omitempty" gorm:"column:metadata;type:jsonb"`
	CreatedAt          time.Time  `json:"created_at" gorm:"column:created_at"`
	UpdatedAt          time.Time  `json:"updated_at" gorm:"column:updated_at"`
}

func (CallLog) TableName() string {
	return "call_logs"
}

// FinalizeCallInput carries everything written when a call_logs row leaves in_progress.
type FinalizeCallInput struct {
	CallID             string
	State              CallState
	TelephonyStatus    string
	EndedAt            time.Time
	DurationSeconds    int
	Transcript         string
	TransferredToHuman bool
	EndReason          EndReason
}

// ProviderCallStatus is what the telephony provider reports for a call.
type ProviderCallStatus struct {
	Status          TelephonyStatus
	DurationSeconds int
}
