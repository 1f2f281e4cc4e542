package lifecycle

import (
	"sync"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/domain"
	"github.com/jinzhu/copier"
)

// IDKind names which external system an id belongs to.
type IDKind string

const (
	IDKindTelephony  IDKind = "telephony"
	IDKindAISession  IDKind = "ai_session"
	IDKindConference IDKind = "conference"
)

// Valid reports whether k is a known kind.
func (k IDKind) Valid() bool {
	switch k {
	case IDKindTelephony, IDKindAISession, IDKindConference:
		return true
	}
	return false
}

// kindForSignal is the id kind a signal source addresses calls by.
func kindForSignal(t domain.SignalType) IDKind {
	switch t {
	case domain.SignalTelephonyStatus:
		return IDKindTelephony
	case domain.SignalAISessionEnded:
		return IDKindAISession
	default:
		return IDKindConference
	}
}

// ExternalIDs are the identifiers other systems use for a call.
type ExternalIDs struct {
	TelephonyCallID string `json:"telephony_call_id,omitempty"`
	AISessionID     string `json:"ai_session_id,omitempty"`
	ConferenceID    string `json:"conference_id,omitempty"`
}

// All returns the non-empty ids.
func (e ExternalIDs) All() []string {
	ids := make([]string, 0, 3)
	for _, id := range []string{e.TelephonyCallID, e.AISessionID, e.ConferenceID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Get returns the id of the given kind.
func (e ExternalIDs) Get(kind IDKind) string {
	switch kind {
	case IDKindTelephony:
		return e.TelephonyCallID
	case IDKindAISession:
		return e.AISessionID
	case IDKindConference:
		return e.ConferenceID
	}
	return ""
}

// setIfEmpty fills the slot for kind and reports whether it did.
func (e *ExternalIDs) setIfEmpty(kind IDKind, id string) bool {
	var slot *string
	switch kind {
	case IDKindTelephony:
		slot = &e.TelephonyCallID
	case IDKindAISession:
		slot = &e.AISessionID
	case IDKindConference:
		slot = &e.ConferenceID
	default:
		return false
	}
	if *slot != "" {
		return false
	}
	*slot = id
	return true
}

// CallRecord is the in-memory state of one live or recently finalized call.
// All fields are guarded by mu.
type CallRecord struct {
	mu sync.Mutex

	CallID             string
	IDs                ExternalIDs
	State              domain.CallState
	StartTime          time.Time
	LastActivity       time.Time
	EndTime            time.Time
	Transcript         []string
	TransferredToHuman bool
	StaleWarningLogged bool
	Metadata           map[string]string
	TelephonyStatus    string
	TelephonyDuration  int
	DurationSeconds    int
	EndReason          domain.EndReason

	// signal type -> first receipt time; entries are never removed
	signals    map[domain.SignalType]time.Time
	graceArmed bool
	// closed once the durable row has been written (or skipped)
	created chan struct{}
}

func newCallRecord(callID string, ids ExternalIDs, metadata map[string]string, now time.Time) *CallRecord {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &CallRecord{
		CallID:       callID,
		IDs:          ids,
		State:        domain.CallStateInProgress,
		StartTime:    now,
		LastActivity: now,
		Metadata:     md,
		signals:      make(map[domain.SignalType]time.Time),
		created:      make(chan struct{}),
	}
}

// countsAsCustomer settles an unlabelled participant_left against the
// call's telephony id. Every other signal counts as is.
func (r *CallRecord) countsAsCustomer(sig pendingSignal) bool {
	if sig.Type != domain.SignalParticipantLeft || sig.Role == domain.ParticipantCustomer {
		return true
	}
	return sig.LegCallID != "" && sig.LegCallID == r.IDs.TelephonyCallID
}

// recordSignal sets the signal once and keeps any provider details it carries.
func (r *CallRecord) recordSignal(sig pendingSignal, now time.Time) bool {
	if sig.Type == domain.SignalTelephonyStatus {
		if r.TelephonyStatus == "" || !domain.TelephonyStatus(r.TelephonyStatus).IsTerminal() {
			r.TelephonyStatus = string(sig.Status)
		}
		if sig.DurationSeconds > 0 && r.TelephonyDuration == 0 {
			r.TelephonyDuration = sig.DurationSeconds
		}
	}
	r.LastActivity = now
	if _, ok := r.signals[sig.Type]; ok {
		return false
	}
	received := sig.ReceivedAt
	if received.IsZero() {
		received = now
	}
	r.signals[sig.Type] = received
	return true
}

func (r *CallRecord) signalSet() signalSet {
	var s signalSet
	for t := range r.signals {
		s = s.with(t)
	}
	return s
}

// CallSummary is a point-in-time copy of a CallRecord safe to hand out.
type CallSummary struct {
	CallID             string              `json:"call_id"`
	IDs                ExternalIDs         `json:"external_ids"`
	State              domain.CallState    `json:"state"`
	StartTime          time.Time           `json:"start_time"`
	LastActivity       time.Time           `json:"last_activity"`
	EndTime            time.Time           `json:"end_time,omitempty"`
	Transcript         []string            `json:"transcript,omitempty"`
	TransferredToHuman bool                `json:"transferred_to_human"`
	StaleWarningLogged bool                `json:"stale_warning_logged"`
	Metadata           map[string]string   `json:"metadata,omitempty"`
	TelephonyStatus    string              `json:"telephony_status,omitempty"`
	DurationSeconds    int                 `json:"duration_seconds"`
	EndReason          domain.EndReason    `json:"end_reason,omitempty"`
	SignalsReceived    []domain.SignalType `json:"signals_received"`
	GraceArmed         bool                `json:"grace_armed"`
}

// summary must be called with r.mu held.
func (r *CallRecord) summary() *CallSummary {
	s := &CallSummary{}
	_ = copier.Copy(s, r)
	s.Transcript = append([]string(nil), r.Transcript...)
	s.Metadata = make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		s.Metadata[k] = v
	}
	s.SignalsReceived = make([]domain.SignalType, 0, len(r.signals))
	for _, t := range domain.AllSignals {
		if _, ok := r.signals[t]; ok {
			s.SignalsReceived = append(s.SignalsReceived, t)
		}
	}
	s.GraceArmed = r.graceArmed
	return s
}

// Summary returns a snapshot of the record.
func (r *CallRecord) Summary() *CallSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary()
}
