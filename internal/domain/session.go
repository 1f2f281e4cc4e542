package domain

import "time"

// SessionState is the state a voice pod reports for its AI session.
type SessionState string

const (
	SessionConnecting  SessionState = "connecting"
	SessionActive      SessionState = "active"
	SessionProgressing SessionState = "progressing"
	SessionEnded       SessionState = "ended"
)

// SessionInfo is the external session row written by the voice pods.
type SessionInfo struct {
	SessionID       string       `json:"sessionId"`
	CallID          string       `json:"callId,omitempty"`
	TelephonyCallID string       `json:"telephonyCallId,omitempty"`
	ConferenceID    string       `json:"conferenceId,omitempty"`
	State           SessionState `json:"state"`
	PodID           string       `json:"podId,omitempty"`
	AgentID         string       `json:"agentId,omitempty"`
	StartTime       time.Time    `json:"startTime"`
}

// IsLive reports whether the session still claims to be handling a call.
func (s *SessionInfo) IsLive() bool {
	switch s.State {
	case SessionConnecting, SessionActive, SessionProgressing:
		return true
	}
	return false
}

// Age returns how long ago the session started relative to now.
func (s *SessionInfo) Age(now time.Time) time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	return now.Sub(s.StartTime)
}
