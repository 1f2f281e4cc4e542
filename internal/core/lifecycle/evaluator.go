package lifecycle

import (
	"math/bits"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/domain"
)

// signalSet is a bitmask over the four termination signals.
type signalSet uint8

func signalBit(t domain.SignalType) signalSet {
	for i, s := range domain.AllSignals {
		if s == t {
			return 1 << uint(i)
		}
	}
	return 0
}

func (s signalSet) with(t domain.SignalType) signalSet { return s | signalBit(t) }

func (s signalSet) has(t domain.SignalType) bool {
	b := signalBit(t)
	return b != 0 && s&b != 0
}

func (s signalSet) count() int { return bits.OnesCount8(uint8(s)) }

// only returns the single signal in s, if there is exactly one.
func (s signalSet) only() (domain.SignalType, bool) {
	if s.count() != 1 {
		return "", false
	}
	for _, t := range domain.AllSignals {
		if s.has(t) {
			return t, true
		}
	}
	return "", false
}

type action int

const (
	actionNone action = iota
	actionFinalize
	actionArmGrace
)

type decision struct {
	action action
	reason domain.EndReason
	grace  time.Duration
}

// evaluate applies the termination rule. It depends only on the signal set
// and whether a grace timer is already armed, so signal arrival order does
// not change the outcome.
func evaluate(signals signalSet, graceArmed bool, grace, aiGrace time.Duration) decision {
	if signals.has(domain.SignalTelephonyStatus) {
		return decision{action: actionFinalize, reason: domain.EndReasonTelephonyStatus}
	}
	if signals.count() >= 2 {
		return decision{action: actionFinalize, reason: domain.EndReasonQuorum}
	}
	sole, ok := signals.only()
	if !ok || graceArmed {
		return decision{action: actionNone}
	}
	d := decision{action: actionArmGrace, reason: domain.EndReasonGraceExpired, grace: grace}
	if sole == domain.SignalAISessionEnded {
		d.grace = aiGrace
	}
	return d
}
