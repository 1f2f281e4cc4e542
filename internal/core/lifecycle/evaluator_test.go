package lifecycle

import (
	"testing"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/domain"
	"github.com/stretchr/testify/assert"
)

func setOf(types ...domain.SignalType) signalSet {
	var s signalSet
	for _, t := range types {
		s = s.with(t)
	}
	return s
}

func TestEvaluate(t *testing.T) {
	const grace, aiGrace = 30 * time.Second, 10 * time.Second

	tests := []struct {
		name       string
		signals    signalSet
		graceArmed bool
		want       decision
	}{
		{
			name: "no signals",
			want: decision{action: actionNone},
		},
		{
			name:    "telephony alone is authoritative",
			signals: setOf(domain.SignalTelephonyStatus),
			want:    decision{action: actionFinalize, reason: domain.EndReasonTelephonyStatus},
		},
		{
			name:       "telephony wins over armed grace",
			signals:    setOf(domain.SignalTelephonyStatus, domain.SignalAISessionEnded),
			graceArmed: true,
			want:       decision{action: actionFinalize, reason: domain.EndReasonTelephonyStatus},
		},
		{
			name:    "conference ended and participant left form a quorum",
			signals: setOf(domain.SignalConferenceEnded, domain.SignalParticipantLeft),
			want:    decision{action: actionFinalize, reason: domain.EndReasonQuorum},
		},
		{
			name:       "quorum with grace already armed",
			signals:    setOf(domain.SignalParticipantLeft, domain.SignalAISessionEnded),
			graceArmed: true,
			want:       decision{action: actionFinalize, reason: domain.EndReasonQuorum},
		},
		{
			name:    "single conference signal arms full grace",
			signals: setOf(domain.SignalConferenceEnded),
			want:    decision{action: actionArmGrace, reason: domain.EndReasonGraceExpired, grace: grace},
		},
		{
			name:    "single participant left arms full grace",
			signals: setOf(domain.SignalParticipantLeft),
			want:    decision{action: actionArmGrace, reason: domain.EndReasonGraceExpired, grace: grace},
		},
		{
			name:    "AI session alone arms short grace",
			signals: setOf(domain.SignalAISessionEnded),
			want:    decision{action: actionArmGrace, reason: domain.EndReasonGraceExpired, grace: aiGrace},
		},
		{
			name:       "single signal with grace armed waits",
			signals:    setOf(domain.SignalConferenceEnded),
			graceArmed: true,
			want:       decision{action: actionNone},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evaluate(tt.signals, tt.graceArmed, grace, aiGrace))
		})
	}
}

// TestEvaluateOrderIndependent checks every arrival order of every signal
// subset ends in the same decision.
func TestEvaluateOrderIndependent(t *testing.T) {
	perms := func(in []domain.SignalType) [][]domain.SignalType {
		var out [][]domain.SignalType
		var rec func(prefix, rest []domain.SignalType)
		rec = func(prefix, rest []domain.SignalType) {
			if len(rest) == 0 {
				out = append(out, append([]domain.SignalType(nil), prefix...))
				return
			}
			for i := range rest {
				next := append(append([]domain.SignalType(nil), rest[:i]...), rest[i+1:]...)
				rec(append(prefix, rest[i]), next)
			}
		}
		rec(nil, in)
		return out
	}

	for mask := 1; mask < 1<<len(domain.AllSignals); mask++ {
		var subset []domain.SignalType
		for i, s := range domain.AllSignals {
			if mask&(1<<i) != 0 {
				subset = append(subset, s)
			}
		}

		var first *action
		for _, order := range perms(subset) {
			var set signalSet
			armed := false
			final := actionNone
			for _, s := range order {
				set = set.with(s)
				d := evaluate(set, armed, 30*time.Second, 10*time.Second)
				if d.action == actionArmGrace {
					armed = true
				}
				if d.action == actionFinalize {
					final = actionFinalize
					break
				}
				final = d.action
				if armed {
					final = actionArmGrace
				}
			}
			if first == nil {
				f := final
				first = &f
				continue
			}
			assert.Equal(t, *first, final, "subset %v order %v", subset, order)
		}
	}
}

func TestSignalSet(t *testing.T) {
	s := setOf(domain.SignalConferenceEnded, domain.SignalConferenceEnded)
	assert.Equal(t, 1, s.count())
	assert.True(t, s.has(domain.SignalConferenceEnded))
	assert.False(t, s.has(domain.SignalTelephonyStatus))

	only, ok := s.only()
	assert.True(t, ok)
	assert.Equal(t, domain.SignalConferenceEnded, only)

	_, ok = setOf(domain.SignalConferenceEnded, domain.SignalAISessionEnded).only()
	assert.False(t, ok)
	assert.False(t, signalSet(0).has("unknown"))
}
