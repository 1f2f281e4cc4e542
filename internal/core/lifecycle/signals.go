package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/ClareAI/astra-call-coordinator/internal/domain"
	"go.uber.org/zap"
)

// HandleTelephonyStatus ingests a provider status callback. Terminal
// statuses end the call outright; anything else only counts as activity.
func (c *Coordinator) HandleTelephonyStatus(ctx context.Context, telephonyCallID string, status domain.TelephonyStatus, durationSeconds int) error {
	telephonyCallID = strings.TrimSpace(telephonyCallID)
	if telephonyCallID == "" {
		return fmt.Errorf("%w: telephony call id is required", ErrInvalidID)
	}
	status = domain.TelephonyStatus(strings.ToLower(strings.TrimSpace(string(status))))

	if !status.IsTerminal() {
		if rec := c.reg.lookup(telephonyCallID); rec != nil {
			rec.mu.Lock()
			if !rec.State.IsTerminal() {
				rec.TelephonyStatus = string(status)
				rec.LastActivity = c.clock.Now()
			}
			rec.mu.Unlock()
		}
		c.log.Debug("Non-terminal telephony status", zap.String("external_id", telephonyCallID), zap.String("status", string(status)))
		return nil
	}

	c.ingest(ctx, telephonyCallID, pendingSignal{
		Type:            domain.SignalTelephonyStatus,
		Status:          status,
		DurationSeconds: durationSeconds,
	})
	return nil
}

// HandleConferenceEnded ingests the conference bridge ending. aliases are
// other ids the bridge reports for the same conference; a call registered
// under any of them receives the signal.
func (c *Coordinator) HandleConferenceEnded(ctx context.Context, conferenceID string, aliases ...string) error {
	conferenceID = strings.TrimSpace(conferenceID)
	if conferenceID == "" {
		return fmt.Errorf("%w: conference id is required", ErrInvalidID)
	}
	c.ingest(ctx, conferenceID, pendingSignal{Type: domain.SignalConferenceEnded}, aliases...)
	return nil
}

// HandleParticipantLeft ingests a conference leg leaving. Only the customer
// leaving says anything about the call ending.
func (c *Coordinator) HandleParticipantLeft(ctx context.Context, conferenceID string, role domain.ParticipantRole, aliases ...string) error {
	conferenceID = strings.TrimSpace(conferenceID)
	if conferenceID == "" {
		return fmt.Errorf("%w: conference id is required", ErrInvalidID)
	}

	if role != domain.ParticipantCustomer {
		c.touch(conferenceID, aliases...)
		c.log.Debug("Non-customer participant left", zap.String("external_id", conferenceID), zap.String("role", string(role)))
		return nil
	}

	c.ingest(ctx, conferenceID, pendingSignal{Type: domain.SignalParticipantLeft, Role: role}, aliases...)
	return nil
}

// HandleLegLeft ingests an unlabelled conference leg leaving. The leg is the
// customer when legCallID is the call's own telephony id, which is settled
// once the call is known, so legs for unregistered conferences are held.
func (c *Coordinator) HandleLegLeft(ctx context.Context, conferenceID, legCallID string, aliases ...string) error {
	conferenceID = strings.TrimSpace(conferenceID)
	if conferenceID == "" {
		return fmt.Errorf("%w: conference id is required", ErrInvalidID)
	}
	legCallID = strings.TrimSpace(legCallID)
	if legCallID == "" {
		return c.HandleParticipantLeft(ctx, conferenceID, domain.ParticipantBridge, aliases...)
	}

	c.ingest(ctx, conferenceID, pendingSignal{Type: domain.SignalParticipantLeft, LegCallID: legCallID}, aliases...)
	return nil
}

// HandleAISessionEnded ingests the AI realtime session closing.
func (c *Coordinator) HandleAISessionEnded(ctx context.Context, aiSessionID string) error {
	aiSessionID = strings.TrimSpace(aiSessionID)
	if aiSessionID == "" {
		return fmt.Errorf("%w: AI session id is required", ErrInvalidID)
	}
	c.ingest(ctx, aiSessionID, pendingSignal{Type: domain.SignalAISessionEnded})
	return nil
}

// touch counts a non-terminating event as activity on whichever call owns
// id or one of its aliases.
func (c *Coordinator) touch(id string, aliases ...string) {
	for _, candidate := range append([]string{id}, aliases...) {
		rec := c.reg.lookup(candidate)
		if rec == nil {
			continue
		}
		rec.mu.Lock()
		if !rec.State.IsTerminal() {
			rec.LastActivity = c.clock.Now()
		}
		rec.mu.Unlock()
		return
	}
}

// ingest routes a termination signal to its call, or buffers it and hands
// the id to the fallback resolver.
func (c *Coordinator) ingest(ctx context.Context, id string, sig pendingSignal, aliases ...string) {
	sig.ReceivedAt = c.clock.Now()

	links := make([]string, 0, len(aliases))
	for _, a := range aliases {
		if a = strings.TrimSpace(a); a != "" && a != id {
			links = append(links, a)
		}
	}

	if rec := c.reg.lookupOrBufferSignal(id, sig, links...); rec != nil {
		c.applySignals(rec, sig)
		return
	}

	c.log.Info("Termination signal for unknown id, buffered",
		zap.String("external_id", id),
		zap.Strings("aliases", links),
		zap.String("signal", string(sig.Type)),
		zap.String("status", string(sig.Status)))

	c.goAsync("fallback_resolve", func(ctx context.Context) {
		c.resolveFallback(ctx, id, sig)
	})
}

// applySignals records sigs on rec and acts on the resulting decision.
func (c *Coordinator) applySignals(rec *CallRecord, sigs ...pendingSignal) {
	rec.mu.Lock()
	if rec.State.IsTerminal() {
		state := rec.State
		rec.mu.Unlock()
		for _, s := range sigs {
			c.log.Debug("Signal for finalized call ignored", zap.String("call_id", rec.CallID), zap.String("signal", string(s.Type)), zap.String("state", string(state)))
		}
		return
	}

	now := c.clock.Now()
	for _, s := range sigs {
		if !rec.countsAsCustomer(s) {
			rec.LastActivity = now
			c.log.Debug("Non-customer leg left", zap.String("call_id", rec.CallID), zap.String("leg_call_id", s.LegCallID))
			continue
		}
		if rec.recordSignal(s, now) {
			c.log.Info("Termination signal recorded", zap.String("call_id", rec.CallID), zap.String("signal", string(s.Type)), zap.String("status", string(s.Status)))
		}
	}

	set := rec.signalSet()
	if set.has(domain.SignalTelephonyStatus) {
		c.sched.Cancel(maxDurationKey(rec.CallID))
	}

	d := evaluate(set, rec.graceArmed, c.cfg.GracePeriod, c.cfg.AISessionGracePeriod)
	if d.action == actionArmGrace {
		rec.graceArmed = true
		c.sched.Schedule(graceKey(rec.CallID), d.grace, func() {
			c.finalize(rec, domain.CallStateCompleted, domain.EndReasonGraceExpired)
		})
		c.log.Info("Grace period armed", zap.String("call_id", rec.CallID), zap.Duration("grace", d.grace))
	}
	rec.mu.Unlock()

	if d.action == actionFinalize {
		c.finalize(rec, domain.CallStateCompleted, d.reason)
	}
}
