package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/core/event"
	"github.com/ClareAI/astra-call-coordinator/internal/domain"
	"go.uber.org/zap"
)

// Finalize moves the call known by anyID to a terminal state. Finalizing a
// call that is already terminal is a no-op.
func (c *Coordinator) Finalize(ctx context.Context, anyID string, state domain.CallState, reason domain.EndReason) error {
	if !state.IsTerminal() {
		return fmt.Errorf("%w: %q is not terminal", ErrInvalidState, state)
	}
	rec := c.reg.lookup(anyID)
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrCallNotFound, anyID)
	}
	if reason == "" {
		reason = domain.EndReasonManual
	}
	c.finalize(rec, state, reason)
	return nil
}

// finalize performs the terminal transition in memory and hands persistence
// and event emission to a goroutine. It reports whether this call made the
// transition.
func (c *Coordinator) finalize(rec *CallRecord, state domain.CallState, reason domain.EndReason) bool {
	rec.mu.Lock()
	if rec.State.IsTerminal() {
		rec.mu.Unlock()
		return false
	}

	now := c.clock.Now()
	rec.State = state
	rec.EndTime = now
	rec.EndReason = reason
	if rec.TelephonyDuration > 0 {
		rec.DurationSeconds = rec.TelephonyDuration
	} else {
		rec.DurationSeconds = int(now.Sub(rec.StartTime) / time.Second)
	}

	c.sched.Cancel(graceKey(rec.CallID))
	c.sched.Cancel(maxDurationKey(rec.CallID))
	c.sched.Schedule(purgeKey(rec.CallID), c.cfg.PurgeDelay, func() {
		if c.reg.purge(rec) {
			c.log.Debug("Call purged from registry", zap.String("call_id", rec.CallID))
		}
	})

	data := &event.CallEndedData{
		CallID:             rec.CallID,
		State:              state,
		Reason:             reason,
		TelephonyCallID:    rec.IDs.TelephonyCallID,
		AISessionID:        rec.IDs.AISessionID,
		ConferenceID:       rec.IDs.ConferenceID,
		TelephonyStatus:    rec.TelephonyStatus,
		StartedAt:          rec.StartTime,
		EndedAt:            now,
		DurationSeconds:    rec.DurationSeconds,
		Transcript:         append([]string(nil), rec.Transcript...),
		TransferredToHuman: rec.TransferredToHuman,
		Metadata:           make(map[string]string, len(rec.Metadata)),
	}
	for k, v := range rec.Metadata {
		data.Metadata[k] = v
	}
	created := rec.created
	rec.mu.Unlock()

	c.log.Info("Call finalized",
		zap.String("call_id", data.CallID),
		zap.String("state", string(state)),
		zap.String("reason", string(reason)),
		zap.Int("duration_seconds", data.DurationSeconds),
		zap.Int("transcript_lines", len(data.Transcript)),
		zap.Bool("transferred_to_human", data.TransferredToHuman))

	c.goAsync("persist_finalized", func(ctx context.Context) {
		select {
		case <-created:
		case <-ctx.Done():
			c.log.Warn("Registration write still pending at finalize", zap.String("call_id", data.CallID))
		}
		c.persistFinalized(ctx, data)
	})
	return true
}

func (c *Coordinator) persistFinalized(ctx context.Context, data *event.CallEndedData) {
	if c.store != nil {
		updated, err := c.store.FinalizeCall(ctx, domain.FinalizeCallInput{
			CallID:             data.CallID,
			State:              data.State,
			TelephonyStatus:    data.TelephonyStatus,
			EndedAt:            data.EndedAt,
			DurationSeconds:    data.DurationSeconds,
			Transcript:         strings.Join(data.Transcript, "\n"),
			TransferredToHuman: data.TransferredToHuman,
			EndReason:          data.Reason,
		})
		switch {
		case err != nil:
			// the reconciliation sweep will retry the durable row
			c.log.Error("Failed to persist finalized call", zap.String("call_id", data.CallID), zap.Error(err))
		case !updated:
			c.log.Info("Call row already finalized", zap.String("call_id", data.CallID))
		}
	}

	c.cleanupSessions(ctx, data.CallID, data.AISessionID, data.TelephonyCallID, data.ConferenceID)

	c.publish(ctx, event.NewCallEvent(event.CallEnded, data.CallID).
		WithTimestamp(data.EndedAt).
		WithData(data))
}

func (c *Coordinator) cleanupSessions(ctx context.Context, callID string, ids ...string) {
	if c.sessions == nil {
		return
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := c.sessions.DeleteByExternalID(ctx, id); err != nil {
			c.log.Warn("Failed to delete session row", zap.String("call_id", callID), zap.String("external_id", id), zap.Error(err))
		}
	}
}

// finalizeDurable finalizes a call_logs row for a call that is not in the
// registry. It emits call.ended only when this call won the compare-and-swap.
func (c *Coordinator) finalizeDurable(ctx context.Context, row domain.CallLog, status *domain.ProviderCallStatus, reason domain.EndReason) bool {
	if c.store == nil {
		return false
	}

	now := c.clock.Now()
	in := domain.FinalizeCallInput{
		CallID:             row.ID,
		State:              domain.CallStateCompleted,
		TelephonyStatus:    row.TelephonyStatus,
		EndedAt:            now,
		TransferredToHuman: row.TransferredToHuman,
		EndReason:          reason,
	}
	if status != nil {
		in.TelephonyStatus = string(status.Status)
		in.DurationSeconds = status.DurationSeconds
	}
	if in.DurationSeconds <= 0 && !row.StartedAt.IsZero() {
		in.DurationSeconds = int(now.Sub(row.StartedAt) / time.Second)
	}

	updated, err := c.store.FinalizeCall(ctx, in)
	if err != nil {
		c.log.Error("Failed to finalize call row", zap.String("call_id", row.ID), zap.String("reason", string(reason)), zap.Error(err))
		return false
	}
	if !updated {
		return false
	}

	c.log.Info("Call row finalized",
		zap.String("call_id", row.ID),
		zap.String("reason", string(reason)),
		zap.Int("duration_seconds", in.DurationSeconds))

	var transcript []string
	if row.Transcript != "" {
		transcript = strings.Split(row.Transcript, "\n")
	}
	c.publish(ctx, event.NewCallEvent(event.CallEnded, row.ID).
		WithTimestamp(now).
		WithData(&event.CallEndedData{
			CallID:             row.ID,
			State:              in.State,
			Reason:             reason,
			TelephonyCallID:    row.TelephonyCallID,
			AISessionID:        row.AISessionID,
			ConferenceID:       row.ConferenceID,
			TelephonyStatus:    in.TelephonyStatus,
			StartedAt:          row.StartedAt,
			EndedAt:            now,
			DurationSeconds:    in.DurationSeconds,
			Transcript:         transcript,
			TransferredToHuman: row.TransferredToHuman,
		}))
	return true
}

func sortSummaries(s []*CallSummary) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].StartTime.Equal(s[j].StartTime) {
			return s[i].CallID < s[j].CallID
		}
		return s[i].StartTime.Before(s[j].StartTime)
	})
}
