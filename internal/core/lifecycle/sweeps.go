package lifecycle

import (
	"context"
	"sync/atomic"

	"github.com/ClareAI/astra-call-coordinator/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// onMaxDuration runs when a call hits the hard length cap. The provider is
// asked to hang up so its status callback finalizes normally; the call is
// only finalized locally when that is impossible or the request fails.
func (c *Coordinator) onMaxDuration(rec *CallRecord) {
	rec.mu.Lock()
	if rec.State.IsTerminal() || rec.TransferredToHuman {
		rec.mu.Unlock()
		return
	}
	callID := rec.CallID
	telephonyID := rec.IDs.TelephonyCallID
	rec.mu.Unlock()

	c.log.Warn("Call reached max duration", zap.String("call_id", callID), zap.Duration("max_duration", c.cfg.MaxCallDuration))

	if c.telephony == nil || telephonyID == "" {
		c.finalize(rec, domain.CallStateCompleted, domain.EndReasonMaxDuration)
		return
	}

	c.goAsync("terminate_max_duration", func(ctx context.Context) {
		if err := c.telephony.TerminateCall(ctx, telephonyID); err != nil {
			c.log.Error("Provider terminate failed, finalizing locally",
				zap.String("call_id", callID),
				zap.String("telephony_call_id", telephonyID),
				zap.Error(err))
			c.finalize(rec, domain.CallStateCompleted, domain.EndReasonMaxDuration)
			return
		}
		c.log.Info("Provider asked to terminate call", zap.String("call_id", callID), zap.String("telephony_call_id", telephonyID))
	})
}

// RunStalenessSweep checks in-memory calls that have been idle too long.
// Calls with a telephony id are polled against the provider and a terminal
// status is fed back as a telephony signal; calls without one are finalized
// once idle past the orphan threshold. It returns the number of calls it
// finalized or fed a signal to.
func (c *Coordinator) RunStalenessSweep(ctx context.Context) int {
	now := c.clock.Now()

	var orphans []*CallRecord
	poll := make(map[string]*CallRecord)
	for _, rec := range c.reg.snapshot() {
		rec.mu.Lock()
		if rec.State.IsTerminal() || rec.TransferredToHuman {
			rec.mu.Unlock()
			continue
		}
		idle := now.Sub(rec.LastActivity)
		if idle < c.cfg.StaleThreshold {
			rec.mu.Unlock()
			continue
		}
		if !rec.StaleWarningLogged {
			rec.StaleWarningLogged = true
			c.log.Warn("Call looks stale",
				zap.String("call_id", rec.CallID),
				zap.Duration("idle", idle),
				zap.Strings("signals", signalNames(rec)))
		}
		telephonyID := rec.IDs.TelephonyCallID
		switch {
		case telephonyID != "" && c.telephony != nil:
			poll[telephonyID] = rec
		case idle >= c.cfg.OrphanStaleThreshold:
			orphans = append(orphans, rec)
		}
		rec.mu.Unlock()
	}

	var acted int64
	for _, rec := range orphans {
		if c.finalize(rec, domain.CallStateCompleted, domain.EndReasonStale) {
			acted++
		}
	}

	if len(poll) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.ProviderPollConcurrency)
		for telephonyID, rec := range poll {
			g.Go(func() error {
				status, err := c.pollProvider(gctx, telephonyID)
				if err != nil {
					c.log.Warn("Stale call status check failed", zap.String("call_id", rec.CallID), zap.String("telephony_call_id", telephonyID), zap.Error(err))
					return nil
				}
				if status == nil || !status.Status.IsTerminal() {
					return nil
				}
				c.log.Info("Provider reports stale call ended",
					zap.String("call_id", rec.CallID),
					zap.String("status", string(status.Status)))
				if err := c.HandleTelephonyStatus(gctx, telephonyID, status.Status, status.DurationSeconds); err == nil {
					atomic.AddInt64(&acted, 1)
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return int(acted)
}

// RunReconciliation closes out durable rows left in progress by a previous
// process. Rows whose call is live in this process are skipped. It returns
// the number of rows finalized.
func (c *Coordinator) RunReconciliation(ctx context.Context) int {
	if c.store == nil {
		return 0
	}

	now := c.clock.Now()
	rows, err := c.store.ListStaleActiveCalls(ctx, now.Add(-c.cfg.ReconcileThreshold), c.cfg.ReconcileBatchSize)
	if err != nil {
		c.log.Error("Failed to list stale active calls", zap.Error(err))
		return 0
	}

	var finalized int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ProviderPollConcurrency)
	for _, row := range rows {
		if c.isLive(row) {
			continue
		}
		g.Go(func() error {
			if c.reconcileRow(gctx, row) {
				atomic.AddInt64(&finalized, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(rows) > 0 {
		c.log.Info("Reconciliation sweep finished", zap.Int("candidates", len(rows)), zap.Int64("finalized", finalized))
	}
	return int(finalized)
}

func (c *Coordinator) isLive(row domain.CallLog) bool {
	for _, id := range []string{row.ID, row.TelephonyCallID, row.AISessionID, row.ConferenceID} {
		if id != "" && c.reg.lookup(id) != nil {
			return true
		}
	}
	return false
}

func (c *Coordinator) reconcileRow(ctx context.Context, row domain.CallLog) bool {
	age := c.clock.Now().Sub(row.StartedAt)
	overCap := age >= c.cfg.MaxCallDuration

	if row.TelephonyCallID == "" || c.telephony == nil {
		if !overCap || row.TransferredToHuman {
			return false
		}
		return c.finalizeDurable(ctx, row, nil, domain.EndReasonReconciled)
	}

	status, err := c.pollProvider(ctx, row.TelephonyCallID)
	if err != nil {
		c.log.Warn("Reconciliation status check failed", zap.String("call_id", row.ID), zap.String("telephony_call_id", row.TelephonyCallID), zap.Error(err))
		return false
	}
	if status != nil && status.Status.IsTerminal() {
		return c.finalizeDurable(ctx, row, status, domain.EndReasonReconciled)
	}
	if !overCap {
		return false
	}
	if row.TransferredToHuman {
		c.log.Debug("Leaving transferred call running past the cap", zap.String("call_id", row.ID), zap.Duration("age", age))
		return false
	}

	if err := c.telephony.TerminateCall(ctx, row.TelephonyCallID); err != nil {
		c.log.Warn("Failed to terminate over-length call", zap.String("call_id", row.ID), zap.String("telephony_call_id", row.TelephonyCallID), zap.Error(err))
		return false
	}
	return c.finalizeDurable(ctx, row, &domain.ProviderCallStatus{Status: domain.TelephonyCompleted}, domain.EndReasonMaxDuration)
}

// pollProvider fetches a call status within the shared provider rate limit.
func (c *Coordinator) pollProvider(ctx context.Context, telephonyID string) (*domain.ProviderCallStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.telephony.FetchCallStatus(ctx, telephonyID)
}

// signalNames must be called with rec.mu held.
func signalNames(rec *CallRecord) []string {
	names := make([]string, 0, len(rec.signals))
	for _, t := range domain.AllSignals {
		if _, ok := rec.signals[t]; ok {
			names = append(names, string(t))
		}
	}
	return names
}
