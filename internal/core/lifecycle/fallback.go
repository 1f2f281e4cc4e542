package lifecycle

import (
	"context"

	"github.com/ClareAI/astra-call-coordinator/internal/domain"
	"go.uber.org/zap"
)

// resolveFallback tries to find the call behind an unknown id through the
// session store. The signal stays buffered either way; when the session
// names a registered call the mapping drains it immediately. Otherwise the
// session row is cleaned up unless it looks like a registration still in
// flight.
func (c *Coordinator) resolveFallback(ctx context.Context, id string, sig pendingSignal) {
	if c.sessions == nil {
		return
	}

	info, err := c.sessions.GetByExternalID(ctx, id)
	if err != nil {
		c.log.Warn("Session lookup failed, signal stays buffered", zap.String("external_id", id), zap.Error(err))
		return
	}
	if info == nil {
		c.log.Debug("No session for unknown id, signal stays buffered", zap.String("external_id", id), zap.String("signal", string(sig.Type)))
		return
	}

	if info.CallID != "" && c.reg.lookup(info.CallID) != nil {
		err := c.AddMapping(ctx, id, info.CallID, kindForSignal(sig.Type))
		if err != nil {
			c.log.Warn("Failed to map id resolved through session", zap.String("external_id", id), zap.String("call_id", info.CallID), zap.Error(err))
			return
		}
		c.log.Info("Resolved unknown id through session store", zap.String("external_id", id), zap.String("call_id", info.CallID))
		return
	}

	c.cleanupOrphanSession(ctx, id, info)
}

// cleanupOrphanSession removes a session row whose call is not in memory and
// closes out its durable row. Young live sessions are skipped since their
// registration is most likely still on the way.
func (c *Coordinator) cleanupOrphanSession(ctx context.Context, id string, info *domain.SessionInfo) {
	age := info.Age(c.clock.Now())
	if info.IsLive() && age < c.cfg.CleanupMinSessionAge {
		c.log.Info("Skipping cleanup of young live session",
			zap.String("external_id", id),
			zap.String("session_id", info.SessionID),
			zap.String("session_state", string(info.State)),
			zap.Duration("age", age))
		return
	}

	if err := c.sessions.DeleteByExternalID(ctx, id); err != nil {
		c.log.Warn("Failed to delete orphan session", zap.String("external_id", id), zap.Error(err))
	}

	if info.CallID == "" {
		return
	}
	row := domain.CallLog{
		ID:              info.CallID,
		TelephonyCallID: info.TelephonyCallID,
		AISessionID:     info.SessionID,
		ConferenceID:    info.ConferenceID,
		StartedAt:       info.StartTime,
	}
	if c.finalizeDurable(ctx, row, nil, domain.EndReasonSessionCleanup) {
		c.log.Info("Orphan session cleaned up", zap.String("external_id", id), zap.String("call_id", info.CallID))
	}
}
