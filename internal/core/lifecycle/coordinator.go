package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/config"
	"github.com/ClareAI/astra-call-coordinator/internal/core/event"
	"github.com/ClareAI/astra-call-coordinator/internal/core/scheduler"
	"github.com/ClareAI/astra-call-coordinator/internal/domain"
	"github.com/ClareAI/astra-call-coordinator/pkg/logger"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options wires a Coordinator. Telephony, Sessions, Store and Events are
// optional; the coordinator degrades to in-memory decisions without them.
type Options struct {
	Config    config.CoordinatorConfig
	Clock     clock.Clock
	Telephony Telephony
	Sessions  SessionStore
	Store     CallStore
	Events    EventPublisher
	Logger    *zap.Logger
}

// Coordinator decides when each live call has ended by reconciling the
// termination signals reported by telephony, the conference bridge and the
// AI session.
type Coordinator struct {
	cfg       config.CoordinatorConfig
	clock     clock.Clock
	sched     *scheduler.Scheduler
	reg       *registry
	telephony Telephony
	sessions  SessionStore
	store     CallStore
	events    EventPublisher
	log       *zap.Logger
	limiter   *rate.Limiter

	wg        sync.WaitGroup
	asyncMu   sync.RWMutex
	stopped   bool
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a coordinator. It does not start the background sweeps; call Start.
func New(opts Options) (*Coordinator, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Component("call_coordinator")
	}

	sched := scheduler.New(clk)
	c := &Coordinator{
		cfg:       cfg,
		clock:     clk,
		sched:     sched,
		telephony: opts.Telephony,
		sessions:  opts.Sessions,
		store:     opts.Store,
		events:    opts.Events,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(cfg.ProviderPollRate), cfg.ProviderPollBurst),
	}
	c.reg = newRegistry(sched, bufferWindows{
		signals:     cfg.PendingSignalWindow,
		transcripts: cfg.PendingTranscriptWindow,
		mappings:    cfg.PendingMappingWindow,
	}, log)
	return c, nil
}

func graceKey(callID string) string       { return "grace:" + callID }
func maxDurationKey(callID string) string { return "maxdur:" + callID }
func purgeKey(callID string) string       { return "purge:" + callID }

// Start launches the staleness and reconciliation sweeps.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		c.cancel = cancel

		c.wg.Add(2)
		go c.runSweepLoop(ctx, "staleness", c.cfg.StalenessInterval, c.RunStalenessSweep)
		go c.runSweepLoop(ctx, "reconciliation", c.cfg.ReconcileInterval, c.RunReconciliation)

		c.log.Info("Call coordinator started",
			zap.Duration("staleness_interval", c.cfg.StalenessInterval),
			zap.Duration("reconcile_interval", c.cfg.ReconcileInterval))
	})
}

// Stop cancels timers and sweeps and waits for in-flight persistence.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.asyncMu.Lock()
		c.stopped = true
		c.asyncMu.Unlock()

		if c.cancel != nil {
			c.cancel()
		}
		c.sched.Stop()
		c.wg.Wait()
		c.log.Info("Call coordinator stopped")
	})
}

func (c *Coordinator) runSweepLoop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context) int) {
	defer c.wg.Done()

	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sweep(ctx); n > 0 {
				c.log.Info("Sweep acted on calls", zap.String("sweep", name), zap.Int("calls", n))
			}
		}
	}
}

// goAsync runs fn off the caller's goroutine with a bounded I/O context.
func (c *Coordinator) goAsync(name string, fn func(ctx context.Context)) {
	c.asyncMu.RLock()
	defer c.asyncMu.RUnlock()
	if c.stopped {
		c.log.Warn("Coordinator stopped, dropping async task", zap.String("task", name))
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("Async task panic", zap.String("task", name), zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.IOTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// RegisterCall creates the record for a call. An empty callID is replaced by
// a generated one. Signals, transcript lines and mappings buffered under any
// of the call's ids are applied immediately.
func (c *Coordinator) RegisterCall(ctx context.Context, callID string, ids ExternalIDs, metadata map[string]string) (*CallSummary, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		callID = uuid.New().String()
	}

	now := c.clock.Now()
	rec := newCallRecord(callID, ids, metadata, now)

	pending, err := c.reg.register(rec, func() {
		c.sched.Schedule(maxDurationKey(callID), c.cfg.MaxCallDuration, func() {
			c.onMaxDuration(rec)
		})
	})
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	summary := rec.summary()
	rec.mu.Unlock()

	c.log.Info("Call registered",
		zap.String("call_id", callID),
		zap.String("telephony_call_id", summary.IDs.TelephonyCallID),
		zap.String("ai_session_id", summary.IDs.AISessionID),
		zap.String("conference_id", summary.IDs.ConferenceID),
		zap.Int("buffered_signals", len(pending)),
		zap.Int("buffered_transcript_lines", len(summary.Transcript)))

	c.persistCreated(rec, summary)

	if len(pending) > 0 {
		c.applySignals(rec, pending...)
	}
	return rec.Summary(), nil
}

func (c *Coordinator) persistCreated(rec *CallRecord, s *CallSummary) {
	if c.store == nil && c.events == nil {
		close(rec.created)
		return
	}
	c.goAsync("persist_registered", func(ctx context.Context) {
		defer close(rec.created)

		if c.store != nil {
			err := c.store.CreateCall(ctx, &domain.CallLog{
				ID:              s.CallID,
				TelephonyCallID: s.IDs.TelephonyCallID,
				AISessionID:     s.IDs.AISessionID,
				ConferenceID:    s.IDs.ConferenceID,
				Status:          domain.CallStateInProgress,
				StartedAt:       s.StartTime,
				Metadata:        domain.MetadataJSON(s.Metadata),
			})
			if err != nil {
				c.log.Error("Failed to persist registered call", zap.String("call_id", s.CallID), zap.Error(err))
			}
		}

		c.publish(ctx, event.NewCallEvent(event.CallRegistered, s.CallID).
			WithTimestamp(s.StartTime).
			WithData(&event.CallRegisteredData{
				CallID:          s.CallID,
				TelephonyCallID: s.IDs.TelephonyCallID,
				AISessionID:     s.IDs.AISessionID,
				ConferenceID:    s.IDs.ConferenceID,
				Metadata:        s.Metadata,
			}))
	})
}

// AddMapping binds an external id to a registered call. Anything buffered
// under that id is applied to the call.
func (c *Coordinator) AddMapping(ctx context.Context, externalID, callID string, kind IDKind) error {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" || callID == "" {
		return fmt.Errorf("%w: external id and call id are required", ErrInvalidID)
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown id kind %q", ErrInvalidID, kind)
	}

	rec, drained, err := c.reg.addMapping(externalID, callID, kind)
	if err != nil {
		return err
	}
	if drained.empty() {
		return nil
	}

	c.log.Info("Mapping drained buffered data",
		zap.String("call_id", callID),
		zap.String("external_id", externalID),
		zap.Int("signals", len(drained.signals)),
		zap.Int("transcript_lines", len(drained.transcripts)))

	if len(drained.transcripts) > 0 {
		rec.mu.Lock()
		if rec.State.IsTerminal() {
			c.log.Warn("Dropping buffered transcript for finalized call", zap.String("call_id", callID), zap.Int("lines", len(drained.transcripts)))
		} else {
			rec.Transcript = append(rec.Transcript, drained.transcripts...)
		}
		rec.mu.Unlock()
	}
	if len(drained.signals) > 0 {
		c.applySignals(rec, drained.signals...)
	}
	return nil
}

// QueuePendingMapping attaches externalID to whichever call registers with
// aiSessionID. If that call already exists the mapping is applied now.
func (c *Coordinator) QueuePendingMapping(ctx context.Context, aiSessionID, externalID string, kind IDKind) error {
	if aiSessionID == "" || externalID == "" {
		return fmt.Errorf("%w: AI session id and external id are required", ErrInvalidID)
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown id kind %q", ErrInvalidID, kind)
	}

	if rec := c.reg.lookupOrQueueMapping(aiSessionID, mappedID{kind: kind, id: externalID}); rec != nil {
		return c.AddMapping(ctx, externalID, rec.CallID, kind)
	}
	c.log.Debug("Queued pending mapping", zap.String("ai_session_id", aiSessionID), zap.String("external_id", externalID))
	return nil
}

// AppendTranscript adds a line to the call's transcript. Lines for an id
// that is not registered yet are held until it is.
func (c *Coordinator) AppendTranscript(ctx context.Context, anyID, line string) error {
	if anyID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidID)
	}

	rec := c.reg.lookupOrBufferTranscript(anyID, line)
	if rec == nil {
		return nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.State.IsTerminal() {
		return fmt.Errorf("%w: call %s is %s", ErrInvalidState, rec.CallID, rec.State)
	}
	rec.Transcript = append(rec.Transcript, line)
	rec.LastActivity = c.clock.Now()
	return nil
}

// MarkTransferred records a hand-off to a human agent. The call is exempt
// from max-duration and staleness termination from then on.
func (c *Coordinator) MarkTransferred(ctx context.Context, anyID string) error {
	rec := c.reg.lookup(anyID)
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrCallNotFound, anyID)
	}

	rec.mu.Lock()
	if rec.State.IsTerminal() {
		rec.mu.Unlock()
		return fmt.Errorf("%w: call %s is %s", ErrInvalidState, rec.CallID, rec.State)
	}
	already := rec.TransferredToHuman
	rec.TransferredToHuman = true
	rec.LastActivity = c.clock.Now()
	c.sched.Cancel(maxDurationKey(rec.CallID))
	callID := rec.CallID
	created := rec.created
	rec.mu.Unlock()

	if already {
		return nil
	}

	c.log.Info("Call transferred to human", zap.String("call_id", callID))
	if c.store != nil {
		c.goAsync("persist_transferred", func(ctx context.Context) {
			select {
			case <-created:
			case <-ctx.Done():
				return
			}
			if _, err := c.store.MarkTransferred(ctx, callID); err != nil {
				c.log.Error("Failed to persist transfer", zap.String("call_id", callID), zap.Error(err))
			}
		})
	}
	if c.events != nil {
		c.publish(ctx, event.NewCallEvent(event.CallTransferred, callID).WithTimestamp(c.clock.Now()))
	}
	return nil
}

// GetCall returns a snapshot of the call known by anyID, including recently
// finalized calls that have not been purged yet.
func (c *Coordinator) GetCall(anyID string) (*CallSummary, error) {
	rec := c.reg.lookup(anyID)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrCallNotFound, anyID)
	}
	return rec.Summary(), nil
}

// ActiveCallCount returns the number of calls still in progress.
func (c *Coordinator) ActiveCallCount() int {
	n := 0
	for _, rec := range c.reg.snapshot() {
		rec.mu.Lock()
		if !rec.State.IsTerminal() {
			n++
		}
		rec.mu.Unlock()
	}
	return n
}

// ActiveCalls returns snapshots of every call still in progress, oldest first.
func (c *Coordinator) ActiveCalls() []*CallSummary {
	records := c.reg.snapshot()
	out := make([]*CallSummary, 0, len(records))
	for _, rec := range records {
		rec.mu.Lock()
		if !rec.State.IsTerminal() {
			out = append(out, rec.summary())
		}
		rec.mu.Unlock()
	}
	sortSummaries(out)
	return out
}

func (c *Coordinator) publish(ctx context.Context, ev *event.CallEvent) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishEvent(ctx, ev); err != nil {
		c.log.Error("Failed to publish call event", zap.String("type", string(ev.Type)), zap.String("call_id", ev.CallID), zap.Error(err))
	}
}
