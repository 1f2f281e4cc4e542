package lifecycle

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/core/scheduler"
	"github.com/ClareAI/astra-call-coordinator/internal/domain"
	"go.uber.org/zap"
)

type bufferKind string

const (
	bufferSignals     bufferKind = "signal"
	bufferTranscripts bufferKind = "transcript"
	bufferMappings    bufferKind = "mapping"
)

func bufferKey(kind bufferKind, id string) string {
	return fmt.Sprintf("pending:%s:%s", kind, id)
}

// pendingSignal is a termination signal held until its call can be resolved.
type pendingSignal struct {
	Type            domain.SignalType
	Status          domain.TelephonyStatus
	DurationSeconds int
	Role            domain.ParticipantRole
	LegCallID       string // unlabelled leg, settled against the call's telephony id
	ReceivedAt      time.Time
}

type bufferedLine struct {
	line string
	at   time.Time
}

type mappedID struct {
	kind IDKind
	id   string
}

type signalBuffer struct {
	items     []pendingSignal
	links     []string // other ids the same source is known by
	expiresAt time.Time
}

type transcriptBuffer struct {
	lines     []bufferedLine
	expiresAt time.Time
}

type mappingBuffer struct {
	ids       []mappedID
	expiresAt time.Time
}

// claimed is everything drained from the race buffers for one call.
type claimed struct {
	signals     []pendingSignal
	transcripts []string
}

func (c claimed) empty() bool {
	return len(c.signals) == 0 && len(c.transcripts) == 0
}

type bufferWindows struct {
	signals     time.Duration
	transcripts time.Duration
	mappings    time.Duration
}

// registry maps internal call ids to records and external ids to internal ids.
// Lock order is registry then record; nothing holds a record lock while
// taking the registry lock.
type registry struct {
	mu      sync.RWMutex
	calls   map[string]*CallRecord
	index   map[string]string   // external id -> call id
	aliases map[string][]string // call id -> external ids indexed for it

	signals     map[string]*signalBuffer
	signalLinks map[string]string // alternate id -> id its signals are buffered under
	transcripts map[string]*transcriptBuffer
	mappings    map[string]*mappingBuffer // keyed by AI session id

	sched   *scheduler.Scheduler
	windows bufferWindows
	log     *zap.Logger
}

func newRegistry(sched *scheduler.Scheduler, windows bufferWindows, log *zap.Logger) *registry {
	return &registry{
		calls:       make(map[string]*CallRecord),
		index:       make(map[string]string),
		aliases:     make(map[string][]string),
		signals:     make(map[string]*signalBuffer),
		signalLinks: make(map[string]string),
		transcripts: make(map[string]*transcriptBuffer),
		mappings:    make(map[string]*mappingBuffer),
		sched:       sched,
		windows:     windows,
		log:         log,
	}
}

func (r *registry) now() time.Time {
	return r.sched.Clock().Now()
}

// resolve must be called with r.mu held.
func (r *registry) resolve(anyID string) *CallRecord {
	if rec, ok := r.calls[anyID]; ok {
		return rec
	}
	if callID, ok := r.index[anyID]; ok {
		return r.calls[callID]
	}
	return nil
}

func (r *registry) lookup(anyID string) *CallRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolve(anyID)
}

// owner returns the call id anyID is bound to, if any.
func (r *registry) owner(anyID string) (string, bool) {
	if _, ok := r.calls[anyID]; ok {
		return anyID, true
	}
	callID, ok := r.index[anyID]
	return callID, ok
}

func (r *registry) snapshot() []*CallRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*CallRecord, 0, len(r.calls))
	for _, rec := range r.calls {
		out = append(out, rec)
	}
	return out
}

// register inserts rec, attaching queued mappings and draining every buffer
// keyed by its ids. Drained transcript lines are applied before rec becomes
// visible; drained signals are returned for evaluation. onInsert runs under
// the registry lock once the insert is certain.
func (r *registry) register(rec *CallRecord, onInsert func()) ([]pendingSignal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.owner(rec.CallID); ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, rec.CallID)
	}
	for _, id := range rec.IDs.All() {
		if owner, ok := r.owner(id); ok {
			return nil, fmt.Errorf("%w: %s is mapped to %s", ErrMappingConflict, id, owner)
		}
	}

	ids := rec.IDs
	extra := make([]string, 0)
	if ai := ids.AISessionID; ai != "" {
		if buf, ok := r.mappings[ai]; ok {
			delete(r.mappings, ai)
			r.sched.Cancel(bufferKey(bufferMappings, ai))
			for _, m := range buf.ids {
				if _, taken := r.owner(m.id); taken || m.id == rec.CallID {
					r.log.Warn("Dropping pending mapping already bound elsewhere",
						zap.String("call_id", rec.CallID), zap.String("external_id", m.id))
					continue
				}
				if !ids.setIfEmpty(m.kind, m.id) && ids.Get(m.kind) != m.id {
					extra = append(extra, m.id)
				}
			}
		}
	}
	rec.IDs = ids

	r.calls[rec.CallID] = rec
	keys := append(rec.IDs.All(), extra...)
	for _, id := range keys {
		r.index[id] = rec.CallID
	}
	r.aliases[rec.CallID] = keys

	if onInsert != nil {
		onInsert()
	}

	c := r.claimLocked(append([]string{rec.CallID}, keys...))
	rec.Transcript = append(rec.Transcript, c.transcripts...)
	return c.signals, nil
}

// addMapping binds externalID to callID and drains buffers keyed by it.
func (r *registry) addMapping(externalID, callID string, kind IDKind) (*CallRecord, claimed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.calls[callID]
	if !ok {
		return nil, claimed{}, fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	if owner, ok := r.owner(externalID); ok {
		if owner == callID {
			return rec, claimed{}, nil
		}
		return nil, claimed{}, fmt.Errorf("%w: %s is mapped to %s", ErrMappingConflict, externalID, owner)
	}

	rec.mu.Lock()
	rec.IDs.setIfEmpty(kind, externalID)
	rec.mu.Unlock()

	r.index[externalID] = callID
	r.aliases[callID] = append(r.aliases[callID], externalID)

	return rec, r.claimLocked([]string{externalID}), nil
}

// claimLocked drains signal and transcript buffers for ids. Transcript lines
// from several buffers are merged in arrival order.
func (r *registry) claimLocked(ids []string) claimed {
	var c claimed
	var lines []bufferedLine
	for _, id := range ids {
		c.signals = append(c.signals, r.takeSignalsLocked(id)...)
		if target, ok := r.signalLinks[id]; ok {
			c.signals = append(c.signals, r.takeSignalsLocked(target)...)
		}
		if buf, ok := r.transcripts[id]; ok {
			lines = append(lines, buf.lines...)
			delete(r.transcripts, id)
			r.sched.Cancel(bufferKey(bufferTranscripts, id))
		}
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].at.Before(lines[j].at) })
	for _, l := range lines {
		c.transcripts = append(c.transcripts, l.line)
	}
	return c
}

// takeSignalsLocked removes the signal buffer keyed by id along with the
// links pointing at it.
func (r *registry) takeSignalsLocked(id string) []pendingSignal {
	buf, ok := r.signals[id]
	if !ok {
		return nil
	}
	delete(r.signals, id)
	r.dropLinksLocked(id, buf)
	r.sched.Cancel(bufferKey(bufferSignals, id))
	return buf.items
}

func (r *registry) dropLinksLocked(id string, buf *signalBuffer) {
	for _, l := range buf.links {
		if r.signalLinks[l] == id {
			delete(r.signalLinks, l)
		}
	}
}

// lookupOrBufferSignal returns the call for id or any of its aliases or, in
// the same critical section, buffers sig under id. A later claim of any
// alias drains the buffer too.
func (r *registry) lookupOrBufferSignal(id string, sig pendingSignal, aliases ...string) *CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec := r.resolve(id); rec != nil {
		return rec
	}
	for _, a := range aliases {
		if rec := r.resolve(a); rec != nil {
			return rec
		}
	}
	buf, ok := r.signals[id]
	if !ok {
		buf = &signalBuffer{expiresAt: r.now().Add(r.windows.signals)}
		r.signals[id] = buf
		r.scheduleExpiry(bufferSignals, id, r.windows.signals)
	}
	buf.items = append(buf.items, sig)
	for _, a := range aliases {
		if a == "" || a == id || r.signalLinks[a] == id {
			continue
		}
		r.signalLinks[a] = id
		buf.links = append(buf.links, a)
	}
	return nil
}

// lookupOrBufferTranscript returns the call for id or buffers line under id.
func (r *registry) lookupOrBufferTranscript(id, line string) *CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec := r.resolve(id); rec != nil {
		return rec
	}
	now := r.now()
	buf, ok := r.transcripts[id]
	if !ok {
		buf = &transcriptBuffer{expiresAt: now.Add(r.windows.transcripts)}
		r.transcripts[id] = buf
		r.scheduleExpiry(bufferTranscripts, id, r.windows.transcripts)
	}
	buf.lines = append(buf.lines, bufferedLine{line: line, at: now})
	return nil
}

// lookupOrQueueMapping returns the call already using aiSessionID or queues
// the mapping until one registers.
func (r *registry) lookupOrQueueMapping(aiSessionID string, m mappedID) *CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec := r.resolve(aiSessionID); rec != nil {
		return rec
	}
	buf, ok := r.mappings[aiSessionID]
	if !ok {
		buf = &mappingBuffer{expiresAt: r.now().Add(r.windows.mappings)}
		r.mappings[aiSessionID] = buf
		r.scheduleExpiry(bufferMappings, aiSessionID, r.windows.mappings)
	}
	for _, existing := range buf.ids {
		if existing == m {
			return nil
		}
	}
	buf.ids = append(buf.ids, m)
	return nil
}

func (r *registry) scheduleExpiry(kind bufferKind, id string, window time.Duration) {
	r.sched.Schedule(bufferKey(kind, id), window, func() {
		r.expire(kind, id)
	})
}

// expire drops a buffer whose window has passed. A buffer recreated after
// the timer fired carries a later deadline and is left alone.
func (r *registry) expire(kind bufferKind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	switch kind {
	case bufferSignals:
		if buf, ok := r.signals[id]; ok && !now.Before(buf.expiresAt) {
			delete(r.signals, id)
			r.dropLinksLocked(id, buf)
			types := make([]string, 0, len(buf.items))
			for _, s := range buf.items {
				types = append(types, string(s.Type))
			}
			r.log.Warn("Dropping unclaimed termination signals", zap.String("external_id", id), zap.Strings("signals", types))
		}
	case bufferTranscripts:
		if buf, ok := r.transcripts[id]; ok && !now.Before(buf.expiresAt) {
			delete(r.transcripts, id)
			r.log.Warn("Dropping unclaimed transcript lines", zap.String("external_id", id), zap.Int("lines", len(buf.lines)))
		}
	case bufferMappings:
		if buf, ok := r.mappings[id]; ok && !now.Before(buf.expiresAt) {
			delete(r.mappings, id)
			r.log.Warn("Dropping unclaimed pending mapping", zap.String("ai_session_id", id), zap.Int("ids", len(buf.ids)))
		}
	}
}

// purge removes rec and every external id indexed for it. A record that has
// already been replaced under the same call id is left alone.
func (r *registry) purge(rec *CallRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.calls[rec.CallID]; !ok || cur != rec {
		return false
	}
	delete(r.calls, rec.CallID)
	for _, id := range r.aliases[rec.CallID] {
		if r.index[id] == rec.CallID {
			delete(r.index, id)
		}
	}
	delete(r.aliases, rec.CallID)
	return true
}

// bufferedCounts reports how many ids have pending signals, transcripts and mappings.
func (r *registry) bufferedCounts() (signals, transcripts, mappings int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.signals), len(r.transcripts), len(r.mappings)
}

func (r *registry) hasBufferedSignals(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.signals[id]
	return ok
}
