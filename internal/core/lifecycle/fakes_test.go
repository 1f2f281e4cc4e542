package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/config"
	"github.com/ClareAI/astra-call-coordinator/internal/core/event"
	"github.com/ClareAI/astra-call-coordinator/internal/domain"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errProvider = errors.New("provider unavailable")

type fakeTelephony struct {
	mu           sync.Mutex
	statuses     map[string]*domain.ProviderCallStatus
	fetchErr     error
	terminateErr error
	fetched      []string
	terminated   []string
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{statuses: make(map[string]*domain.ProviderCallStatus)}
}

func (f *fakeTelephony) setStatus(sid string, status domain.TelephonyStatus, duration int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[sid] = &domain.ProviderCallStatus{Status: status, DurationSeconds: duration}
}

func (f *fakeTelephony) FetchCallStatus(ctx context.Context, sid string) (*domain.ProviderCallStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, sid)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if s, ok := f.statuses[sid]; ok {
		cp := *s
		return &cp, nil
	}
	return &domain.ProviderCallStatus{Status: domain.TelephonyInProgress}, nil
}

func (f *fakeTelephony) TerminateCall(ctx context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sid)
	return f.terminateErr
}

func (f *fakeTelephony) terminatedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

func (f *fakeTelephony) fetchedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*domain.SessionInfo
	deleted  []string
	getErr   error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*domain.SessionInfo)}
}

func (f *fakeSessions) put(externalID string, info *domain.SessionInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[externalID] = info
}

func (f *fakeSessions) GetByExternalID(ctx context.Context, id string) (*domain.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if info, ok := f.sessions[id]; ok {
		cp := *info
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeSessions) DeleteByExternalID(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeSessions) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeStore struct {
	mu          sync.Mutex
	rows        map[string]*domain.CallLog
	finalizeErr error
	finalizes   []domain.FinalizeCallInput
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*domain.CallLog)}
}

func (f *fakeStore) CreateCall(ctx context.Context, call *domain.CallLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[call.ID]; !ok {
		cp := *call
		f.rows[call.ID] = &cp
	}
	return nil
}

func (f *fakeStore) FinalizeCall(ctx context.Context, in domain.FinalizeCallInput) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizes = append(f.finalizes, in)
	if f.finalizeErr != nil {
		return false, f.finalizeErr
	}
	row, ok := f.rows[in.CallID]
	if !ok || row.Status != domain.CallStateInProgress {
		return false, nil
	}
	row.Status = in.State
	row.EndReason = in.EndReason
	row.DurationSeconds = in.DurationSeconds
	row.TelephonyStatus = in.TelephonyStatus
	row.TransferredToHuman = in.TransferredToHuman
	ended := in.EndedAt
	row.EndedAt = &ended
	if in.Transcript != "" {
		row.Transcript = in.Transcript
	}
	return true, nil
}

func (f *fakeStore) MarkTransferred(ctx context.Context, callID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[callID]
	if !ok || row.Status != domain.CallStateInProgress {
		return false, nil
	}
	row.TransferredToHuman = true
	return true, nil
}

func (f *fakeStore) ListStaleActiveCalls(ctx context.Context, startedBefore time.Time, limit int) ([]domain.CallLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CallLog
	for _, row := range f.rows {
		if row.Status == domain.CallStateInProgress && row.StartedAt.Before(startedBefore) {
			out = append(out, *row)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) row(id string) domain.CallLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[id]; ok {
		return *r
	}
	return domain.CallLog{}
}

func (f *fakeStore) finalizeCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, in := range f.finalizes {
		if in.CallID == id {
			n++
		}
	}
	return n
}

func (f *fakeStore) totalFinalizes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.finalizes)
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*event.CallEvent
}

func (f *fakeEvents) PublishEvent(ctx context.Context, ev *event.CallEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEvents) ofType(t event.EventType) []*event.CallEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*event.CallEvent
	for _, ev := range f.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	c         *Coordinator
	clk       *clock.Mock
	telephony *fakeTelephony
	sessions  *fakeSessions
	store     *fakeStore
	events    *fakeEvents
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	h := &harness{
		clk:       clk,
		telephony: newFakeTelephony(),
		sessions:  newFakeSessions(),
		store:     newFakeStore(),
		events:    &fakeEvents{},
	}
	opts := Options{
		Config:    config.DefaultCoordinatorConfig(),
		Clock:     clk,
		Telephony: h.telephony,
		Sessions:  h.sessions,
		Store:     h.store,
		Events:    h.events,
		Logger:    zaptest.NewLogger(t),
	}
	for _, m := range mutate {
		m(&opts)
	}

	c, err := New(opts)
	require.NoError(t, err)
	h.c = c
	t.Cleanup(c.Stop)
	return h
}

// advance moves the mock clock; timer callbacks run on their own goroutines.
func (h *harness) advance(d time.Duration) {
	h.clk.Add(d)
}

func (h *harness) state(t *testing.T, anyID string) domain.CallState {
	t.Helper()
	s, err := h.c.GetCall(anyID)
	require.NoError(t, err)
	return s.State
}

func (h *harness) waitState(t *testing.T, anyID string, want domain.CallState) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := h.c.GetCall(anyID)
		return err == nil && s.State == want
	}, time.Second, 5*time.Millisecond, "call %s never reached %s", anyID, want)
}

func (h *harness) waitFinalizeWrites(t *testing.T, callID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.store.finalizeCount(callID) >= n
	}, time.Second, 5*time.Millisecond)
}

// settle waits for in-flight async work (persistence, fallback lookups).
func (h *harness) settle() {
	time.Sleep(20 * time.Millisecond)
}
