package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/domain"
)

// MemoryCallStore keeps call logs in process. It backs local runs without
// postgres and follows the same finalize rules as CallLogRepository.
type MemoryCallStore struct {
	mu    sync.RWMutex
	calls map[string]*domain.CallLog
	now   func() time.Time
}

func NewMemoryCallStore() *MemoryCallStore {
	return &MemoryCallStore{
		calls: make(map[string]*domain.CallLog),
		now:   time.Now,
	}
}

func (s *MemoryCallStore) CreateCall(ctx context.Context, call *domain.CallLog) error {
	if call.ID == "" {
		return fmt.Errorf("call id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.calls[call.ID]; exists {
		return nil
	}
	row := *call
	now := s.now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	if row.Status == "" {
		row.Status = domain.CallStateInProgress
	}
	s.calls[row.ID] = &row
	return nil
}

func (s *MemoryCallStore) FinalizeCall(ctx context.Context, input domain.FinalizeCallInput) (bool, error) {
	if input.CallID == "" {
		return false, fmt.Errorf("call id cannot be empty")
	}
	if !input.State.IsTerminal() {
		return false, fmt.Errorf("cannot finalize call %s as %q", input.CallID, input.State)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.calls[input.CallID]
	if !ok || row.Status != domain.CallStateInProgress {
		return false, nil
	}
	endedAt := input.EndedAt
	row.Status = input.State
	row.EndedAt = &endedAt
	row.DurationSeconds = input.DurationSeconds
	row.TransferredToHuman = input.TransferredToHuman
	row.EndReason = input.EndReason
	row.UpdatedAt = s.now()
	if input.Transcript != "" {
		row.Transcript = input.Transcript
	}
	if input.TelephonyStatus != "" {
		row.TelephonyStatus = input.TelephonyStatus
	}
	return true, nil
}

func (s *MemoryCallStore) MarkTransferred(ctx context.Context, callID string) (bool, error) {
	if callID == "" {
		return false, fmt.Errorf("call id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.calls[callID]
	if !ok || row.Status != domain.CallStateInProgress {
		return false, nil
	}
	row.TransferredToHuman = true
	row.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryCallStore) ListStaleActiveCalls(ctx context.Context, startedBefore time.Time, limit int) ([]domain.CallLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.CallLog
	for _, row := range s.calls {
		if row.Status == domain.CallStateInProgress && row.StartedAt.Before(startedBefore) {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryCallStore) GetByID(ctx context.Context, id string) (*domain.CallLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.calls[id]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (s *MemoryCallStore) GetByAnyID(ctx context.Context, id string) (*domain.CallLog, error) {
	if id == "" {
		return nil, nil
	}
	if row, _ := s.GetByID(ctx, id); row != nil {
		return row, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *domain.CallLog
	for _, row := range s.calls {
		if row.TelephonyCallID != id && row.AISessionID != id && row.ConferenceID != id {
			continue
		}
		if best == nil || row.StartedAt.After(best.StartedAt) {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}
