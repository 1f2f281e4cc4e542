package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CallLogRepository handles database operations for call_logs
type CallLogRepository struct {
	db *gorm.DB
}

// NewCallLogRepository creates a new call log repository
func NewCallLogRepository(db *gorm.DB) *CallLogRepository {
	return &CallLogRepository{db: db}
}

// CreateCall inserts the row for a newly registered call. An existing row
// with the same id is left untouched.
func (r *CallLogRepository) CreateCall(ctx context.Context, call *domain.CallLog) error {
	if call.ID == "" {
		return fmt.Errorf("call id cannot be empty")
	}
	now := time.Now()
	if call.CreatedAt.IsZero() {
		call.CreatedAt = now
	}
	call.UpdatedAt = now
	if call.Status == "" {
		call.Status = domain.CallStateInProgress
	}

	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(call).Error; err != nil {
		return fmt.Errorf("failed to create call log %s: %w", call.ID, err)
	}
	return nil
}

// FinalizeCall moves an in-progress row to its terminal state. It reports
// false when the row is missing or was already finalized.
func (r *CallLogRepository) FinalizeCall(ctx context.Context, input domain.FinalizeCallInput) (bool, error) {
	if input.CallID == "" {
		return false, fmt.Errorf("call id cannot be empty")
	}
	if !input.State.IsTerminal() {
		return false, fmt.Errorf("cannot finalize call %s as %q", input.CallID, input.State)
	}

	result := r.db.WithContext(ctx).
		Model(&domain.CallLog{}).
		Where("id = ? AND status = ?", input.CallID, domain.CallStateInProgress).
		Updates(finalizeColumns(input, time.Now()))
	if result.Error != nil {
		return false, fmt.Errorf("failed to finalize call log %s: %w", input.CallID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// MarkTransferred flags an in-progress row as handed off to a human so the
// reconciliation sweep leaves it running past the duration cap.
func (r *CallLogRepository) MarkTransferred(ctx context.Context, callID string) (bool, error) {
	if callID == "" {
		return false, fmt.Errorf("call id cannot be empty")
	}
	result := r.db.WithContext(ctx).
		Model(&domain.CallLog{}).
		Where("id = ? AND status = ?", callID, domain.CallStateInProgress).
		Updates(map[string]interface{}{
			"transferred_to_human": true,
			"updated_at":           time.Now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark call log %s transferred: %w", callID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// finalizeColumns lists the columns written on finalize. Empty transcript and
// telephony status keep whatever the row already holds.
func finalizeColumns(input domain.FinalizeCallInput, now time.Time) map[string]interface{} {
	cols := map[string]interface{}{
		"status":               input.State,
		"ended_at":             input.EndedAt,
		"duration_seconds":     input.DurationSeconds,
		"transferred_to_human": input.TransferredToHuman,
		"end_reason":           input.EndReason,
		"updated_at":           now,
	}
	if input.Transcript != "" {
		cols["transcript"] = input.Transcript
	}
	if input.TelephonyStatus != "" {
		cols["telephony_status"] = input.TelephonyStatus
	}
	return cols
}

// ListStaleActiveCalls returns in-progress rows started before the cutoff,
// oldest first.
func (r *CallLogRepository) ListStaleActiveCalls(ctx context.Context, startedBefore time.Time, limit int) ([]domain.CallLog, error) {
	var calls []domain.CallLog
	query := r.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", domain.CallStateInProgress, startedBefore).
		Order("started_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&calls).Error; err != nil {
		return nil, fmt.Errorf("failed to list stale calls: %w", err)
	}
	return calls, nil
}

// GetByID retrieves a call log by internal call id
func (r *CallLogRepository) GetByID(ctx context.Context, id string) (*domain.CallLog, error) {
	var call domain.CallLog
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&call).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call log: %w", err)
	}
	return &call, nil
}

// GetByAnyID retrieves the most recent call log whose internal or external id
// matches id.
func (r *CallLogRepository) GetByAnyID(ctx context.Context, id string) (*domain.CallLog, error) {
	if id == "" {
		return nil, nil
	}
	var call domain.CallLog
	err := r.db.WithContext(ctx).
		Where("id = ? OR telephony_call_id = ? OR ai_session_id = ? OR conference_id = ?", id, id, id, id).
		Order("started_at DESC").
		First(&call).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call log: %w", err)
	}
	return &call, nil
}
