package repository

import (
	"context"
	"testing"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestFinalizeColumnsKeepsExistingValues(t *testing.T) {
	input := domain.FinalizeCallInput{
		CallID:          "C1",
		State:           domain.CallStateCompleted,
		EndedAt:         t0,
		DurationSeconds: 42,
		EndReason:       domain.EndReasonQuorum,
	}
	cols := finalizeColumns(input, t0)
	assert.NotContains(t, cols, "transcript")
	assert.NotContains(t, cols, "telephony_status")
	assert.Equal(t, domain.CallStateCompleted, cols["status"])
	assert.Equal(t, 42, cols["duration_seconds"])

	input.Transcript = "customer: hi"
	input.TelephonyStatus = "completed"
	cols = finalizeColumns(input, t0)
	assert.Equal(t, "customer: hi", cols["transcript"])
	assert.Equal(t, "completed", cols["telephony_status"])
}

func TestMemoryStoreFinalizeOnce(t *testing.T) {
	s := NewMemoryCallStore()
	ctx := context.Background()

	require.NoError(t, s.CreateCall(ctx, &domain.CallLog{ID: "C1", TelephonyCallID: "T1", StartedAt: t0, Transcript: "agent: hello"}))
	require.NoError(t, s.CreateCall(ctx, &domain.CallLog{ID: "C1", TelephonyCallID: "other"}), "duplicate create is ignored")

	row, err := s.GetByID(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateInProgress, row.Status)
	assert.Equal(t, "T1", row.TelephonyCallID)

	input := domain.FinalizeCallInput{
		CallID:          "C1",
		State:           domain.CallStateCompleted,
		TelephonyStatus: "completed",
		EndedAt:         t0.Add(time.Minute),
		DurationSeconds: 60,
		EndReason:       domain.EndReasonTelephonyStatus,
	}
	ok, err := s.FinalizeCall(ctx, input)
	require.NoError(t, err)
	assert.True(t, ok)

	input.State = domain.CallStateFailed
	ok, err = s.FinalizeCall(ctx, input)
	require.NoError(t, err)
	assert.False(t, ok, "second finalize does not win")

	row, err = s.GetByID(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateCompleted, row.Status)
	assert.Equal(t, "agent: hello", row.Transcript)
	assert.Equal(t, 60, row.DurationSeconds)
	require.NotNil(t, row.EndedAt)
	assert.True(t, t0.Add(time.Minute).Equal(*row.EndedAt))
}

func TestMemoryStoreFinalizeValidation(t *testing.T) {
	s := NewMemoryCallStore()
	ctx := context.Background()

	_, err := s.FinalizeCall(ctx, domain.FinalizeCallInput{State: domain.CallStateCompleted})
	assert.Error(t, err)
	_, err = s.FinalizeCall(ctx, domain.FinalizeCallInput{CallID: "C1", State: domain.CallStateInProgress})
	assert.Error(t, err)

	ok, err := s.FinalizeCall(ctx, domain.FinalizeCallInput{CallID: "missing", State: domain.CallStateCompleted})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, s.CreateCall(ctx, &domain.CallLog{}))
}

func TestMemoryStoreMarkTransferred(t *testing.T) {
	s := NewMemoryCallStore()
	ctx := context.Background()

	_, err := s.MarkTransferred(ctx, "")
	assert.Error(t, err)
	ok, err := s.MarkTransferred(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.CreateCall(ctx, &domain.CallLog{ID: "C1", StartedAt: t0}))
	ok, err = s.MarkTransferred(ctx, "C1")
	require.NoError(t, err)
	assert.True(t, ok)

	row, err := s.GetByID(ctx, "C1")
	require.NoError(t, err)
	assert.True(t, row.TransferredToHuman)
	assert.Equal(t, domain.CallStateInProgress, row.Status)

	_, err = s.FinalizeCall(ctx, domain.FinalizeCallInput{CallID: "C1", State: domain.CallStateCompleted, EndedAt: t0, TransferredToHuman: true})
	require.NoError(t, err)
	ok, err = s.MarkTransferred(ctx, "C1")
	require.NoError(t, err)
	assert.False(t, ok, "finalized rows are not touched")
}

func TestMemoryStoreListStale(t *testing.T) {
	s := NewMemoryCallStore()
	ctx := context.Background()

	for i, id := range []string{"C3", "C1", "C2"} {
		require.NoError(t, s.CreateCall(ctx, &domain.CallLog{ID: id, StartedAt: t0.Add(time.Duration(3-i) * time.Minute)}))
	}
	require.NoError(t, s.CreateCall(ctx, &domain.CallLog{ID: "fresh", StartedAt: t0.Add(time.Hour)}))
	require.NoError(t, s.CreateCall(ctx, &domain.CallLog{ID: "done", StartedAt: t0}))
	_, err := s.FinalizeCall(ctx, domain.FinalizeCallInput{CallID: "done", State: domain.CallStateCompleted})
	require.NoError(t, err)

	rows, err := s.ListStaleActiveCalls(ctx, t0.Add(10*time.Minute), 0)
	require.NoError(t, err)
	var ids []string
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"C2", "C1", "C3"}, ids)

	rows, err = s.ListStaleActiveCalls(ctx, t0.Add(10*time.Minute), 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestMemoryStoreGetByAnyID(t *testing.T) {
	s := NewMemoryCallStore()
	ctx := context.Background()

	require.NoError(t, s.CreateCall(ctx, &domain.CallLog{ID: "old", ConferenceID: "F1", StartedAt: t0}))
	require.NoError(t, s.CreateCall(ctx, &domain.CallLog{ID: "new", ConferenceID: "F1", AISessionID: "S1", StartedAt: t0.Add(time.Hour)}))

	row, err := s.GetByAnyID(ctx, "F1")
	require.NoError(t, err)
	assert.Equal(t, "new", row.ID)

	row, err = s.GetByAnyID(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, "old", row.ID)

	row, err = s.GetByAnyID(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "new", row.ID)

	row, err = s.GetByAnyID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestDatabaseConfigFromEnv(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6432")
	t.Setenv("DB_SLOW_QUERY_MS", "250")

	cfg := LoadDatabaseConfigFromEnv()
	assert.True(t, cfg.Enabled())
	assert.Equal(t, 6432, cfg.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.SlowThreshold)
	assert.Contains(t, cfg.DSN(), "host=db.internal port=6432")
	assert.False(t, (*DatabaseConfig)(nil).Enabled())
}
