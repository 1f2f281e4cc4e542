package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/core/event"
	"github.com/ClareAI/astra-call-coordinator/internal/domain"
)

var (
	ErrCallNotFound      = errors.New("call not found")
	ErrAlreadyRegistered = errors.New("call already registered")
	ErrMappingConflict   = errors.New("external id already mapped to another call")
	ErrInvalidID         = errors.New("invalid id")
	ErrInvalidState      = errors.New("invalid call state")
)

// Telephony is the provider-side call control the coordinator needs.
type Telephony interface {
	FetchCallStatus(ctx context.Context, telephonyCallID string) (*domain.ProviderCallStatus, error)
	TerminateCall(ctx context.Context, telephonyCallID string) error
}

// SessionStore is the external AI session table written by the voice pods.
// GetByExternalID returns (nil, nil) when no session matches.
type SessionStore interface {
	GetByExternalID(ctx context.Context, externalID string) (*domain.SessionInfo, error)
	DeleteByExternalID(ctx context.Context, externalID string) error
}

// CallStore persists call_logs rows. FinalizeCall and MarkTransferred only
// update a row that is still in progress and report whether they did.
type CallStore interface {
	CreateCall(ctx context.Context, call *domain.CallLog) error
	FinalizeCall(ctx context.Context, input domain.FinalizeCallInput) (bool, error)
	MarkTransferred(ctx context.Context, callID string) (bool, error)
	ListStaleActiveCalls(ctx context.Context, startedBefore time.Time, limit int) ([]domain.CallLog, error)
}

// EventPublisher receives lifecycle events; *event.DefaultEventBus satisfies it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev *event.CallEvent) error
}
