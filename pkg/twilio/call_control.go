package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ClareAI/astra-call-coordinator/internal/domain"
	"github.com/ClareAI/astra-call-coordinator/pkg/logger"
	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// callAPI is the slice of the Twilio REST API used for call control.
type callAPI interface {
	FetchCall(sid string, params *api.FetchCallParams) (*api.ApiV2010Call, error)
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// CallControlService queries and hangs up calls through the Twilio REST API.
type CallControlService struct {
	api    callAPI
	logger *zap.Logger
}

// NewCallControlService creates a call control client for the given account.
func NewCallControlService(accountSID, authToken string) (*CallControlService, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("twilio credentials are required")
	}
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{Username: accountSID, Password: authToken})
	return newCallControlService(rc.Api), nil
}

func newCallControlService(a callAPI) *CallControlService {
	return &CallControlService{
		api:    a,
		logger: logger.Component("twilio"),
	}
}

// FetchCallStatus returns the provider's current status and billed duration.
// The REST client is synchronous, so ctx is only checked before the request.
func (s *CallControlService) FetchCallStatus(ctx context.Context, callSID string) (*domain.ProviderCallStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	call, err := s.api.FetchCall(callSID, &api.FetchCallParams{})
	if err != nil {
		if isNotFound(err) {
			// Twilio purges very old calls; treat them as finished.
			s.logger.Warn("Call not found at provider", zap.String("external_id", callSID))
			return &domain.ProviderCallStatus{Status: domain.TelephonyCompleted}, nil
		}
		return nil, fmt.Errorf("failed to fetch call %s: %w", callSID, err)
	}
	return toProviderStatus(call), nil
}

// TerminateCall asks Twilio to hang up the call.
func (s *CallControlService) TerminateCall(ctx context.Context, callSID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &api.UpdateCallParams{}
	params.SetStatus(string(domain.TelephonyCompleted))
	if _, err := s.api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("failed to terminate call %s: %w", callSID, err)
	}
	s.logger.Info("Requested call termination", zap.String("external_id", callSID))
	return nil
}

func toProviderStatus(call *api.ApiV2010Call) *domain.ProviderCallStatus {
	out := &domain.ProviderCallStatus{}
	if call == nil {
		return out
	}
	if call.Status != nil {
		out.Status = domain.TelephonyStatus(strings.ToLower(*call.Status))
	}
	if call.Duration != nil {
		if d, err := strconv.Atoi(*call.Duration); err == nil {
			out.DurationSeconds = d
		}
	}
	return out
}

func isNotFound(err error) bool {
	var restErr *client.TwilioRestError
	return errors.As(err, &restErr) && restErr.Status == http.StatusNotFound
}
