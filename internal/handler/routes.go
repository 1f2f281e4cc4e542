package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/core/lifecycle"
	"github.com/ClareAI/astra-call-coordinator/pkg/twilio"
	"github.com/gorilla/mux"
)

// RouterConfig carries everything the HTTP surface needs. Optional fields
// may be left zero.
type RouterConfig struct {
	Coordinator      *lifecycle.Coordinator
	History          CallHistory
	TwilioValidator  *twilio.WebhookValidator
	LiveKitAPIKey    string
	LiveKitAPISecret string
	APIKeySecret     string
	// CORSOrigins enables CORS on /api when non-empty.
	CORSOrigins []string
	Stream      *EventStream
	// HealthChecks are run by /health; any error reports the service degraded.
	HealthChecks map[string]func(ctx context.Context) error
}

// NewRouter builds the mux router with webhook, API, stream and health routes.
func NewRouter(cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(LoggingMiddleware)

	webhooks := NewWebhookHandler(cfg.Coordinator, cfg.TwilioValidator)
	livekitHooks := NewLiveKitWebhookHandler(cfg.Coordinator, cfg.LiveKitAPIKey, cfg.LiveKitAPISecret)

	hooks := router.PathPrefix("/webhooks").Subrouter()
	hooks.HandleFunc("/twilio/call-status", webhooks.HandleTwilioCallStatus).Methods(http.MethodPost)
	hooks.HandleFunc("/twilio/conference", webhooks.HandleTwilioConference).Methods(http.MethodPost)
	hooks.HandleFunc("/livekit", livekitHooks.HandleLiveKitWebhook).Methods(http.MethodPost)
	hooks.HandleFunc("/ai/session-ended", webhooks.HandleAISessionEnded).Methods(http.MethodPost)

	calls := NewCallHandler(cfg.Coordinator, cfg.History)
	api := router.PathPrefix("/api").Subrouter()
	if len(cfg.CORSOrigins) > 0 {
		api.Use(CORSMiddleware(cfg.CORSOrigins))
	}
	api.Use(APIKeyMiddleware(cfg.APIKeySecret))
	api.HandleFunc("/calls", calls.RegisterCall).Methods(http.MethodPost)
	api.HandleFunc("/calls", calls.ListCalls).Methods(http.MethodGet)
	api.HandleFunc("/calls/count", calls.CountCalls).Methods(http.MethodGet)
	api.HandleFunc("/calls/{id}", calls.GetCall).Methods(http.MethodGet)
	api.HandleFunc("/calls/{id}/mappings", calls.AddMapping).Methods(http.MethodPost)
	api.HandleFunc("/calls/{id}/transcript", calls.AppendTranscript).Methods(http.MethodPost)
	api.HandleFunc("/calls/{id}/transfer", calls.MarkTransferred).Methods(http.MethodPost)
	api.HandleFunc("/calls/{id}/finalize", calls.Finalize).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sessionId}/pending-mappings", calls.QueuePendingMapping).Methods(http.MethodPost)
	// preflight; answered by CORSMiddleware
	api.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	if cfg.Stream != nil {
		ws := router.PathPrefix("/ws").Subrouter()
		ws.Use(APIKeyMiddleware(cfg.APIKeySecret))
		ws.HandleFunc("/calls/events", cfg.Stream.ServeWS).Methods(http.MethodGet)
	}

	router.HandleFunc("/health", healthHandler(cfg)).Methods(http.MethodGet)
	return router
}

type healthResponse struct {
	Status        string            `json:"status"`
	ActiveCalls   int               `json:"active_calls"`
	StreamClients int               `json:"stream_clients"`
	Checks        map[string]string `json:"checks,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

func healthHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:      "healthy",
			ActiveCalls: cfg.Coordinator.ActiveCallCount(),
			Timestamp:   time.Now().UTC(),
		}
		if cfg.Stream != nil {
			resp.StreamClients = cfg.Stream.ClientCount()
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		if len(cfg.HealthChecks) > 0 {
			resp.Checks = make(map[string]string, len(cfg.HealthChecks))
			for name, check := range cfg.HealthChecks {
				if err := check(ctx); err != nil {
					resp.Checks[name] = err.Error()
					resp.Status = "degraded"
					status = http.StatusServiceUnavailable
					continue
				}
				resp.Checks[name] = "ok"
			}
		}
		writeJSON(w, status, resp)
	}
}
