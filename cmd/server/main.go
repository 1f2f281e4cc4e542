package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/config"
	"github.com/ClareAI/astra-call-coordinator/internal/core/event"
	"github.com/ClareAI/astra-call-coordinator/internal/core/lifecycle"
	"github.com/ClareAI/astra-call-coordinator/internal/core/session"
	"github.com/ClareAI/astra-call-coordinator/internal/handler"
	"github.com/ClareAI/astra-call-coordinator/internal/repository"
	"github.com/ClareAI/astra-call-coordinator/internal/services/notify"
	"github.com/ClareAI/astra-call-coordinator/pkg/gcs"
	"github.com/ClareAI/astra-call-coordinator/pkg/livekit"
	"github.com/ClareAI/astra-call-coordinator/pkg/logger"
	"github.com/ClareAI/astra-call-coordinator/pkg/pubsub"
	"github.com/ClareAI/astra-call-coordinator/pkg/redis"
	"github.com/ClareAI/astra-call-coordinator/pkg/twilio"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const shutdownTimeout = 20 * time.Second

// Server is the call coordinator process
type Server struct {
	config      config.Config
	httpServer  *http.Server
	coordinator *lifecycle.Coordinator
	bus         *event.DefaultEventBus
	stream      *handler.EventStream
	// closed in reverse order on shutdown
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// NewServer wires every dependency. Optional integrations that are not
// configured, or fail to connect, are left out with a warning; only the
// database is fatal once configured.
func NewServer(ctx context.Context, cfg config.Config) (*Server, error) {
	s := &Server{config: cfg}
	healthChecks := map[string]func(context.Context) error{}

	s.bus = event.NewEventBus()
	s.bus.Use(event.CreateDefaultMiddlewareChain(s.bus.Done())...)

	opts := lifecycle.Options{
		Config: cfg.Coordinator,
		Events: s.bus,
	}

	// Durable call log
	var history handler.CallHistory
	dbConfig := repository.LoadDatabaseConfigFromEnv()
	if dbConfig.Enabled() {
		db, err := repository.Open(ctx, dbConfig)
		if err != nil {
			return nil, err
		}
		s.addCloser("postgres", db.Close)
		healthChecks["postgres"] = db.Ping
		opts.Store = db.CallLogs()
		history = db.CallLogs()
		logger.Base().Info("Call log store: postgres", zap.String("host", dbConfig.Host), zap.String("db", dbConfig.DBName))
	} else {
		mem := repository.NewMemoryCallStore()
		opts.Store = mem
		history = mem
		logger.Base().Warn("DB_HOST not set, call logs are kept in memory only")
	}

	// Redis session store
	var sessions *session.Manager
	var redisSvc *redis.RedisService
	redisSvc, err := redis.NewRedisService(&redis.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Base().Warn("Failed to initialize redis service, running without session store", zap.Error(err))
		redisSvc = nil
	} else {
		s.addCloser("redis", redisSvc.Close)
		healthChecks["redis"] = redisSvc.Ping
		sessions = session.NewManager(redisSvc, getDynamicInstanceID())
		opts.Sessions = sessions
	}

	// Telephony call control
	var validator *twilio.WebhookValidator
	if cfg.TwilioEnabled() {
		callControl, err := twilio.NewCallControlService(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)
		if err != nil {
			return nil, err
		}
		opts.Telephony = callControl
		if cfg.Twilio.ValidateWebhook {
			validator = twilio.NewWebhookValidator(cfg.Twilio.AuthToken, cfg.Twilio.WebhookBaseURL)
		}
	} else {
		logger.Base().Warn("Twilio credentials not provided, provider polling and call termination disabled")
	}

	coordinator, err := lifecycle.New(opts)
	if err != nil {
		return nil, err
	}
	s.coordinator = coordinator

	// Downstream forwarders
	s.stream = handler.NewEventStream(nil)
	forwarders := []notify.Forwarder{s.stream}

	if cfg.PubSub.ProjectID != "" {
		ps, err := pubsub.NewPubSubService(ctx, &pubsub.PubSubConfig{
			ProjectID: cfg.PubSub.ProjectID,
			TopicName: cfg.PubSub.TopicID,
			PubID:     cfg.PubSub.PubID,
		})
		if err != nil {
			logger.Base().Warn("Failed to initialize pubsub, call.ended will not be published", zap.Error(err))
		} else {
			s.addCloser("pubsub", ps.Close)
			forwarders = append(forwarders, notify.NewPubSubForwarder(ps))
		}
	}

	if cfg.GCS.Bucket != "" {
		gcsClient, err := gcs.NewGCSClient(ctx, cfg.GCS.Bucket)
		if err != nil {
			logger.Base().Warn("Failed to initialize gcs client, transcripts will not be archived", zap.Error(err))
		} else {
			s.addCloser("gcs", gcsClient.Close)
			forwarders = append(forwarders, notify.NewTranscriptArchiver(gcsClient, cfg.GCS.Prefix))
		}
	}

	if redisSvc != nil && cfg.Redis.CallEndedChannel != "" {
		forwarders = append(forwarders, notify.NewRedisBroadcaster(redisSvc, cfg.Redis.CallEndedChannel))
	}

	if cfg.LiveKitRoomControl() {
		rooms, err := livekit.NewRoomService(&livekit.RoomConfig{
			ServerURL:  cfg.LiveKit.ServerURL,
			APIKey:     cfg.LiveKit.APIKey,
			APISecret:  cfg.LiveKit.APISecret,
			RoomPrefix: cfg.LiveKit.RoomPrefix,
		})
		if err != nil {
			logger.Base().Warn("Failed to initialize LiveKit room service, rooms will not be closed", zap.Error(err))
		} else {
			forwarders = append(forwarders, notify.NewConferenceCloser(rooms))
		}
	}

	if err := notify.Register(s.bus, forwarders...); err != nil {
		return nil, err
	}

	if sessions != nil {
		err := sessions.SubscribeToEnded(ctx, cfg.Redis.SessionEndedChannel, func(sessionID string) {
			if err := coordinator.HandleAISessionEnded(context.Background(), sessionID); err != nil {
				logger.Base().Warn("Failed to handle session ended notification", zap.String("external_id", sessionID), zap.Error(err))
			}
		})
		if err != nil {
			logger.Base().Warn("Failed to subscribe to session ended notifications", zap.Error(err))
		}
	}

	var corsOrigins []string
	if cfg.EnableCORS {
		corsOrigins = cfg.CORSOrigins
	}
	var livekitKey, livekitSecret string
	if cfg.LiveKitVerify() {
		livekitKey, livekitSecret = cfg.LiveKit.APIKey, cfg.LiveKit.APISecret
	}

	router := handler.NewRouter(handler.RouterConfig{
		Coordinator:      coordinator,
		History:          history,
		TwilioValidator:  validator,
		LiveKitAPIKey:    livekitKey,
		LiveKitAPISecret: livekitSecret,
		APIKeySecret:     cfg.APIKeySecret,
		CORSOrigins:      corsOrigins,
		Stream:           s.stream,
		HealthChecks:     healthChecks,
	})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) addCloser(name string, fn func() error) {
	s.closers = append(s.closers, namedCloser{name: name, close: fn})
}

// Run serves until ctx is cancelled, then shuts down in dependency order.
func (s *Server) Run(ctx context.Context) error {
	s.coordinator.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Base().Info("Starting server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Base().Info("Shutdown requested")
	case serveErr = <-errCh:
	}

	s.shutdown()
	return serveErr
}

func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Base().Warn("HTTP server shutdown error", zap.Error(err))
	}
	// no new signals past this point; flush finalizations, then deliveries
	s.coordinator.Stop()
	if err := s.bus.Close(); err != nil {
		logger.Base().Warn("Event bus close error", zap.Error(err))
	}
	s.stream.Close()

	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.close(); err != nil {
			logger.Base().Warn("Close error", zap.String("component", c.name), zap.Error(err))
		}
	}
	logger.Base().Info("Server stopped")
}

// getDynamicInstanceID identifies this pod in the session rows it writes.
func getDynamicInstanceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("call-coordinator-%d", time.Now().UnixNano())
}

func main() {
	// Load .env file for local development if it exists.
	// This will not override environment variables set by Helm/Docker
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	if _, err := logger.Init(os.Getenv("LOG_ENV")); err != nil {
		log.Printf("Failed to initialize zap logger: %v", err)
	}
	defer logger.Sync()

	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Base().Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := NewServer(ctx, cfg)
	if err != nil {
		logger.Base().Fatal("Failed to create server", zap.Error(err))
	}
	logger.Base().Info("Server initialized successfully",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env))

	if err := server.Run(ctx); err != nil {
		logger.Base().Error("Server failed", zap.Error(err))
		os.Exit(1)
	}
}
