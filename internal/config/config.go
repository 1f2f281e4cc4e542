package config

import (
	"fmt"
)

// Config holds the application configuration
type Config struct {
	Env         string
	Port        string
	EnableCORS  bool
	CORSOrigins []string

	// Secret used to verify X-API-Key JWTs on /api routes. Empty disables auth.
	APIKeySecret string

	Twilio  TwilioConfig
	LiveKit LiveKitConfig
	Redis   RedisConfig
	PubSub  PubSubConfig
	GCS     GCSConfig

	Coordinator CoordinatorConfig
}

// TwilioConfig holds the REST credentials and the public URL used for webhook signatures.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// Public base URL Twilio calls, used to rebuild the signed URL behind a proxy.
	WebhookBaseURL  string
	ValidateWebhook bool
}

// LiveKitConfig holds the keys used to verify LiveKit webhooks and close rooms.
type LiveKitConfig struct {
	ServerURL string
	APIKey    string
	APISecret string
	// Only rooms with this prefix are closed when their call ends.
	RoomPrefix string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	// Channel the voice pods publish AI session end notifications on.
	SessionEndedChannel string
	// Channel call.ended summaries are rebroadcast on. Empty disables it.
	CallEndedChannel string
}

type PubSubConfig struct {
	ProjectID string
	TopicID   string
	// Prefix for the message name attribute ("", "beta", "qa", "stage").
	PubID string
}

type GCSConfig struct {
	Bucket string
	Prefix string
}

var (
	// AppConfig holds the current configuration
	AppConfig Config
)

// LoadConfig loads configuration from environment variables.
// Note: .env file is loaded in main.go for local development using godotenv.Load()
func LoadConfig() Config {
	cfg := Config{
		Env:          getEnv("APP_ENV", "development"),
		Port:         getEnv("PORT", "8080"),
		EnableCORS:   getEnvAsBool("ENABLE_CORS", true),
		CORSOrigins:  splitString(getEnv("CORS_ORIGINS", "*"), ","),
		APIKeySecret: getEnv("API_KEY_SECRET", ""),
		Twilio: TwilioConfig{
			AccountSID:      getEnv("TWILIO_ACCOUNT_SID", ""),
			AuthToken:       getEnv("TWILIO_AUTH_TOKEN", ""),
			WebhookBaseURL:  getEnv("TWILIO_WEBHOOK_BASE_URL", ""),
			ValidateWebhook: getEnvAsBool("TWILIO_VALIDATE_WEBHOOK", true),
		},
		LiveKit: LiveKitConfig{
			ServerURL:  getEnv("LIVEKIT_URL", ""),
			APIKey:     getEnv("LIVEKIT_API_KEY", ""),
			APISecret:  getEnv("LIVEKIT_API_SECRET", ""),
			RoomPrefix: getEnv("LIVEKIT_ROOM_PREFIX", "astra-"),
		},
		Redis: RedisConfig{
			Host:                getEnv("REDIS_HOST", "localhost"),
			Port:                getEnv("REDIS_PORT", "6379"),
			Password:            getEnv("REDIS_PASSWORD", ""),
			DB:                  getEnvAsInt("REDIS_DB", 0),
			SessionEndedChannel: getEnv("REDIS_SESSION_ENDED_CHANNEL", "astra:voice:session:ended"),
			CallEndedChannel:    getEnv("REDIS_CALL_ENDED_CHANNEL", "astra:voice:call:ended"),
		},
		PubSub: PubSubConfig{
			ProjectID: getEnv("GCP_PROJECT_ID", ""),
			TopicID:   getEnv("PUBSUB_CALL_ENDED_TOPIC", ""),
			PubID:     getEnv("PUBSUB_PUB_ID", ""),
		},
		GCS: GCSConfig{
			Bucket: getEnv("GCS_TRANSCRIPT_BUCKET", ""),
			Prefix: getEnv("GCS_TRANSCRIPT_PREFIX", "transcripts/"),
		},
		Coordinator: LoadCoordinatorConfigFromEnv(),
	}

	AppConfig = cfg
	return cfg
}

// GetConfig returns the current configuration
func GetConfig() Config {
	return AppConfig
}

// Validate checks the parts of the configuration the server cannot start without.
func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.Twilio.ValidateWebhook && c.Twilio.AuthToken != "" && c.Twilio.WebhookBaseURL == "" {
		return fmt.Errorf("TWILIO_WEBHOOK_BASE_URL is required when webhook validation is enabled")
	}
	if (c.LiveKit.APIKey == "") != (c.LiveKit.APISecret == "") {
		return fmt.Errorf("LIVEKIT_API_KEY and LIVEKIT_API_SECRET must be set together")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicID == "") {
		return fmt.Errorf("GCP_PROJECT_ID and PUBSUB_CALL_ENDED_TOPIC must be set together")
	}
	if err := c.Coordinator.Validate(); err != nil {
		return fmt.Errorf("coordinator config: %w", err)
	}
	return nil
}

// TwilioEnabled reports whether REST call control is configured.
func (c Config) TwilioEnabled() bool {
	return c.Twilio.AccountSID != "" && c.Twilio.AuthToken != ""
}

// LiveKitVerify reports whether LiveKit webhooks should be signature-checked.
func (c Config) LiveKitVerify() bool {
	return c.LiveKit.APIKey != "" && c.LiveKit.APISecret != ""
}

// LiveKitRoomControl reports whether finished calls should close their LiveKit room.
func (c Config) LiveKitRoomControl() bool {
	return c.LiveKitVerify() && c.LiveKit.ServerURL != ""
}
