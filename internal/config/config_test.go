package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.EnableCORS)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, "astra:voice:session:ended", cfg.Redis.SessionEndedChannel)
	assert.Equal(t, DefaultCoordinatorConfig(), cfg.Coordinator)
	assert.False(t, cfg.TwilioEnabled())
	assert.False(t, cfg.LiveKitVerify())
	assert.Equal(t, cfg, GetConfig())
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com,")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "secret")
	t.Setenv("TWILIO_WEBHOOK_BASE_URL", "https://coordinator.example.com")
	t.Setenv("LIVEKIT_API_KEY", "key")
	t.Setenv("LIVEKIT_API_SECRET", "shh")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("COORDINATOR_GRACE_PERIOD", "45s")
	t.Setenv("COORDINATOR_MAX_CALL_DURATION", "900")
	t.Setenv("COORDINATOR_PROVIDER_POLL_RATE", "2.5")

	cfg := LoadConfig()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
	assert.True(t, cfg.TwilioEnabled())
	assert.True(t, cfg.LiveKitVerify())
	assert.False(t, cfg.LiveKitRoomControl(), "no server url")
	assert.Equal(t, "astra-", cfg.LiveKit.RoomPrefix)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 45*time.Second, cfg.Coordinator.GracePeriod)
	assert.Equal(t, 15*time.Minute, cfg.Coordinator.MaxCallDuration)
	assert.Equal(t, 2.5, cfg.Coordinator.ProviderPollRate)
	require.NoError(t, cfg.Validate())
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Minute},
		{"10m", 10 * time.Minute},
		{"30", 30 * time.Second},
		{" 2s ", 2 * time.Second},
		{"soon", time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			assert.Equal(t, tt.want, getEnvAsDuration("TEST_DURATION", time.Minute))
		})
	}
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		return Config{Port: "8080", Coordinator: DefaultCoordinatorConfig()}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"missing port", func(c *Config) { c.Port = "" }, "port is required"},
		{"webhook validation without base url", func(c *Config) {
			c.Twilio = TwilioConfig{AccountSID: "AC1", AuthToken: "t", ValidateWebhook: true}
		}, "TWILIO_WEBHOOK_BASE_URL"},
		{"livekit key without secret", func(c *Config) { c.LiveKit.APIKey = "key" }, "LIVEKIT_API_KEY"},
		{"pubsub project without topic", func(c *Config) { c.PubSub.ProjectID = "proj" }, "PUBSUB_CALL_ENDED_TOPIC"},
		{"bad coordinator", func(c *Config) { c.Coordinator.GracePeriod = 0 }, "coordinator config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	cfg := base()
	cfg.Twilio = TwilioConfig{AccountSID: "AC1", AuthToken: "t", ValidateWebhook: false}
	assert.NoError(t, cfg.Validate(), "validation disabled needs no base url")
}

func TestCoordinatorConfigValidate(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	require.NoError(t, cfg.Validate())

	cfg.AISessionGracePeriod = cfg.GracePeriod + time.Second
	assert.ErrorContains(t, cfg.Validate(), "must not exceed grace period")

	cfg = DefaultCoordinatorConfig()
	cfg.OrphanStaleThreshold = time.Minute
	assert.ErrorContains(t, cfg.Validate(), "orphan stale threshold")

	cfg = DefaultCoordinatorConfig()
	cfg.ReconcileBatchSize = 0
	assert.ErrorContains(t, cfg.Validate(), "batch size")

	cfg = DefaultCoordinatorConfig()
	cfg.ProviderPollConcurrency = 0
	assert.ErrorContains(t, cfg.Validate(), "provider poll")
}
