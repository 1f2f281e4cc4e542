package config

import (
	"fmt"
	"time"
)

// CoordinatorConfig holds every timing knob of the call lifecycle coordinator.
type CoordinatorConfig struct {
	// Grace period after a single non-authoritative signal.
	GracePeriod time.Duration
	// Shorter grace used when the only signal is the AI session ending.
	AISessionGracePeriod time.Duration
	// Hard cap on call length, armed at registration.
	MaxCallDuration time.Duration
	// How long signals, transcripts and mappings for unknown ids are held.
	PendingSignalWindow     time.Duration
	PendingTranscriptWindow time.Duration
	PendingMappingWindow    time.Duration
	// Delay between finalize and removal from the registry.
	PurgeDelay time.Duration

	StalenessInterval time.Duration
	// Idle time after which a call is polled against the provider.
	StaleThreshold time.Duration
	// Idle time after which a call without a telephony id is force-finalized.
	OrphanStaleThreshold time.Duration

	ReconcileInterval  time.Duration
	ReconcileThreshold time.Duration
	ReconcileBatchSize int

	// Live sessions younger than this are never cleaned up by the fallback resolver.
	CleanupMinSessionAge time.Duration

	// Provider polling budget shared by both sweeps.
	ProviderPollRate        float64
	ProviderPollBurst       int
	ProviderPollConcurrency int

	// Timeout for each outbound provider, store or session call.
	IOTimeout time.Duration
}

// DefaultCoordinatorConfig returns production defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		GracePeriod:             30 * time.Second,
		AISessionGracePeriod:    10 * time.Second,
		MaxCallDuration:         10 * time.Minute,
		PendingSignalWindow:     60 * time.Second,
		PendingTranscriptWindow: 60 * time.Second,
		PendingMappingWindow:    60 * time.Second,
		PurgeDelay:              60 * time.Second,
		StalenessInterval:       30 * time.Second,
		StaleThreshold:          2 * time.Minute,
		OrphanStaleThreshold:    5 * time.Minute,
		ReconcileInterval:       60 * time.Second,
		ReconcileThreshold:      5 * time.Minute,
		ReconcileBatchSize:      100,
		CleanupMinSessionAge:    10 * time.Second,
		ProviderPollRate:        5,
		ProviderPollBurst:       10,
		ProviderPollConcurrency: 4,
		IOTimeout:               5 * time.Second,
	}
}

// LoadCoordinatorConfigFromEnv overlays COORDINATOR_* variables on the defaults.
func LoadCoordinatorConfigFromEnv() CoordinatorConfig {
	cfg := DefaultCoordinatorConfig()

	cfg.GracePeriod = getEnvAsDuration("COORDINATOR_GRACE_PERIOD", cfg.GracePeriod)
	cfg.AISessionGracePeriod = getEnvAsDuration("COORDINATOR_AI_SESSION_GRACE_PERIOD", cfg.AISessionGracePeriod)
	cfg.MaxCallDuration = getEnvAsDuration("COORDINATOR_MAX_CALL_DURATION", cfg.MaxCallDuration)
	cfg.PendingSignalWindow = getEnvAsDuration("COORDINATOR_PENDING_SIGNAL_WINDOW", cfg.PendingSignalWindow)
	cfg.PendingTranscriptWindow = getEnvAsDuration("COORDINATOR_PENDING_TRANSCRIPT_WINDOW", cfg.PendingTranscriptWindow)
	cfg.PendingMappingWindow = getEnvAsDuration("COORDINATOR_PENDING_MAPPING_WINDOW", cfg.PendingMappingWindow)
	cfg.PurgeDelay = getEnvAsDuration("COORDINATOR_PURGE_DELAY", cfg.PurgeDelay)
	cfg.StalenessInterval = getEnvAsDuration("COORDINATOR_STALENESS_INTERVAL", cfg.StalenessInterval)
	cfg.StaleThreshold = getEnvAsDuration("COORDINATOR_STALE_THRESHOLD", cfg.StaleThreshold)
	cfg.OrphanStaleThreshold = getEnvAsDuration("COORDINATOR_ORPHAN_STALE_THRESHOLD", cfg.OrphanStaleThreshold)
	cfg.ReconcileInterval = getEnvAsDuration("COORDINATOR_RECONCILE_INTERVAL", cfg.ReconcileInterval)
	cfg.ReconcileThreshold = getEnvAsDuration("COORDINATOR_RECONCILE_THRESHOLD", cfg.ReconcileThreshold)
	cfg.ReconcileBatchSize = getEnvAsInt("COORDINATOR_RECONCILE_BATCH_SIZE", cfg.ReconcileBatchSize)
	cfg.CleanupMinSessionAge = getEnvAsDuration("COORDINATOR_CLEANUP_MIN_SESSION_AGE", cfg.CleanupMinSessionAge)
	cfg.ProviderPollRate = getEnvAsFloat("COORDINATOR_PROVIDER_POLL_RATE", cfg.ProviderPollRate)
	cfg.ProviderPollBurst = getEnvAsInt("COORDINATOR_PROVIDER_POLL_BURST", cfg.ProviderPollBurst)
	cfg.ProviderPollConcurrency = getEnvAsInt("COORDINATOR_PROVIDER_POLL_CONCURRENCY", cfg.ProviderPollConcurrency)
	cfg.IOTimeout = getEnvAsDuration("COORDINATOR_IO_TIMEOUT", cfg.IOTimeout)

	return cfg
}

// Validate rejects configurations the coordinator cannot run with.
func (c CoordinatorConfig) Validate() error {
	positive := map[string]time.Duration{
		"grace period":              c.GracePeriod,
		"AI session grace period":   c.AISessionGracePeriod,
		"max call duration":         c.MaxCallDuration,
		"pending signal window":     c.PendingSignalWindow,
		"pending transcript window": c.PendingTranscriptWindow,
		"pending mapping window":    c.PendingMappingWindow,
		"purge delay":               c.PurgeDelay,
		"staleness interval":        c.StalenessInterval,
		"stale threshold":           c.StaleThreshold,
		"reconcile interval":        c.ReconcileInterval,
		"reconcile threshold":       c.ReconcileThreshold,
		"io timeout":                c.IOTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.AISessionGracePeriod > c.GracePeriod {
		return fmt.Errorf("AI session grace period (%s) must not exceed grace period (%s)", c.AISessionGracePeriod, c.GracePeriod)
	}
	if c.OrphanStaleThreshold < c.StaleThreshold {
		return fmt.Errorf("orphan stale threshold (%s) must be at least the stale threshold (%s)", c.OrphanStaleThreshold, c.StaleThreshold)
	}
	if c.ReconcileBatchSize <= 0 {
		return fmt.Errorf("reconcile batch size must be positive")
	}
	if c.ProviderPollRate <= 0 || c.ProviderPollBurst <= 0 || c.ProviderPollConcurrency <= 0 {
		return fmt.Errorf("provider poll rate, burst and concurrency must be positive")
	}
	return nil
}
