package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/domain"
	"github.com/ClareAI/astra-call-coordinator/pkg/logger"
	"github.com/ClareAI/astra-call-coordinator/pkg/redis"
	"go.uber.org/zap"
)

const (
	SessionEndedChannel = "astra:voice:session:ended"
	SessionTTL          = 1 * time.Hour
)

// EndedMessage is the payload voice pods publish when an AI session closes.
type EndedMessage struct {
	SessionID string `json:"sessionId"`
}

// Manager reads and removes the session rows voice pods keep in Redis.
// A session is stored under its session id with secondary keys by
// telephony call SID and conference id pointing back at it.
type Manager struct {
	redisSvc redis.RedisServiceInterface
	podID    string
}

func NewManager(redisSvc redis.RedisServiceInterface, podID string) *Manager {
	return &Manager{
		redisSvc: redisSvc,
		podID:    podID,
	}
}

func (m *Manager) infoKey(sessionID string) string {
	return m.redisSvc.GenerateKey(redis.SESSION_INFO, sessionID)
}

func (m *Manager) indexKeys(info *domain.SessionInfo) []string {
	var keys []string
	if info.TelephonyCallID != "" {
		keys = append(keys, m.redisSvc.GenerateKey(redis.SESSION_BY_TELEPHONY, info.TelephonyCallID))
	}
	if info.ConferenceID != "" {
		keys = append(keys, m.redisSvc.GenerateKey(redis.SESSION_BY_CONFERENCE, info.ConferenceID))
	}
	return keys
}

// Register writes a session row and its secondary keys.
func (m *Manager) Register(ctx context.Context, info domain.SessionInfo) error {
	if info.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if info.PodID == "" {
		info.PodID = m.podID
	}
	if info.StartTime.IsZero() {
		info.StartTime = time.Now()
	}
	if info.State == "" {
		info.State = domain.SessionConnecting
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := m.redisSvc.SetValue(ctx, m.infoKey(info.SessionID), string(data), SessionTTL); err != nil {
		return fmt.Errorf("failed to store session %s: %w", info.SessionID, err)
	}
	for _, key := range m.indexKeys(&info) {
		if err := m.redisSvc.SetValue(ctx, key, info.SessionID, SessionTTL); err != nil {
			return fmt.Errorf("failed to index session %s: %w", info.SessionID, err)
		}
	}

	logger.Base().Info("Session registered in Redis", zap.String("session_id", info.SessionID), zap.String("pod_id", info.PodID))
	return nil
}

// GetByExternalID finds the session for a telephony call SID, conference id
// or session id, in that order. It returns (nil, nil) when none matches.
func (m *Manager) GetByExternalID(ctx context.Context, externalID string) (*domain.SessionInfo, error) {
	sessionID, err := m.resolveSessionID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, nil
	}

	raw, err := m.redisSvc.GetValue(ctx, m.infoKey(sessionID))
	if err != nil {
		if redis.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}

	var info domain.SessionInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", sessionID, err)
	}
	if info.SessionID == "" {
		info.SessionID = sessionID
	}
	return &info, nil
}

func (m *Manager) resolveSessionID(ctx context.Context, externalID string) (string, error) {
	for _, keyType := range []redis.KeyType{redis.SESSION_BY_TELEPHONY, redis.SESSION_BY_CONFERENCE} {
		sessionID, err := m.redisSvc.GetValue(ctx, m.redisSvc.GenerateKey(keyType, externalID))
		if err == nil && sessionID != "" {
			return sessionID, nil
		}
		if err != nil && !redis.IsNotExist(err) {
			return "", fmt.Errorf("failed to resolve session for %s: %w", externalID, err)
		}
	}

	// the id may already be a session id
	_, err := m.redisSvc.GetValue(ctx, m.infoKey(externalID))
	if err == nil {
		return externalID, nil
	}
	if redis.IsNotExist(err) {
		return "", nil
	}
	return "", fmt.Errorf("failed to resolve session for %s: %w", externalID, err)
}

// DeleteByExternalID removes the session matching externalID together with
// its secondary keys. A missing session is not an error.
func (m *Manager) DeleteByExternalID(ctx context.Context, externalID string) error {
	info, err := m.GetByExternalID(ctx, externalID)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}

	keys := append([]string{m.infoKey(info.SessionID)}, m.indexKeys(info)...)
	if err := m.redisSvc.DelValue(ctx, keys...); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", info.SessionID, err)
	}
	logger.Base().Info("Session removed from Redis", zap.String("session_id", info.SessionID), zap.String("external_id", externalID))
	return nil
}

// NotifyEnded publishes an AI session end notification.
func (m *Manager) NotifyEnded(ctx context.Context, sessionID string) error {
	return m.redisSvc.Publish(ctx, SessionEndedChannel, EndedMessage{SessionID: sessionID})
}

// SubscribeToEnded delivers AI session end notifications published on channel
// until ctx is done. An empty channel means SessionEndedChannel.
func (m *Manager) SubscribeToEnded(ctx context.Context, channel string, handler func(sessionID string)) error {
	if channel == "" {
		channel = SessionEndedChannel
	}
	return m.redisSvc.Subscribe(ctx, channel, func(payload string) {
		var msg EndedMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			logger.Base().Error("Failed to unmarshal session ended message", zap.Error(err))
			return
		}
		if msg.SessionID == "" {
			logger.Base().Warn("Session ended message without session id", zap.String("payload", payload))
			return
		}
		handler(msg.SessionID)
	})
}
