package livekit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ClareAI/astra-call-coordinator/pkg/logger"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
	"go.uber.org/zap"
)

// RoomConfig holds LiveKit server configuration for room control
type RoomConfig struct {
	ServerURL string // LiveKit server URL
	APIKey    string // LiveKit API key
	APISecret string // LiveKit API secret
	// Only rooms with this prefix are closed. Conference ids from other
	// bridges (Twilio CF... sids) never match.
	RoomPrefix string
}

// Validate validates the LiveKit configuration
func (c *RoomConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("LiveKit server URL is required")
	}
	if c.APIKey == "" {
		return errors.New("LiveKit API key is required")
	}
	if c.APISecret == "" {
		return errors.New("LiveKit API secret is required")
	}
	return nil
}

type roomAPI interface {
	DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error)
}

// RoomService closes conference rooms on the LiveKit server.
type RoomService struct {
	client roomAPI
	prefix string
}

// NewRoomService creates a room service client
func NewRoomService(config *RoomConfig) (*RoomService, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid LiveKit config: %w", err)
	}
	client := lksdk.NewRoomServiceClient(config.ServerURL, config.APIKey, config.APISecret)

	logger.Base().Info("LiveKit room service initialized",
		zap.String("server_url", config.ServerURL),
		zap.String("room_prefix", config.RoomPrefix))
	return newRoomService(client, config.RoomPrefix), nil
}

func newRoomService(client roomAPI, prefix string) *RoomService {
	return &RoomService{client: client, prefix: prefix}
}

// Owns reports whether room is a LiveKit room this service may close.
func (s *RoomService) Owns(room string) bool {
	return room != "" && strings.HasPrefix(room, s.prefix)
}

// CloseRoom deletes the room, disconnecting any participant still in it.
// A room that no longer exists is not an error.
func (s *RoomService) CloseRoom(ctx context.Context, room string) error {
	if !s.Owns(room) {
		return nil
	}
	if _, err := s.client.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: room}); err != nil {
		if isNotFound(err) {
			logger.Base().Debug("LiveKit room already gone", zap.String("room_name", room))
			return nil
		}
		return fmt.Errorf("failed to delete room %s: %w", room, err)
	}
	logger.Base().Info("LiveKit room closed", zap.String("room_name", room))
	return nil
}

// the twirp client reports missing rooms with code "not_found"
func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not_found") || strings.Contains(msg, "not found")
}
