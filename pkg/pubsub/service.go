package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/ClareAI/astra-call-coordinator/internal/core/event"
	"github.com/ClareAI/astra-call-coordinator/pkg/logger"
	"go.uber.org/zap"
)

type PubSubConfig struct {
	ProjectID string
	TopicName string
	// PubID prefixes the "name" attribute so subscriptions can filter by
	// environment ("", "beta", "qa", "stage").
	PubID string
}

// PubSubService publishes call lifecycle events to a Pub/Sub topic.
type PubSubService struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	config *PubSubConfig
}

func NewPubSubService(ctx context.Context, cfg *PubSubConfig) (*PubSubService, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("PubSub project ID is required")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create PubSub client: %w", err)
	}

	topic := client.Topic(cfg.TopicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check if topic exists: %w", err)
	}

	if !exists {
		logger.Base().Info("Topic does not exist, creating", zap.String("topic", cfg.TopicName))
		topic, err = client.CreateTopic(ctx, cfg.TopicName)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create topic %s: %w", cfg.TopicName, err)
		}
		logger.Base().Info("Topic created successfully", zap.String("topic", cfg.TopicName))
	}

	return &PubSubService{
		client: client,
		topic:  topic,
		config: cfg,
	}, nil
}

// PublishCallEvent publishes ev and waits for the server ack.
func (p *PubSubService) PublishCallEvent(ctx context.Context, ev *event.CallEvent) error {
	message, err := buildMessage(p.config.PubID, ev)
	if err != nil {
		return err
	}

	result := p.topic.Publish(ctx, message)
	serverID, err := result.Get(ctx)
	if err != nil {
		logger.Base().Error("Failed to publish call event",
			zap.String("call_id", ev.CallID), zap.String("event_id", ev.ID), zap.Int("attempt", ev.Attempt), zap.Error(err))
		return fmt.Errorf("failed to publish call event: %w", err)
	}

	logger.Base().Info("Published call event",
		zap.String("call_id", ev.CallID), zap.String("event_type", string(ev.Type)), zap.String("event_id", ev.ID), zap.String("server_id", serverID))
	return nil
}

// buildMessage encodes ev as JSON. The event id doubles as the name
// attribute so consumers can drop redeliveries.
func buildMessage(pubID string, ev *event.CallEvent) (*pubsub.Message, error) {
	if ev == nil {
		return nil, fmt.Errorf("event is nil")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal call event: %w", err)
	}

	prefix := strings.TrimSuffix(pubID, ":")
	if prefix != "" {
		prefix += ":"
	}

	return &pubsub.Message{
		Attributes: map[string]string{
			"name":       prefix + ev.ID,
			"event_type": string(ev.Type),
			"call_id":    ev.CallID,
		},
		Data: data,
	}, nil
}

func (p *PubSubService) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
