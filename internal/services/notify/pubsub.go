package notify

import (
	"context"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/core/event"
)

// CallEventPublisher is satisfied by *pubsub.PubSubService.
type CallEventPublisher interface {
	PublishCallEvent(ctx context.Context, ev *event.CallEvent) error
}

// PubSubForwarder publishes call.ended to Pub/Sub for billing and analytics.
type PubSubForwarder struct {
	publisher CallEventPublisher
	timeout   time.Duration
}

func NewPubSubForwarder(publisher CallEventPublisher) *PubSubForwarder {
	return &PubSubForwarder{publisher: publisher, timeout: defaultTimeout}
}

func (f *PubSubForwarder) Name() string { return "pubsub" }

func (f *PubSubForwarder) Handle(ev *event.CallEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	return f.publisher.PublishCallEvent(ctx, ev)
}
