package notify

import (
	"context"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/core/event"
)

// Publisher is satisfied by redis.RedisServiceInterface.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// RedisBroadcaster republishes call.ended on a Redis channel so voice pods
// can tear down any media still attached to the call.
type RedisBroadcaster struct {
	publisher Publisher
	channel   string
	timeout   time.Duration
}

func NewRedisBroadcaster(publisher Publisher, channel string) *RedisBroadcaster {
	return &RedisBroadcaster{publisher: publisher, channel: channel, timeout: defaultTimeout}
}

func (b *RedisBroadcaster) Name() string { return "redis-broadcast" }

func (b *RedisBroadcaster) Handle(ev *event.CallEvent) error {
	data, err := endedData(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	return b.publisher.Publish(ctx, b.channel, data)
}
