// Package notify forwards finalized calls to downstream systems. Each
// forwarder is a bus subscriber; a returned error is retried by the bus
// middleware, so forwarders must tolerate redelivery of the same event id.
package notify

import (
	"fmt"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/core/event"
)

const defaultTimeout = 10 * time.Second

// Forwarder consumes call.ended events.
type Forwarder interface {
	Name() string
	Handle(ev *event.CallEvent) error
}

// Subscriber is the part of the event bus forwarders attach to.
type Subscriber interface {
	Subscribe(eventType event.EventType, name string, handler event.EventHandler) error
}

// Register subscribes every non-nil forwarder to call.ended.
func Register(bus Subscriber, forwarders ...Forwarder) error {
	for _, f := range forwarders {
		if f == nil {
			continue
		}
		if err := bus.Subscribe(event.CallEnded, f.Name(), f.Handle); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", f.Name(), err)
		}
	}
	return nil
}

func endedData(ev *event.CallEvent) (*event.CallEndedData, error) {
	data, ok := ev.GetCallEndedData()
	if !ok || data == nil {
		return nil, fmt.Errorf("event %s has no call.ended payload", ev.ID)
	}
	return data, nil
}
