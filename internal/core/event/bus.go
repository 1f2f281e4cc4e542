package event

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ClareAI/astra-call-coordinator/pkg/logger"
	"go.uber.org/zap"
)

// ErrBusClosed is returned when publishing or subscribing after Close.
var ErrBusClosed = errors.New("event bus is closed")

// EventHandler handles a single event. A non-nil error marks the delivery as
// failed so that retry middleware can redeliver it.
type EventHandler func(event *CallEvent) error

// EventMiddleware represents middleware that can wrap event handlers
type EventMiddleware func(next EventHandler) EventHandler

// EventBus defines the interface for event bus operations
type EventBus interface {
	PublishEvent(ctx context.Context, event *CallEvent) error
	Subscribe(eventType EventType, name string, handler EventHandler) error
	Use(middleware ...EventMiddleware)
	Close() error
	GetStats() BusStats
}

// BusStats contains statistics about the event bus
type BusStats struct {
	TotalEvents     int64            `json:"total_events"`
	EventsByType    map[string]int64 `json:"events_by_type"`
	FailedHandlers  int64            `json:"failed_handlers"`
	ActiveHandlers  int              `json:"active_handlers"`
	SubscriberCount map[string]int   `json:"subscriber_count"`
}

type subscription struct {
	name    string
	handler EventHandler
}

// DefaultEventBus delivers each event to every subscriber on its own goroutine.
type DefaultEventBus struct {
	subscribers map[EventType][]subscription
	middleware  []EventMiddleware
	mutex       sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	stats       BusStats
	statsMutex  sync.Mutex
}

// NewEventBus creates a new event bus instance
func NewEventBus() *DefaultEventBus {
	ctx, cancel := context.WithCancel(context.Background())

	return &DefaultEventBus{
		subscribers: make(map[EventType][]subscription),
		ctx:         ctx,
		cancel:      cancel,
		stats: BusStats{
			EventsByType:    make(map[string]int64),
			SubscriberCount: make(map[string]int),
		},
	}
}

// PublishEvent fans the event out to all subscribers of its type. It never
// blocks on handlers.
func (b *DefaultEventBus) PublishEvent(ctx context.Context, event *CallEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	// Close cancels under the write lock, so deliveries added here are
	// always counted before it waits.
	b.mutex.RLock()
	select {
	case <-b.ctx.Done():
		b.mutex.RUnlock()
		return ErrBusClosed
	default:
	}
	subs := make([]subscription, len(b.subscribers[event.Type]))
	copy(subs, b.subscribers[event.Type])
	chain := make([]EventMiddleware, len(b.middleware))
	copy(chain, b.middleware)
	b.wg.Add(len(subs))
	b.mutex.RUnlock()

	b.updateStats(event.Type)

	if len(subs) == 0 {
		logger.Base().Debug("No subscribers for event type", zap.String("type", string(event.Type)), zap.String("call_id", event.CallID))
		return nil
	}

	for _, sub := range subs {
		go func(s subscription) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.markFailed()
					logger.Base().Error("Event handler panic", zap.String("type", string(event.Type)), zap.String("subscriber", s.name), zap.Any("panic", r))
				}
			}()

			final := s.handler
			for i := len(chain) - 1; i >= 0; i-- {
				final = chain[i](final)
			}

			// Each subscriber gets its own copy so attempts do not race.
			delivered := *event
			if err := final(&delivered); err != nil {
				b.markFailed()
				logger.Base().Error("Event delivery failed", zap.String("type", string(event.Type)), zap.String("subscriber", s.name), zap.String("call_id", event.CallID), zap.Error(err))
			}
		}(sub)
	}

	return nil
}

// Subscribe registers handler for eventType under a descriptive name.
func (b *DefaultEventBus) Subscribe(eventType EventType, name string, handler EventHandler) error {
	select {
	case <-b.ctx.Done():
		return ErrBusClosed
	default:
	}

	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	b.mutex.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{name: name, handler: handler})
	b.mutex.Unlock()

	b.statsMutex.Lock()
	b.stats.SubscriberCount[string(eventType)]++
	b.stats.ActiveHandlers++
	b.statsMutex.Unlock()

	logger.Base().Info("Subscribed to event type", zap.String("event_type", string(eventType)), zap.String("subscriber", name))
	return nil
}

// Use appends middleware; the first registered is the outermost.
func (b *DefaultEventBus) Use(middleware ...EventMiddleware) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.middleware = append(b.middleware, middleware...)
}

// Close stops accepting events and waits for in-flight deliveries.
func (b *DefaultEventBus) Close() error {
	b.mutex.Lock()
	b.cancel()
	b.mutex.Unlock()
	b.wg.Wait()

	b.mutex.Lock()
	b.subscribers = make(map[EventType][]subscription)
	b.middleware = nil
	b.mutex.Unlock()

	logger.Base().Info("Event bus closed")
	return nil
}

// Done is closed when the bus is closed; retry middleware uses it to stop waiting.
func (b *DefaultEventBus) Done() <-chan struct{} {
	return b.ctx.Done()
}

// GetStats returns a copy of the current bus statistics
func (b *DefaultEventBus) GetStats() BusStats {
	b.statsMutex.Lock()
	defer b.statsMutex.Unlock()

	stats := BusStats{
		TotalEvents:     b.stats.TotalEvents,
		EventsByType:    make(map[string]int64, len(b.stats.EventsByType)),
		FailedHandlers:  b.stats.FailedHandlers,
		ActiveHandlers:  b.stats.ActiveHandlers,
		SubscriberCount: make(map[string]int, len(b.stats.SubscriberCount)),
	}
	for k, v := range b.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	for k, v := range b.stats.SubscriberCount {
		stats.SubscriberCount[k] = v
	}
	return stats
}

func (b *DefaultEventBus) updateStats(eventType EventType) {
	b.statsMutex.Lock()
	defer b.statsMutex.Unlock()

	b.stats.TotalEvents++
	b.stats.EventsByType[string(eventType)]++
}

func (b *DefaultEventBus) markFailed() {
	b.statsMutex.Lock()
	b.stats.FailedHandlers++
	b.statsMutex.Unlock()
}
