package event

import (
	"fmt"
	"time"

	"github.com/ClareAI/astra-call-coordinator/pkg/logger"
	"go.uber.org/zap"
)

// LoggingMiddleware logs each delivery and its outcome
func LoggingMiddleware(next EventHandler) EventHandler {
	return func(event *CallEvent) error {
		start := time.Now()
		err := next(event)
		fields := []zap.Field{
			zap.String("type", string(event.Type)),
			zap.String("call_id", event.CallID),
			zap.String("event_id", event.ID),
			zap.Int("attempt", event.Attempt),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			logger.Base().Warn("Event handler failed", append(fields, zap.Error(err))...)
		} else {
			logger.Base().Debug("Event handler completed", fields...)
		}
		return err
	}
}

// RecoveryMiddleware turns a handler panic into an error so retry middleware can see it
func RecoveryMiddleware(next EventHandler) EventHandler {
	return func(event *CallEvent) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Base().Error("Panic in event handler", zap.String("type", string(event.Type)), zap.String("call_id", event.CallID), zap.Any("panic", r))
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return next(event)
	}
}

// ValidationMiddleware drops malformed events before they reach handlers
func ValidationMiddleware(next EventHandler) EventHandler {
	return func(event *CallEvent) error {
		if event == nil {
			logger.Base().Error("Received nil event")
			return nil
		}
		if event.Type == "" {
			logger.Base().Error("Event type is empty", zap.String("call_id", event.CallID))
			return nil
		}
		if event.CallID == "" {
			logger.Base().Error("Call ID is empty", zap.String("type", string(event.Type)))
			return nil
		}
		if err := validateEventData(event); err != nil {
			logger.Base().Error("Invalid event data", zap.String("type", string(event.Type)), zap.String("call_id", event.CallID), zap.Error(err))
			return nil
		}
		return next(event)
	}
}

// RetryMiddleware redelivers failed events with linear backoff, giving
// at-least-once delivery to each subscriber for up to maxAttempts tries.
// done aborts the backoff wait, typically the bus Done channel.
func RetryMiddleware(maxAttempts int, backoff time.Duration, done <-chan struct{}) EventMiddleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return func(next EventHandler) EventHandler {
		return func(event *CallEvent) error {
			var err error
			for attempt := 1; attempt <= maxAttempts; attempt++ {
				// a timed-out attempt may still hold the previous copy
				delivery := *event
				delivery.Attempt = attempt
				if err = next(&delivery); err == nil {
					return nil
				}
				if attempt == maxAttempts {
					break
				}
				select {
				case <-time.After(backoff * time.Duration(attempt)):
				case <-done:
					return fmt.Errorf("bus closed after %d attempts: %w", attempt, err)
				}
			}
			return fmt.Errorf("giving up after %d attempts: %w", maxAttempts, err)
		}
	}
}

// TimeoutMiddleware fails a delivery whose handler runs longer than timeout.
// The handler goroutine is left to finish on its own.
func TimeoutMiddleware(timeout time.Duration) EventMiddleware {
	return func(next EventHandler) EventHandler {
		return func(event *CallEvent) error {
			done := make(chan error, 1)
			go func() {
				done <- next(event)
			}()

			select {
			case err := <-done:
				return err
			case <-time.After(timeout):
				return fmt.Errorf("handler timed out after %s", timeout)
			}
		}
	}
}

func validateEventData(event *CallEvent) error {
	switch event.Type {
	case CallEnded:
		data, ok := event.GetCallEndedData()
		if !ok {
			return fmt.Errorf("call ended data is required for %s", event.Type)
		}
		if !data.State.IsTerminal() {
			return fmt.Errorf("call ended with non-terminal state %q", data.State)
		}
	case CallRegistered:
		if _, ok := event.GetCallRegisteredData(); !ok {
			return fmt.Errorf("call registered data is required for %s", event.Type)
		}
	}
	return nil
}

// CreateDefaultMiddlewareChain is the chain used by the server: validation
// outermost, retries around recovery so panics are retried too.
func CreateDefaultMiddlewareChain(done <-chan struct{}) []EventMiddleware {
	return []EventMiddleware{
		ValidationMiddleware,
		RetryMiddleware(3, 500*time.Millisecond, done),
		LoggingMiddleware,
		TimeoutMiddleware(30 * time.Second),
		RecoveryMiddleware,
	}
}
