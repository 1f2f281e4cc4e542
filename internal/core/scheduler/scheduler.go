package scheduler

import (
	"sync"
	"time"

	"github.com/ClareAI/astra-call-coordinator/pkg/logger"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Scheduler runs one-shot tasks keyed by string. Scheduling a key that is
// already pending replaces the earlier task; a cancelled or replaced task never runs.
type Scheduler struct {
	clock clock.Clock
	tasks map[string]*task
	seq   uint64
	mutex sync.Mutex
}

type task struct {
	id    uint64
	timer *clock.Timer
	due   time.Time
}

// New creates a scheduler on the given clock. A nil clock means wall time.
func New(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		clock: clk,
		tasks: make(map[string]*task),
	}
}

// Clock returns the clock the scheduler runs on.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Schedule arranges for fn to run after d under key.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if prev, ok := s.tasks[key]; ok {
		prev.timer.Stop()
	}

	s.seq++
	id := s.seq
	t := &task{id: id, due: s.clock.Now().Add(d)}
	s.tasks[key] = t
	t.timer = s.clock.AfterFunc(d, func() {
		if !s.claim(key, id) {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				logger.Base().Error("Scheduled task panic", zap.String("key", key), zap.Any("panic", r))
			}
		}()
		fn()
	})
}

// claim removes the task if it is still the current one for key.
func (s *Scheduler) claim(key string, id uint64) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cur, ok := s.tasks[key]
	if !ok || cur.id != id {
		return false
	}
	delete(s.tasks, key)
	return true
}

// Cancel stops the task under key. It reports whether a pending task was removed.
func (s *Scheduler) Cancel(key string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	return true
}

// Pending reports whether a task is scheduled under key.
func (s *Scheduler) Pending(key string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Due returns when the task under key will run.
func (s *Scheduler) Due(key string) (time.Time, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return time.Time{}, false
	}
	return t.due, true
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.tasks)
}

// Stop cancels every pending task.
func (s *Scheduler) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for key, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, key)
	}
}
