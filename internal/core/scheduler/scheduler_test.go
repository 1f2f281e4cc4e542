package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond)
}

func TestScheduleRunsAfterDelay(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk)

	var ran int32
	s.Schedule("grace:C1", 30*time.Second, func() { atomic.AddInt32(&ran, 1) })

	due, ok := s.Due("grace:C1")
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(30*time.Second), due)
	assert.True(t, s.Pending("grace:C1"))

	clk.Add(29 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&ran))

	clk.Add(time.Second)
	waitFor(t, func() bool { return atomic.LoadInt32(&ran) == 1 })
	assert.False(t, s.Pending("grace:C1"))
	assert.Zero(t, s.Len())
}

func TestScheduleReplacesSameKey(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk)

	var first, second int32
	s.Schedule("k", 10*time.Second, func() { atomic.AddInt32(&first, 1) })
	s.Schedule("k", 20*time.Second, func() { atomic.AddInt32(&second, 1) })
	assert.Equal(t, 1, s.Len())

	clk.Add(20 * time.Second)
	waitFor(t, func() bool { return atomic.LoadInt32(&second) == 1 })
	assert.Zero(t, atomic.LoadInt32(&first))
}

func TestCancel(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk)

	var ran int32
	s.Schedule("k", time.Second, func() { atomic.AddInt32(&ran, 1) })
	assert.True(t, s.Cancel("k"))
	assert.False(t, s.Cancel("k"))

	clk.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&ran))

	_, ok := s.Due("k")
	assert.False(t, ok)
}

func TestPanicIsRecovered(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk)

	var after int32
	s.Schedule("boom", time.Second, func() { panic("boom") })
	s.Schedule("ok", 2*time.Second, func() { atomic.AddInt32(&after, 1) })

	clk.Add(2 * time.Second)
	waitFor(t, func() bool { return atomic.LoadInt32(&after) == 1 })
}

func TestStopCancelsEverything(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk)

	var ran int32
	for _, k := range []string{"a", "b", "c"} {
		s.Schedule(k, time.Second, func() { atomic.AddInt32(&ran, 1) })
	}
	s.Stop()
	assert.Zero(t, s.Len())

	clk.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&ran))
}

func TestNilClockUsesWallTime(t *testing.T) {
	s := New(nil)
	done := make(chan struct{})
	s.Schedule("k", time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}
