package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(zap.NewNop())
	t.Cleanup(s.Stop)
	return s
}

func TestTickerFiresRepeatedly(t *testing.T) {
	s := newTestScheduler(t)

	var sweeps int32
	s.AddTicker("cooling_off_sweep", 20*time.Millisecond, func() {
		atomic.AddInt32(&sweeps, 1)
	})

	time.Sleep(120 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&sweeps), int32(3))
}

func TestTickerReplacementStopsOld(t *testing.T) {
	s := newTestScheduler(t)

	var old, fresh int32
	s.AddTicker("ranking_refresh", 20*time.Millisecond, func() { atomic.AddInt32(&old, 1) })
	time.Sleep(30 * time.Millisecond)
	s.AddTicker("ranking_refresh", 20*time.Millisecond, func() { atomic.AddInt32(&fresh, 1) })
	time.Sleep(80 * time.Millisecond)

	snap := atomic.LoadInt32(&old)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, snap, atomic.LoadInt32(&old), "replaced ticker must stop")
	assert.Positive(t, atomic.LoadInt32(&fresh))
}

func TestDelayFiresOnce(t *testing.T) {
	s := newTestScheduler(t)

	var fired int32
	s.AddDelay("resolve", 30*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestDelayReplacementCancelsOld(t *testing.T) {
	s := newTestScheduler(t)

	var fired int32
	s.AddDelay("resolve", 500*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	s.AddDelay("resolve", 30*time.Millisecond, func() { atomic.AddInt32(&fired, 10) })
	time.Sleep(100 * time.Millisecond)

	// Only the replacement fired.
	assert.Equal(t, int32(10), atomic.LoadInt32(&fired))
}

func TestRemoveStopsTicker(t *testing.T) {
	s := newTestScheduler(t)

	var count int32
	s.AddTicker("cooling_off_sweep", 20*time.Millisecond, func() { atomic.AddInt32(&count, 1) })
	time.Sleep(50 * time.Millisecond)
	s.Remove("cooling_off_sweep")
	snap := atomic.LoadInt32(&count)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, snap, atomic.LoadInt32(&count), "ticker must stop after Remove")
}

func TestRemoveCancelsDelay(t *testing.T) {
	s := newTestScheduler(t)

	var count int32
	s.AddDelay("resolve", 100*time.Millisecond, func() { atomic.AddInt32(&count, 1) })
	s.Remove("resolve")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	s := newTestScheduler(t)
	s.Remove("never_registered")
}

func TestStopHaltsEverything(t *testing.T) {
	s := New(zap.NewNop())

	var sweeps, refreshes int32
	s.AddTicker("cooling_off_sweep", 20*time.Millisecond, func() { atomic.AddInt32(&sweeps, 1) })
	s.AddTicker("ranking_refresh", 20*time.Millisecond, func() { atomic.AddInt32(&refreshes, 1) })
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	// Let the goroutines observe the stop signal before snapping counts.
	time.Sleep(30 * time.Millisecond)
	snap1, snap2 := atomic.LoadInt32(&sweeps), atomic.LoadInt32(&refreshes)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, snap1, atomic.LoadInt32(&sweeps))
	assert.Equal(t, snap2, atomic.LoadInt32(&refreshes))

	s.Stop() // double-stop must not panic
}

func TestListTickers(t *testing.T) {
	s := newTestScheduler(t)

	require.Empty(t, s.ListTickers())
	s.AddTicker("cooling_off_sweep", time.Hour, func() {})
	s.AddTicker("ranking_refresh", time.Hour, func() {})
	names := s.ListTickers()
	assert.Len(t, names, 2)
	assert.Contains(t, names, "cooling_off_sweep")
	assert.Contains(t, names, "ranking_refresh")

	s.Remove("cooling_off_sweep")
	assert.Equal(t, []string{"ranking_refresh"}, s.ListTickers())
}

func TestTickerSurvivesPanic(t *testing.T) {
	s := newTestScheduler(t)

	var after int32
	s.AddTicker("flaky", 20*time.Millisecond, func() {
		if atomic.AddInt32(&after, 1) == 1 {
			panic("sweep failed")
		}
	})
	// The first tick panics; later ticks keep running.
	time.Sleep(100 * time.Millisecond)
	assert.Greater(t, atomic.LoadInt32(&after), int32(1))
}
