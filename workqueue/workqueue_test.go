package workqueue

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleFinalizesDone(t *testing.T) {
	q := New("test-done", time.Millisecond)
	defer q.Stop()

	var calls int32
	q.Schedule(func(arg interface{}, timedOut bool) Result {
		atomic.AddInt32(&calls, 1)
		return Done
	}, "payload", time.Time{})

	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 1 })
}

func TestScheduleRetriesAgain(t *testing.T) {
	q := New("test-again", time.Millisecond)
	defer q.Stop()

	var calls int32
	q.Schedule(func(arg interface{}, timedOut bool) Result {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return Again
		}
		return Done
	}, "payload", time.Time{})

	waitFor(t, func() bool { return atomic.LoadInt32(&calls) >= 3 })
}

func TestStopHaltsWorker(t *testing.T) {
	q := New("test-stop", time.Millisecond)

	var calls int32
	q.Schedule(func(arg interface{}, timedOut bool) Result {
		atomic.AddInt32(&calls, 1)
		return Done
	}, "payload", time.Time{})

	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 1 })

	q.Stop()

	// Scheduling after Stop does not panic, and nothing drains it again.
	q.Schedule(func(interface{}, bool) Result {
		atomic.AddInt32(&calls, 1)
		return Done
	}, nil, time.Time{})

	time.Sleep(5 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("handler calls after Stop = %d, want 1", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}

	t.Fatal("condition was never satisfied")
}
