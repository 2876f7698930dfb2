// File: internal/concurrency/timer_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// pump drains timers into the defer queue until the predicate holds or the
// deadline passes.
func pump(t *testing.T, tq *TimerQueue, dq *DeferQueue, timeout time.Duration, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		tq.Fire(time.Now().UnixMilli(), dq)
		dq.Perform()
		if ok() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timer condition not reached in time")
}

func TestRunEveryFixedRepetitions(t *testing.T) {
	dq := NewDeferQueue()
	tq := NewTimerQueue()
	var fires, finished int32
	err := tq.RunEvery(5, 3, func(any) error {
		atomic.AddInt32(&fires, 1)
		return nil
	}, nil, func(any) { atomic.AddInt32(&finished, 1) })
	if err != nil {
		t.Fatalf("RunEvery: %v", err)
	}
	pump(t, tq, dq, 2*time.Second, func() bool { return atomic.LoadInt32(&finished) == 1 })
	if n := atomic.LoadInt32(&fires); n != 3 {
		t.Fatalf("task fired %d times, want 3", n)
	}
}

func TestRunEveryErrorCancels(t *testing.T) {
	dq := NewDeferQueue()
	tq := NewTimerQueue()
	var fires, finished int32
	_ = tq.RunEvery(5, 0, func(any) error {
		if atomic.AddInt32(&fires, 1) == 2 {
			return errors.New("stop")
		}
		return nil
	}, nil, func(any) { atomic.AddInt32(&finished, 1) })
	pump(t, tq, dq, 2*time.Second, func() bool { return atomic.LoadInt32(&finished) == 1 })
	if n := atomic.LoadInt32(&fires); n != 2 {
		t.Fatalf("task fired %d times, want 2", n)
	}
	// Nothing left on the heap.
	if d := tq.NextDelay(time.Now().UnixMilli()); d != -1 {
		t.Fatalf("NextDelay = %d, want -1", d)
	}
}

func TestNextDelayTracksEarliestDeadline(t *testing.T) {
	tq := NewTimerQueue()
	_ = tq.RunEvery(500, 1, func(any) error { return nil }, nil, nil)
	_ = tq.RunEvery(50, 1, func(any) error { return nil }, nil, nil)
	d := tq.NextDelay(time.Now().UnixMilli())
	if d < 0 || d > 60 {
		t.Fatalf("NextDelay = %d, want <= 60", d)
	}
}

func TestClearRunsOnFinish(t *testing.T) {
	tq := NewTimerQueue()
	var finished int32
	for i := 0; i < 4; i++ {
		_ = tq.RunEvery(10_000, 0, func(any) error { return nil }, nil, func(any) { atomic.AddInt32(&finished, 1) })
	}
	tq.Clear()
	if n := atomic.LoadInt32(&finished); n != 4 {
		t.Fatalf("onFinish ran %d times, want 4", n)
	}
}

func TestTimerArgRoundTrip(t *testing.T) {
	dq := NewDeferQueue()
	tq := NewTimerQueue()
	var got atomic.Value
	_ = tq.RunEvery(5, 1, func(arg any) error {
		got.Store(arg.(string))
		return nil
	}, "payload", nil)
	pump(t, tq, dq, 2*time.Second, func() bool { return got.Load() != nil })
	if got.Load().(string) != "payload" {
		t.Fatalf("arg = %v", got.Load())
	}
}
