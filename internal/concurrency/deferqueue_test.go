// File: internal/concurrency/deferqueue_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeferRejectsNilTask(t *testing.T) {
	dq := NewDeferQueue()
	if err := dq.Defer(nil, nil, nil); err != ErrNilTask {
		t.Fatalf("nil task: got %v", err)
	}
}

func TestPerformDrainsInProducerOrder(t *testing.T) {
	dq := NewDeferQueue()
	var got []int
	for i := 0; i < 100; i++ {
		_ = dq.Defer(func(a, _ any) { got = append(got, a.(int)) }, i, nil)
	}
	if !dq.HasQueue() {
		t.Fatal("queue should report pending tasks")
	}
	if n := dq.Perform(); n != 100 {
		t.Fatalf("Perform ran %d tasks, want 100", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran out of order (saw %d)", i, v)
		}
	}
	if dq.HasQueue() {
		t.Fatal("queue should be empty after Perform")
	}
}

func TestPerformRunsTasksEnqueuedWhileDraining(t *testing.T) {
	dq := NewDeferQueue()
	var count int32
	_ = dq.Defer(func(_, _ any) {
		atomic.AddInt32(&count, 1)
		_ = dq.Defer(func(_, _ any) { atomic.AddInt32(&count, 1) }, nil, nil)
	}, nil, nil)
	dq.Perform()
	if atomic.LoadInt32(&count) != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	dq := NewDeferQueue()
	var after int32
	_ = dq.Defer(func(_, _ any) { panic("boom") }, nil, nil)
	_ = dq.Defer(func(_, _ any) { atomic.AddInt32(&after, 1) }, nil, nil)
	dq.Perform()
	if atomic.LoadInt32(&after) != 1 {
		t.Fatal("task after the panicking one did not run")
	}
}

func TestConcurrentProducersAllDrain(t *testing.T) {
	dq := NewDeferQueue()
	const producers = 8
	const perProducer = 500
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = dq.Defer(func(_, _ any) {}, nil, nil)
			}
		}()
	}
	var drained int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		idle := 0
		for atomic.LoadInt64(&drained) < producers*perProducer {
			n := dq.Perform()
			atomic.AddInt64(&drained, int64(n))
			if n == 0 {
				idle = Throttle(idle, time.Millisecond)
			}
		}
	}()
	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("drained only %d of %d tasks", atomic.LoadInt64(&drained), producers*perProducer)
	}
}

func TestWakeHookFiresOnDefer(t *testing.T) {
	dq := NewDeferQueue()
	var woke int32
	dq.SetWake(func() { atomic.AddInt32(&woke, 1) })
	_ = dq.Defer(func(_, _ any) {}, nil, nil)
	if atomic.LoadInt32(&woke) != 1 {
		t.Fatal("wake hook did not fire on enqueue")
	}
}
