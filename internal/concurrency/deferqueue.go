// File: internal/concurrency/deferqueue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// MPMC deferred-task queue. Any goroutine may enqueue; reactor threads and
// dedicated workers drain between poll cycles. Tasks from one producer keep
// their order; there is no cross-producer ordering.

package concurrency

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// ErrNilTask is returned when a nil function is deferred.
var ErrNilTask = errors.New("defer: nil task")

// Task is one deferred unit of work with its two opaque arguments.
type Task struct {
	Fn   func(arg1, arg2 any)
	Arg1 any
	Arg2 any
}

// DeferQueue is a multi-producer multi-consumer FIFO of deferred tasks.
// A wake function, when installed, is invoked on enqueue so that pollers
// sleeping in the kernel notice new work immediately.
type DeferQueue struct {
	mu    sync.Mutex
	ring  *queue.Queue
	wake  func()
	count int64 // atomic mirror of ring length, read without the lock
}

// NewDeferQueue creates an empty queue.
func NewDeferQueue() *DeferQueue {
	return &DeferQueue{ring: queue.New()}
}

// SetWake installs the poller wake-up hook. Must be called before the
// reactor starts; not synchronized against concurrent Defer calls.
func (d *DeferQueue) SetWake(fn func()) { d.wake = fn }

// Defer enqueues fn to run with the two arguments. Safe from any goroutine.
func (d *DeferQueue) Defer(fn func(arg1, arg2 any), arg1, arg2 any) error {
	if fn == nil {
		return ErrNilTask
	}
	d.mu.Lock()
	d.ring.Add(Task{Fn: fn, Arg1: arg1, Arg2: arg2})
	atomic.AddInt64(&d.count, 1)
	d.mu.Unlock()
	if d.wake != nil {
		d.wake()
	}
	return nil
}

// HasQueue reports whether any tasks are pending.
func (d *DeferQueue) HasQueue() bool { return atomic.LoadInt64(&d.count) > 0 }

// Len returns the number of pending tasks.
func (d *DeferQueue) Len() int { return int(atomic.LoadInt64(&d.count)) }

// pop removes the head task, if any.
func (d *DeferQueue) pop() (Task, bool) {
	d.mu.Lock()
	if d.ring.Length() == 0 {
		d.mu.Unlock()
		return Task{}, false
	}
	t := d.ring.Remove().(Task)
	atomic.AddInt64(&d.count, -1)
	d.mu.Unlock()
	return t, true
}

// Perform drains the queue, running every task that is ready. Tasks
// enqueued while draining are executed as well. A panicking task does not
// take the calling goroutine down. Returns the number of tasks executed.
func (d *DeferQueue) Perform() int {
	n := 0
	for {
		t, ok := d.pop()
		if !ok {
			return n
		}
		runTask(t)
		n++
	}
}

func runTask(t Task) {
	defer func() { _ = recover() }()
	t.Fn(t.Arg1, t.Arg2)
}

// Throttle sleeps the calling goroutine progressively longer the more
// consecutive idle rounds it has seen, doubling from 1us up to the cap.
// It returns the next idle count to pass back in.
func Throttle(idleRounds int, cap time.Duration) int {
	if cap <= 0 {
		cap = 4 * time.Millisecond
	}
	d := time.Microsecond << uint(idleRounds)
	if d >= cap {
		d = cap
	} else {
		idleRounds++
	}
	time.Sleep(d)
	return idleRounds
}
