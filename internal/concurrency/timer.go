// File: internal/concurrency/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Min-heap timer queue for periodic and one-shot scheduled tasks. Due jobs
// are handed to the defer queue, never run on the sweeping thread.

package concurrency

import (
	"container/heap"
	"sync"
	"time"
)

// TimerTask is a scheduled callback. Returning a non-nil error cancels the
// remaining repetitions.
type TimerTask func(arg any) error

type timerJob struct {
	deadline int64 // unix milliseconds
	interval int64 // milliseconds
	remain   int64 // fires left; <0 means forever
	task     TimerTask
	arg      any
	onFinish func(arg any)
	canceled bool
	index    int
}

type timerHeap []*timerJob

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)         { j := x.(*timerJob); j.index = len(*h); *h = append(*h, j) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// TimerQueue schedules tasks onto a DeferQueue when their deadline passes.
type TimerQueue struct {
	mu   sync.Mutex
	heap timerHeap
	wake func()
}

// NewTimerQueue creates an empty timer queue.
func NewTimerQueue() *TimerQueue { return &TimerQueue{} }

// SetWake installs the poller wake-up hook, invoked whenever a schedule
// change may shorten the next poll timeout.
func (tq *TimerQueue) SetWake(fn func()) { tq.wake = fn }

// RunEvery schedules task to run every milliseconds ms. repetitions == 0
// repeats forever; otherwise the task fires exactly repetitions times.
// onFinish (optional) runs once the timer is exhausted or canceled, even
// when the task aborts with an error.
func (tq *TimerQueue) RunEvery(milliseconds int64, repetitions int64, task TimerTask, arg any, onFinish func(arg any)) error {
	if task == nil {
		return ErrNilTask
	}
	if milliseconds < 1 {
		milliseconds = 1
	}
	remain := repetitions
	if repetitions == 0 {
		remain = -1
	}
	j := &timerJob{
		deadline: nowMillis() + milliseconds,
		interval: milliseconds,
		remain:   remain,
		task:     task,
		arg:      arg,
		onFinish: onFinish,
	}
	tq.mu.Lock()
	heap.Push(&tq.heap, j)
	first := tq.heap[0] == j
	tq.mu.Unlock()
	if first && tq.wake != nil {
		tq.wake()
	}
	return nil
}

// NextDelay returns milliseconds until the earliest deadline, or -1 when
// nothing is scheduled.
func (tq *TimerQueue) NextDelay(nowMs int64) int64 {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	if len(tq.heap) == 0 {
		return -1
	}
	d := tq.heap[0].deadline - nowMs
	if d < 0 {
		d = 0
	}
	return d
}

// Fire pops every due job and defers its execution onto dq. Returns the
// number of jobs dispatched.
func (tq *TimerQueue) Fire(nowMs int64, dq *DeferQueue) int {
	n := 0
	for {
		tq.mu.Lock()
		if len(tq.heap) == 0 || tq.heap[0].deadline > nowMs {
			tq.mu.Unlock()
			return n
		}
		j := heap.Pop(&tq.heap).(*timerJob)
		tq.mu.Unlock()
		_ = dq.Defer(tq.runJob, j, nil)
		n++
	}
}

// runJob executes a due job on a defer worker and reschedules it when
// repetitions remain.
func (tq *TimerQueue) runJob(arg1, _ any) {
	j := arg1.(*timerJob)
	if j.canceled {
		tq.finish(j)
		return
	}
	err := j.task(j.arg)
	if j.remain > 0 {
		j.remain--
	}
	if err != nil || j.remain == 0 {
		tq.finish(j)
		return
	}
	j.deadline = nowMillis() + j.interval
	tq.mu.Lock()
	heap.Push(&tq.heap, j)
	tq.mu.Unlock()
}

func (tq *TimerQueue) finish(j *timerJob) {
	if j.onFinish != nil {
		j.onFinish(j.arg)
	}
}

// Clear cancels every pending job, running each onFinish callback.
func (tq *TimerQueue) Clear() {
	tq.mu.Lock()
	jobs := tq.heap
	tq.heap = nil
	tq.mu.Unlock()
	for _, j := range jobs {
		j.canceled = true
		tq.finish(j)
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
