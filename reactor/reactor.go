// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The worker event loop. Every reactor thread runs the same cycle: drain
// the defer queue, wait for readiness, translate events into deferred
// callback dispatches, fire timers and sweep connection timeouts. The
// reactor never runs user code inline on the polling thread.

// Package reactor drives connection callbacks off OS readiness events.
package reactor

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/core/sock"
	"github.com/momentics/hioload-reactor/internal/concurrency"
	"github.com/momentics/hioload-reactor/internal/poller"
	"github.com/momentics/hioload-reactor/lifecycle"
)

// maxPollTimeoutMs bounds one kernel sleep so every thread revisits the
// timer wheel and stop flag at least once a second.
const maxPollTimeoutMs = 1000

// Reactor owns the poller and coordinates the per-worker threads.
type Reactor struct {
	table  *sock.Table
	poll   *poller.Poller
	defq   *concurrency.DeferQueue
	timers *concurrency.TimerQueue
	states *lifecycle.Registry

	running   int32
	stopping  int32
	lastTick  int64 // atomic, unix milliseconds
	lastSweep int64 // atomic, unix seconds
	wg        sync.WaitGroup
}

// New wires a reactor over the connection table. The reactor installs
// itself as the table's readiness notifier and as the defer queue's waker.
func New(t *sock.Table, dq *concurrency.DeferQueue, tq *concurrency.TimerQueue, states *lifecycle.Registry) (*Reactor, error) {
	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	r := &Reactor{table: t, poll: p, defq: dq, timers: tq, states: states}
	t.SetNotifier(r)
	dq.SetWake(p.WakeUp)
	tq.SetWake(p.WakeUp)
	return r, nil
}

// Table returns the connection table the reactor drives.
func (r *Reactor) Table() *sock.Table { return r.table }

// WantRead implements sock.Notifier.
func (r *Reactor) WantRead(fd int) { _ = r.poll.MonitorRead(fd) }

// WantWrite implements sock.Notifier.
func (r *Reactor) WantWrite(fd int) { _ = r.poll.MonitorWrite(fd) }

// Forget implements sock.Notifier.
func (r *Reactor) Forget(fd int) { r.poll.Forget(fd) }

// LastTick returns the time of the most recent poll review.
func (r *Reactor) LastTick() time.Time {
	return time.UnixMilli(atomic.LoadInt64(&r.lastTick))
}

// Run starts the given number of reactor threads and blocks until Stop.
func (r *Reactor) Run(threads int) {
	if threads < 1 {
		threads = 1
	}
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return
	}
	atomic.StoreInt64(&r.lastTick, time.Now().UnixMilli())
	for i := 0; i < threads; i++ {
		r.wg.Add(1)
		go r.loop()
	}
	r.wg.Wait()
	atomic.StoreInt32(&r.running, 0)
}

// Stop asks every reactor thread to exit after its current cycle.
func (r *Reactor) Stop() {
	atomic.StoreInt32(&r.stopping, 1)
	r.poll.WakeUp()
}

// Stopping reports whether Stop was requested.
func (r *Reactor) Stopping() bool { return atomic.LoadInt32(&r.stopping) != 0 }

// Close releases the poller. Call after Run returned.
func (r *Reactor) Close() { r.poll.Close() }

func (r *Reactor) loop() {
	defer r.wg.Done()
	wasBusy := true
	for {
		performed := r.defq.Perform()
		if r.Stopping() {
			return
		}
		timeout := r.pollTimeout()
		events, err := r.poll.Wait(timeout)
		if err != nil {
			if r.Stopping() {
				return
			}
			log.Printf("reactor: poll: %v", err)
			continue
		}
		now := time.Now().UnixMilli()
		atomic.StoreInt64(&r.lastTick, now)
		for i := range events {
			r.dispatch(&events[i])
		}
		r.timers.Fire(now, r.defq)
		r.sweep(now)
		busy := performed > 0 || len(events) > 0
		if wasBusy && !busy && r.states != nil {
			r.states.Fire(lifecycle.OnIdle)
		}
		wasBusy = busy
	}
}

func (r *Reactor) pollTimeout() int {
	if r.defq.HasQueue() {
		return 0
	}
	timeout := int64(maxPollTimeoutMs)
	if next := r.timers.NextDelay(time.Now().UnixMilli()); next >= 0 && next < timeout {
		timeout = next
	}
	return int(timeout)
}

// dispatch converts one readiness event into deferred callback work.
func (r *Reactor) dispatch(ev *poller.Event) {
	u := r.table.FdUUID(ev.FD)
	if u == api.InvalidUUID {
		r.poll.Forget(ev.FD)
		return
	}
	if ev.Events&poller.Hangup != 0 {
		// With data still readable and a protocol attached, let OnData
		// observe the EOF; otherwise tear the connection down.
		if ev.Events&poller.Readable == 0 || r.table.Protocol(u) == nil {
			_ = r.defq.Defer(r.taskForceClose, u, nil)
			return
		}
	}
	if ev.Events&poller.Readable != 0 {
		r.scheduleOnData(u)
	}
	if ev.Events&poller.Writable != 0 {
		_ = r.defq.Defer(r.taskFlush, u, nil)
	}
}

// scheduleOnData queues one OnData dispatch unless the connection is
// suspended or a dispatch is already queued.
func (r *Reactor) scheduleOnData(u api.UUID) {
	if r.table.Suspended(u) {
		return
	}
	if !r.table.TryReserveData(u) {
		return
	}
	_ = r.defq.Defer(r.taskOnData, u, nil)
}

func (r *Reactor) taskOnData(a1, _ any) {
	u := a1.(api.UUID)
	att, err := r.table.ProtocolTryLock(u, sock.LockTask)
	if err == api.ErrWouldBlock {
		_ = r.defq.Defer(r.taskOnData, a1, nil)
		return
	}
	if err != nil {
		r.table.ReleaseData(u)
		return
	}
	r.table.ReleaseData(u)
	func() {
		defer att.Unlock(sock.LockTask)
		att.Proto.OnData(u)
	}()
	if r.table.IsValid(u) && !r.table.Suspended(u) {
		r.WantRead(u.FD())
	}
}

// taskFlush drains pending writes; a fully drained connection gets an
// OnReady dispatch.
func (r *Reactor) taskFlush(a1, _ any) {
	u := a1.(api.UUID)
	left, err := r.table.Flush(u)
	if err != nil || left > 0 {
		// Another flusher owns the queue, the connection died, or the
		// kernel buffer filled up again; either way nothing to announce.
		return
	}
	if !r.table.IsValid(u) {
		return
	}
	r.taskOnReady(a1, nil)
}

func (r *Reactor) taskOnReady(a1, _ any) {
	u := a1.(api.UUID)
	att, err := r.table.ProtocolTryLock(u, sock.LockWrite)
	if err == api.ErrWouldBlock {
		_ = r.defq.Defer(r.taskOnReady, a1, nil)
		return
	}
	if err != nil {
		return
	}
	defer att.Unlock(sock.LockWrite)
	att.Proto.OnReady(u)
}

func (r *Reactor) taskForceClose(a1, _ any) {
	_ = r.table.ForceClose(a1.(api.UUID))
}

// taskPing runs the protocol's Ping under the WRITE lock; connections
// without a protocol are closed when their timeout expires.
func (r *Reactor) taskPing(a1, _ any) {
	u := a1.(api.UUID)
	att, err := r.table.ProtocolTryLock(u, sock.LockWrite)
	if err == api.ErrWouldBlock {
		_ = r.defq.Defer(r.taskPing, a1, nil)
		return
	}
	if err != nil {
		if r.table.IsValid(u) {
			_ = r.table.ForceClose(u)
		}
		return
	}
	defer att.Unlock(sock.LockWrite)
	att.Proto.Ping(u)
}

// sweep scans for expired connection timeouts at most once per second
// across all reactor threads.
func (r *Reactor) sweep(nowMs int64) {
	sec := nowMs / 1000
	last := atomic.LoadInt64(&r.lastSweep)
	if sec == last || !atomic.CompareAndSwapInt64(&r.lastSweep, last, sec) {
		return
	}
	r.table.SweepTimeouts(nowMs, func(u api.UUID) {
		_ = r.defq.Defer(r.taskPing, u, nil)
	})
}

// ForceEvent injects a connection event, bypassing the poller. Forcing
// EventOnData also resumes a suspended connection.
func (r *Reactor) ForceEvent(u api.UUID, ev api.IOEvent) error {
	switch ev {
	case api.EventOnData:
		if err := r.table.Resume(u); err != nil {
			return err
		}
		if r.table.TryReserveData(u) {
			return r.defq.Defer(r.taskOnData, u, nil)
		}
		return nil
	case api.EventOnReady:
		return r.defq.Defer(r.taskOnReady, u, nil)
	case api.EventOnTimeout:
		return r.defq.Defer(r.taskPing, u, nil)
	default:
		return api.ErrInvalidUUID
	}
}
