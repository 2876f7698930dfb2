// File: reactor/shutdown.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Orderly shutdown. Every open connection is asked via OnShutdown, pending
// writes get a bounded drain window, and whatever survives the window is
// force-closed, opted-out connections last.

package reactor

import (
	"log"
	"time"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/core/sock"
)

// DefaultShutdownBudget is the drain window granted to pending writes.
const DefaultShutdownBudget = 8 * time.Second

// Shutdown drains and closes every open connection, then stops the
// reactor threads. Protocols answer OnShutdown with 0 (close now), a delay
// in seconds (1..254) or 255 (skip the graceful drain; forced last).
func (r *Reactor) Shutdown(budget time.Duration) {
	if budget <= 0 {
		budget = DefaultShutdownBudget
	}
	deadline := time.Now().Add(budget)

	type pending struct {
		uuid    api.UUID
		closeAt time.Time
	}
	var graceful []pending
	var ignored []api.UUID

	r.table.ForEachOpen(func(u api.UUID) {
		verdict := r.askShutdown(u, deadline)
		switch {
		case verdict == 255:
			ignored = append(ignored, u)
		case verdict == 0:
			_ = r.table.Close(u)
			graceful = append(graceful, pending{uuid: u, closeAt: time.Now()})
		default:
			delay := time.Duration(verdict) * time.Second
			at := time.Now().Add(delay)
			if at.After(deadline) {
				at = deadline
			}
			graceful = append(graceful, pending{uuid: u, closeAt: at})
		}
	})

	// Drain until every graceful connection is gone or the budget runs out.
	for time.Now().Before(deadline) {
		r.defq.Perform()
		r.table.FlushAll()
		alive := graceful[:0]
		now := time.Now()
		for _, p := range graceful {
			if !r.table.IsValid(p.uuid) {
				continue
			}
			if !now.Before(p.closeAt) {
				_ = r.table.Close(p.uuid)
			}
			alive = append(alive, p)
		}
		graceful = alive
		if len(graceful) == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	for _, p := range graceful {
		if r.table.IsValid(p.uuid) {
			_ = r.table.ForceClose(p.uuid)
		}
	}
	for _, u := range ignored {
		if r.table.IsValid(u) {
			_ = r.table.ForceClose(u)
		}
	}

	r.Stop()
	r.timers.Clear()
	// OnClose dispatches queued by the teardowns above still need a
	// worker; the reactor threads are gone by the time Run returns.
	for i := 0; i < 64 && r.defq.HasQueue(); i++ {
		r.defq.Perform()
	}
	if n := r.table.OpenCount(); n != 0 {
		log.Printf("reactor: shutdown left %d connections open", n)
	}
}

// askShutdown runs OnShutdown under the TASK lock, retrying briefly on
// contention. Connections without a protocol close immediately.
func (r *Reactor) askShutdown(u api.UUID, deadline time.Time) uint8 {
	for {
		att, err := r.table.ProtocolTryLock(u, sock.LockTask)
		if err == nil {
			defer att.Unlock(sock.LockTask)
			return att.Proto.OnShutdown(u)
		}
		if err != api.ErrWouldBlock || !time.Now().Before(deadline) {
			return 0
		}
		r.defq.Perform()
		time.Sleep(time.Millisecond)
	}
}
