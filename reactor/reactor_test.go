// File: reactor/reactor_test.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// End-to-end reactor behavior over real sockets: echo dispatch, inactivity
// pings, suspension and forced events.

package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/core/sock"
	"github.com/momentics/hioload-reactor/internal/concurrency"
	"github.com/momentics/hioload-reactor/lifecycle"
)

type harness struct {
	re    *Reactor
	table *sock.Table
	done  chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dq := concurrency.NewDeferQueue()
	tq := concurrency.NewTimerQueue()
	states := lifecycle.NewRegistry()
	table := sock.NewTable(1024, dq)
	re, err := New(table, dq, tq, states)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	h := &harness{re: re, table: table, done: make(chan struct{})}
	go func() {
		re.Run(2)
		close(h.done)
	}()
	t.Cleanup(func() {
		re.Stop()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			t.Error("reactor did not stop")
		}
		re.Close()
	})
	return h
}

func reactorPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

// echoProto writes every received byte back.
type echoProto struct {
	api.ProtocolBase
	table  *sock.Table
	datas  int32
	closes int32
}

func (p *echoProto) OnData(u api.UUID) {
	atomic.AddInt32(&p.datas, 1)
	buf := make([]byte, 1024)
	for {
		n, err := p.table.Read(u, buf)
		if n > 0 {
			_ = p.table.Write(u, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (p *echoProto) OnClose(api.UUID) { atomic.AddInt32(&p.closes, 1) }

func readWithDeadline(t *testing.T, fd int, want int) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 4096)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(got) < want {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			got = append(got, buf[:n]...)
			continue
		}
		if err != nil && err != unix.EAGAIN {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return got
}

func TestEchoRoundTrip(t *testing.T) {
	h := newHarness(t)
	a, b := reactorPair(t)
	u, err := h.table.Open(a)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	proto := &echoProto{table: h.table}
	if err := h.table.Attach(u, proto); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := unix.Write(b, []byte("HELLO")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	if got := readWithDeadline(t, b, 5); string(got) != "HELLO" {
		t.Fatalf("echo = %q, want HELLO", got)
	}
	// Closing the client ends the connection with exactly one OnClose.
	unix.Close(b)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&proto.closes) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if n := atomic.LoadInt32(&proto.closes); n != 1 {
		t.Fatalf("OnClose ran %d times, want 1", n)
	}
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&proto.closes); n != 1 {
		t.Fatalf("OnClose replayed, count %d", n)
	}
}

// pingProto counts inactivity pings.
type pingProto struct {
	api.ProtocolBase
	pings int32
}

func (p *pingProto) Ping(api.UUID) { atomic.AddInt32(&p.pings, 1) }

func TestInactivityPing(t *testing.T) {
	h := newHarness(t)
	a, b := reactorPair(t)
	defer unix.Close(b)
	u, _ := h.table.Open(a)
	proto := &pingProto{}
	_ = h.table.Attach(u, proto)
	if err := h.table.SetTimeout(u, 1); err != nil {
		t.Fatalf("SetTimeout: %v", err)
	}
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&proto.pings) < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if n := atomic.LoadInt32(&proto.pings); n < 2 {
		t.Fatalf("ping fired %d times over the idle window, want >= 2", n)
	}
	if !h.table.IsValid(u) {
		t.Fatal("ping must not close the connection")
	}
	// Touch restarts the clock; no ping should land immediately after.
	h.table.Touch(u)
	before := atomic.LoadInt32(&proto.pings)
	time.Sleep(300 * time.Millisecond)
	if after := atomic.LoadInt32(&proto.pings); after != before {
		t.Fatalf("ping fired %d times right after Touch", after-before)
	}
}

// suspendProto suspends itself after the first data callback.
type suspendProto struct {
	api.ProtocolBase
	table *sock.Table
	datas int32
}

func (p *suspendProto) OnData(u api.UUID) {
	atomic.AddInt32(&p.datas, 1)
	buf := make([]byte, 1024)
	for {
		if _, err := p.table.Read(u, buf); err != nil {
			break
		}
	}
	if atomic.LoadInt32(&p.datas) == 1 {
		_ = p.table.Suspend(u)
	}
}

func TestSuspendAndForceEvent(t *testing.T) {
	h := newHarness(t)
	a, b := reactorPair(t)
	defer unix.Close(b)
	u, _ := h.table.Open(a)
	proto := &suspendProto{table: h.table}
	_ = h.table.Attach(u, proto)

	_, _ = unix.Write(b, []byte("first"))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&proto.datas) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if n := atomic.LoadInt32(&proto.datas); n != 1 {
		t.Fatalf("OnData ran %d times, want 1", n)
	}

	// Suspended: new bytes must not trigger OnData.
	_, _ = unix.Write(b, []byte("second"))
	time.Sleep(300 * time.Millisecond)
	if n := atomic.LoadInt32(&proto.datas); n != 1 {
		t.Fatalf("OnData ran %d times while suspended, want 1", n)
	}

	// A forced data event resumes the connection.
	if err := h.re.ForceEvent(u, api.EventOnData); err != nil {
		t.Fatalf("ForceEvent: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&proto.datas) < 2 {
		time.Sleep(2 * time.Millisecond)
	}
	if n := atomic.LoadInt32(&proto.datas); n != 2 {
		t.Fatalf("OnData ran %d times after resume, want 2", n)
	}
}

// readyProto records OnReady dispatches.
type readyProto struct {
	api.ProtocolBase
	readies int32
}

func (p *readyProto) OnReady(api.UUID) { atomic.AddInt32(&p.readies, 1) }

func TestOnReadyAfterDrain(t *testing.T) {
	h := newHarness(t)
	a, b := reactorPair(t)
	u, _ := h.table.Open(a)
	proto := &readyProto{}
	_ = h.table.Attach(u, proto)
	payload := make([]byte, 512*1024)
	if err := h.table.Write(u, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, err := unix.Read(b, buf)
			if n <= 0 && err != unix.EAGAIN {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&proto.readies) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&proto.readies) == 0 {
		t.Fatal("OnReady never fired after the queue drained")
	}
	unix.Close(b)
}
