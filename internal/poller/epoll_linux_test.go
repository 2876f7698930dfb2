// File: internal/poller/epoll_linux_test.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package poller

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func pairFDs(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func waitFor(t *testing.T, p *Poller, fd int, want EventSet) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := p.Wait(100)
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		for _, ev := range events {
			if ev.FD == fd && ev.Events&want != 0 {
				return
			}
		}
	}
	t.Fatalf("no %v event for fd %d", want, fd)
}

func TestMonitorReadDeliversOneShot(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	a, b := pairFDs(t)
	if err := p.MonitorRead(a); err != nil {
		t.Fatalf("MonitorRead: %v", err)
	}
	if _, err := unix.Write(b, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, p, a, Readable)
	// One-shot: without re-arming, the same readiness must not repeat.
	events, err := p.Wait(50)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	for _, ev := range events {
		if ev.FD == a {
			t.Fatalf("unexpected repeat event %+v", ev)
		}
	}
	// Re-arm and the still-buffered data fires again.
	if err := p.MonitorRead(a); err != nil {
		t.Fatalf("re-arm: %v", err)
	}
	waitFor(t, p, a, Readable)
}

func TestMonitorWriteAndHangup(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	a, b := pairFDs(t)
	if err := p.MonitorWrite(a); err != nil {
		t.Fatalf("MonitorWrite: %v", err)
	}
	waitFor(t, p, a, Writable)
	if err := p.MonitorRead(a); err != nil {
		t.Fatalf("MonitorRead: %v", err)
	}
	unix.Close(b)
	waitFor(t, p, a, Hangup)
}

func TestWakeUpInterruptsWait(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.WakeUp()
	}()
	start := time.Now()
	if _, err := p.Wait(5000); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("WakeUp did not interrupt the sleep (%v)", elapsed)
	}
}

func TestForgetRemovesInterest(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	a, b := pairFDs(t)
	if err := p.MonitorRead(a); err != nil {
		t.Fatalf("MonitorRead: %v", err)
	}
	p.Forget(a)
	if _, err := unix.Write(b, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	events, err := p.Wait(100)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	for _, ev := range events {
		if ev.FD == a {
			t.Fatalf("event after Forget: %+v", ev)
		}
	}
}
