// File: internal/poller/epoll_linux.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Epoll backend. Read and write interest live in two separate one-shot
// epoll instances, both registered in a parent instance together with an
// eventfd used to interrupt sleeping waiters. One-shot arming means a
// descriptor is silent after an event until the reactor re-arms it, which
// keeps dispatch single-shot without losing buffered data (the instances
// are level-triggered).

package poller

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-reactor/api"
)

const waitBatch = 256

// Poller multiplexes readiness for up to the process fd limit.
type Poller struct {
	parentFD int
	readFD   int
	writeFD  int
	wakeFD   int

	closeOnce sync.Once
}

// New creates the epoll instances and the wake-up eventfd.
func New() (*Poller, error) {
	p := &Poller{parentFD: -1, readFD: -1, writeFD: -1, wakeFD: -1}
	var err error
	if p.parentFD, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		return nil, fmt.Errorf("%w: epoll_create1: %v", api.ErrPoller, err)
	}
	if p.readFD, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: epoll_create1: %v", api.ErrPoller, err)
	}
	if p.writeFD, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: epoll_create1: %v", api.ErrPoller, err)
	}
	if p.wakeFD, err = unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK); err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: eventfd: %v", api.ErrPoller, err)
	}
	for _, fd := range []int{p.readFD, p.writeFD, p.wakeFD} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err = unix.EpollCtl(p.parentFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			p.Close()
			return nil, fmt.Errorf("%w: epoll_ctl add: %v", api.ErrPoller, err)
		}
	}
	return p, nil
}

// monitor arms fd in the child instance efd with the one-shot event mask.
func (p *Poller) monitor(efd, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events | unix.EPOLLONESHOT, Fd: int32(fd)}
	err := unix.EpollCtl(efd, unix.EPOLL_CTL_MOD, fd, &ev)
	if err == unix.ENOENT {
		err = unix.EpollCtl(efd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	if err != nil {
		return fmt.Errorf("%w: epoll_ctl: %v", api.ErrPoller, err)
	}
	return nil
}

// MonitorRead arms a single read-readiness notification for fd.
func (p *Poller) MonitorRead(fd int) error {
	return p.monitor(p.readFD, fd, unix.EPOLLIN|unix.EPOLLRDHUP)
}

// MonitorWrite arms a single write-readiness notification for fd.
func (p *Poller) MonitorWrite(fd int) error {
	return p.monitor(p.writeFD, fd, unix.EPOLLOUT)
}

// Forget drops fd from both interest sets. Safe to call for descriptors
// that were never monitored.
func (p *Poller) Forget(fd int) {
	_ = unix.EpollCtl(p.readFD, unix.EPOLL_CTL_DEL, fd, nil)
	_ = unix.EpollCtl(p.writeFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// WakeUp interrupts one Wait call sleeping in the kernel.
func (p *Poller) WakeUp() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(p.wakeFD, buf[:])
}

// Wait blocks up to timeoutMs (-1 blocks indefinitely) and returns the
// readiness events collected from both interest sets.
func (p *Poller) Wait(timeoutMs int) ([]Event, error) {
	var parent [4]unix.EpollEvent
	n, err := unix.EpollWait(p.parentFD, parent[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: epoll_wait: %v", api.ErrPoller, err)
	}
	var out []Event
	for i := 0; i < n; i++ {
		switch int(parent[i].Fd) {
		case p.wakeFD:
			p.drainWake()
		case p.readFD:
			out = p.collect(p.readFD, true, out)
		case p.writeFD:
			out = p.collect(p.writeFD, false, out)
		}
	}
	return out, nil
}

func (p *Poller) collect(efd int, read bool, out []Event) []Event {
	var evs [waitBatch]unix.EpollEvent
	n, err := unix.EpollWait(efd, evs[:], 0)
	if err != nil {
		return out
	}
	for i := 0; i < n; i++ {
		var set EventSet
		raw := evs[i].Events
		if raw&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			set |= Hangup
		}
		if read && raw&unix.EPOLLIN != 0 {
			set |= Readable
		}
		if !read && raw&unix.EPOLLOUT != 0 {
			set |= Writable
		}
		if set == 0 {
			continue
		}
		out = append(out, Event{FD: int(evs[i].Fd), Events: set})
	}
	return out
}

func (p *Poller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeFD, buf[:]); err != nil {
			return
		}
	}
}

// Close releases every descriptor owned by the poller.
func (p *Poller) Close() {
	p.closeOnce.Do(func() {
		for _, fd := range []int{p.parentFD, p.readFD, p.writeFD, p.wakeFD} {
			if fd >= 0 {
				_ = unix.Close(fd)
			}
		}
	})
}
