// File: internal/poller/poller_stub.go
//go:build !linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub backend for platforms without an epoll implementation.

package poller

import (
	"fmt"

	"github.com/momentics/hioload-reactor/api"
)

// Poller is unavailable on this platform.
type Poller struct{}

// New always fails on non-Linux builds.
func New() (*Poller, error) {
	return nil, fmt.Errorf("%w: no poller backend for this platform", api.ErrPoller)
}

// MonitorRead is unreachable on this platform.
func (p *Poller) MonitorRead(fd int) error { return api.ErrPoller }

// MonitorWrite is unreachable on this platform.
func (p *Poller) MonitorWrite(fd int) error { return api.ErrPoller }

// Forget is a no-op.
func (p *Poller) Forget(fd int) {}

// WakeUp is a no-op.
func (p *Poller) WakeUp() {}

// Wait always fails.
func (p *Poller) Wait(timeoutMs int) ([]Event, error) { return nil, api.ErrPoller }

// Close is a no-op.
func (p *Poller) Close() {}
