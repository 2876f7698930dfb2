// File: core/sock/hooks.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Default read/write hooks wrapping the raw socket system calls.

package sock

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-reactor/api"
)

// DefaultHooks is the system-call transport installed on every freshly
// opened connection.
var DefaultHooks api.RWHook = sysHooks{}

type sysHooks struct{}

// Read wraps read(2). EAGAIN maps to ErrWouldBlock, a zero-byte read on a
// non-empty buffer maps to ErrConnectionClosed.
func (sysHooks) Read(uuid api.UUID, _ any, buf []byte) (int, error) {
	for {
		n, err := unix.Read(uuid.FD(), buf)
		switch err {
		case nil:
			if n == 0 && len(buf) > 0 {
				return 0, api.ErrConnectionClosed
			}
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, api.ErrWouldBlock
		default:
			return 0, api.ErrConnectionClosed
		}
	}
}

// Write wraps write(2); partial writes surface as short counts.
func (sysHooks) Write(uuid api.UUID, _ any, buf []byte) (int, error) {
	for {
		n, err := unix.Write(uuid.FD(), buf)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, api.ErrWouldBlock
		default:
			return 0, api.ErrConnectionClosed
		}
	}
}

// Flush buffers nothing, so there is never anything left to push.
func (sysHooks) Flush(api.UUID, any) (int, error) { return 0, nil }

// Close wraps close(2).
func (sysHooks) Close(uuid api.UUID, _ any) error { return unix.Close(uuid.FD()) }
