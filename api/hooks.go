// File: api/hooks.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pluggable byte-transport hooks. The default hooks wrap the raw socket
// system calls; custom hooks layer transforms (TLS-like framing, tracing,
// traffic accounting) between the reactor and the descriptor.

package api

// RWHook replaces the system read/write calls for a single connection.
//
// Hook implementations MUST NOT call back into the runtime (write, close,
// defer and friends) from inside a hook method; hooks run under the
// connection's internal locks and re-entry would deadlock.
type RWHook interface {
	// Read fills buf with available bytes. It returns the byte count,
	// ErrWouldBlock when no data is available, and ErrConnectionClosed (or
	// any other error) when the connection is dead. A zero count with a nil
	// error reports a clean EOF.
	Read(uuid UUID, udata any, buf []byte) (int, error)

	// Write sends bytes from buf. Partial writes are expected; the runtime
	// retries the remainder. ErrWouldBlock signals a full kernel buffer.
	Write(uuid UUID, udata any, buf []byte) (int, error)

	// Flush pushes any bytes the hook itself buffers. It returns the number
	// of bytes still held by the hook (0 when fully drained).
	Flush(uuid UUID, udata any) (int, error)

	// Close releases the descriptor and any hook-owned resources. It is
	// called exactly once, during connection teardown.
	Close(uuid UUID, udata any) error
}
