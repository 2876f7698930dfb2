// File: api/protocol.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection identifiers and the protocol callback contract.

package api

// UUID identifies a single connection attachment. It packs the kernel file
// descriptor together with a generation counter, so that a descriptor number
// reused by the kernel does not alias an older connection: once a connection
// is closed, every UUID minted for it becomes invalid. The generation is kept
// in 8 bits and advances by 2 per close-and-reopen of a descriptor, so a
// stale UUID can match again after 128 such cycles.
type UUID int64

// InvalidUUID is the sentinel for "no connection".
const InvalidUUID UUID = -1

// FD extracts the underlying file descriptor. The low byte carries the
// generation counter, the remaining bits the descriptor.
func (u UUID) FD() int { return int(u >> 8) }

// IsValidFD reports whether the UUID carries a plausible descriptor at all.
// It does not check the generation against the live connection table.
func (u UUID) IsValidFD() bool { return u >= 0 }

// IOEvent names a reactor event that can be forced onto a connection
// out-of-band, bypassing the poller.
type IOEvent int

const (
	// EventOnData forces an OnData dispatch (also resumes a suspended
	// connection).
	EventOnData IOEvent = iota
	// EventOnReady forces an OnReady dispatch.
	EventOnReady
	// EventOnTimeout forces a Ping dispatch.
	EventOnTimeout
)

// Protocol is the user-supplied callback bundle bound to a connection.
//
// Callback concurrency follows the per-connection lock discipline:
//
//   - OnData never runs concurrently with itself, a deferred connection task,
//     or OnShutdown (they share the TASK lock).
//   - OnReady never runs concurrently with Ping (they share the WRITE lock).
//   - OnData and OnReady MAY run concurrently with each other on different
//     goroutines; protocols that share state between them must synchronize.
//   - OnClose runs exactly once per attachment, strictly after every pending
//     callback on the connection has completed.
type Protocol interface {
	// OnData is called when data is available on the connection. The
	// implementation should read until the transport reports WouldBlock.
	OnData(uuid UUID)

	// OnReady is called once all pending outgoing data has been flushed.
	OnReady(uuid UUID)

	// OnShutdown is called when the runtime begins an orderly shutdown while
	// the connection is still open. The return value controls the drain:
	// 0 closes the connection once pending data is flushed, 1..254 requests
	// that many seconds of grace, and 255 opts the connection out of the
	// graceful drain entirely (it is force-closed last).
	OnShutdown(uuid UUID) uint8

	// OnClose is called exactly once after the connection (or the
	// attachment) is torn down. The uuid is already invalid by the time the
	// callback runs.
	OnClose(uuid UUID)

	// Ping is called when the connection exceeds its inactivity timeout.
	Ping(uuid UUID)
}

// ProtocolBase provides no-op defaults for optional Protocol callbacks.
// Embedding it lets a protocol implement only the callbacks it cares about.
// The default Ping ignores the timeout; the reactor keeps invoking Ping once
// per elapsed interval until the connection sees traffic, is touched, or the
// protocol closes it.
type ProtocolBase struct{}

// OnData does nothing.
func (ProtocolBase) OnData(UUID) {}

// OnReady does nothing.
func (ProtocolBase) OnReady(UUID) {}

// OnShutdown approves an immediate graceful close.
func (ProtocolBase) OnShutdown(UUID) uint8 { return 0 }

// OnClose does nothing.
func (ProtocolBase) OnClose(UUID) {}

// Ping does nothing; the timeout keeps firing until traffic resumes.
func (ProtocolBase) Ping(UUID) {}
