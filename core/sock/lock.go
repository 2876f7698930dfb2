// File: core/sock/lock.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Protocol tri-lock. Each attachment carries three independent lock bits
// acquired by compare-and-swap; reactor paths never spin on contention,
// they defer and retry.

package sock

import (
	"sync/atomic"

	"github.com/momentics/hioload-reactor/api"
)

// LockKind selects one of the three attachment lock bits.
type LockKind uint8

const (
	// LockTask serializes OnData, connection tasks and OnShutdown.
	LockTask LockKind = iota
	// LockWrite serializes OnReady and Ping.
	LockWrite
	// LockState guards brief out-of-band metadata access.
	LockState
)

const lockAllBits uint32 = 0b111

// Attachment binds a protocol object to one connection lifetime. The lock
// bits live on the attachment, not the fd slot, so a deferred OnClose can
// still synchronize correctly after the descriptor was recycled.
type Attachment struct {
	Proto api.Protocol
	bits  uint32
}

func newAttachment(p api.Protocol) *Attachment { return &Attachment{Proto: p} }

// TryLock acquires one lock bit without blocking.
func (a *Attachment) TryLock(kind LockKind) bool {
	bit := uint32(1) << kind
	for {
		cur := atomic.LoadUint32(&a.bits)
		if cur&bit != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&a.bits, cur, cur|bit) {
			return true
		}
	}
}

// Unlock releases one lock bit.
func (a *Attachment) Unlock(kind LockKind) {
	bit := uint32(1) << kind
	for {
		cur := atomic.LoadUint32(&a.bits)
		if atomic.CompareAndSwapUint32(&a.bits, cur, cur&^bit) {
			return
		}
	}
}

// tryLockAll claims every bit at once. Used for protocol replacement and
// the final OnClose, which both require exclusive ownership.
func (a *Attachment) tryLockAll() bool {
	return atomic.CompareAndSwapUint32(&a.bits, 0, lockAllBits)
}

// unlockAll releases every bit.
func (a *Attachment) unlockAll() { atomic.StoreUint32(&a.bits, 0) }
