// File: core/sock/table.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The connection table: one slot per kernel descriptor, addressed by UUID.
// A slot validates every operation against the caller's generation byte, so
// operations on recycled descriptors fail instead of touching the wrong
// connection.

package sock

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/internal/concurrency"
	"github.com/momentics/hioload-reactor/pool"
)

// DefaultMaxFDs caps the table size when no explicit limit is configured.
const DefaultMaxFDs = 131072

// ErrNotLinked is returned by Unlink when the object was never linked (or
// its close callback already ran).
var ErrNotLinked = errors.New("sock: object not linked to connection")

// Notifier receives readiness-interest changes from the table. The reactor
// installs itself here so enqueued writes arm write polling and teardowns
// drop descriptors from the interest sets.
type Notifier interface {
	WantRead(fd int)
	WantWrite(fd int)
	Forget(fd int)
}

type slot struct {
	mu        sync.Mutex
	gen       uint32
	open      bool
	closing   bool
	suspended uint32 // atomic
	schedData uint32 // atomic: an OnData dispatch is queued
	flushGate uint32 // atomic: a flush loop is running

	att      *Attachment
	hook     api.RWHook
	hookData any

	timeoutSec uint32
	lastActive int64 // atomic, unix milliseconds

	q    packetQueue
	peer string
	env  map[any]func(any)
}

func (s *slot) validLocked(u api.UUID) bool {
	return s.open && s.gen&0xff == uuidGen(u)
}

// Table is the process-wide registry of open connections.
type Table struct {
	slots     []slot
	defq      *concurrency.DeferQueue
	notifier  Notifier
	chunks    *pool.BytePool
	openCount int64
}

// NewTable builds a table for descriptors in [0, maxFDs).
func NewTable(maxFDs int, defq *concurrency.DeferQueue) *Table {
	if maxFDs <= 0 {
		maxFDs = DefaultMaxFDs
	}
	return &Table{
		slots:  make([]slot, maxFDs),
		defq:   defq,
		chunks: pool.NewBytePool(64, pool.DefaultChunkSize),
	}
}

// SetNotifier installs the readiness-interest sink. Must run before the
// reactor starts dispatching.
func (t *Table) SetNotifier(n Notifier) { t.notifier = n }

func (t *Table) wantRead(fd int) {
	if t.notifier != nil {
		t.notifier.WantRead(fd)
	}
}

func (t *Table) wantWrite(fd int) {
	if t.notifier != nil {
		t.notifier.WantWrite(fd)
	}
}

func (t *Table) forget(fd int) {
	if t.notifier != nil {
		t.notifier.Forget(fd)
	}
}

// Cap returns the descriptor capacity.
func (t *Table) Cap() int { return len(t.slots) }

// OpenCount returns the number of open connections.
func (t *Table) OpenCount() int { return int(atomic.LoadInt64(&t.openCount)) }

func (t *Table) slotOf(u api.UUID) *slot {
	if u < 0 {
		return nil
	}
	fd := uuidFD(u)
	if fd < 0 || fd >= len(t.slots) {
		return nil
	}
	return &t.slots[fd]
}

// Open claims the slot for fd and mints a fresh UUID. A slot still open
// from a previous use is torn down first (its protocol sees OnClose).
func (t *Table) Open(fd int) (api.UUID, error) {
	if fd < 0 || fd >= len(t.slots) {
		return api.InvalidUUID, api.ErrInvalidUUID
	}
	s := &t.slots[fd]
	s.mu.Lock()
	var cleanup func()
	if s.open {
		cleanup = t.teardownLocked(fd, s)
	}
	s.gen++
	s.open = true
	s.closing = false
	atomic.StoreUint32(&s.suspended, 0)
	atomic.StoreUint32(&s.schedData, 0)
	atomic.StoreUint32(&s.flushGate, 0)
	s.att = nil
	s.hook = DefaultHooks
	s.hookData = nil
	s.timeoutSec = 0
	atomic.StoreInt64(&s.lastActive, nowMillis())
	s.q = packetQueue{}
	s.peer = ""
	s.env = nil
	u := makeUUID(fd, s.gen)
	s.mu.Unlock()
	if cleanup != nil {
		cleanup()
	}
	atomic.AddInt64(&t.openCount, 1)
	return u, nil
}

// teardownLocked detaches everything owned by the slot and invalidates
// outstanding UUIDs. The caller holds s.mu; the returned closure finishes
// the teardown (descriptor close, packet release, deferred OnClose) and
// must run after the lock is dropped.
func (t *Table) teardownLocked(fd int, s *slot) func() {
	oldUUID := makeUUID(fd, s.gen)
	att := s.att
	s.att = nil
	chain := s.q.drain()
	env := s.env
	s.env = nil
	hook, hookData := s.hook, s.hookData
	s.hook = nil
	s.hookData = nil
	s.peer = ""
	s.open = false
	s.closing = false
	s.gen++
	atomic.AddInt64(&t.openCount, -1)
	return func() {
		t.forget(fd)
		releaseChain(chain)
		if hook != nil {
			_ = hook.Close(oldUUID, hookData)
		}
		for obj, onClose := range env {
			if onClose != nil {
				onClose(obj)
			}
		}
		if att != nil {
			t.scheduleOnClose(oldUUID, att)
		}
	}
}

// scheduleOnClose queues the exactly-once OnClose dispatch. The task keeps
// re-deferring until it can claim every lock bit, which guarantees it runs
// after all in-flight callbacks on the attachment.
func (t *Table) scheduleOnClose(u api.UUID, att *Attachment) {
	_ = t.defq.Defer(t.deferredOnClose, att, u)
}

func (t *Table) deferredOnClose(a1, a2 any) {
	att := a1.(*Attachment)
	if !att.tryLockAll() {
		_ = t.defq.Defer(t.deferredOnClose, a1, a2)
		return
	}
	att.Proto.OnClose(a2.(api.UUID))
	att.unlockAll()
}

// Close marks the connection for closure; pending packets drain first and
// the actual teardown happens once the queue empties.
func (t *Table) Close(u api.UUID) error {
	s := t.slotOf(u)
	if s == nil {
		return api.ErrInvalidUUID
	}
	s.mu.Lock()
	if !s.validLocked(u) {
		s.mu.Unlock()
		return api.ErrInvalidUUID
	}
	s.closing = true
	s.mu.Unlock()
	_ = t.defq.Defer(t.deferredFlush, u, nil)
	t.wantWrite(uuidFD(u))
	return nil
}

func (t *Table) deferredFlush(a1, _ any) {
	u := a1.(api.UUID)
	if _, err := t.Flush(u); err == api.ErrWouldBlock {
		_ = t.defq.Defer(t.deferredFlush, a1, nil)
	}
}

// ForceClose tears the connection down immediately, abandoning pending
// packets (their release hooks still run).
func (t *Table) ForceClose(u api.UUID) error {
	s := t.slotOf(u)
	if s == nil {
		return api.ErrInvalidUUID
	}
	s.mu.Lock()
	if !s.validLocked(u) {
		s.mu.Unlock()
		return api.ErrInvalidUUID
	}
	cleanup := t.teardownLocked(uuidFD(u), s)
	s.mu.Unlock()
	cleanup()
	return nil
}

// IsValid reports whether the UUID refers to an open connection.
func (t *Table) IsValid(u api.UUID) bool {
	s := t.slotOf(u)
	if s == nil {
		return false
	}
	s.mu.Lock()
	ok := s.validLocked(u)
	s.mu.Unlock()
	return ok
}

// IsClosed reports whether the UUID is invalid or flagged for closure.
func (t *Table) IsClosed(u api.UUID) bool {
	s := t.slotOf(u)
	if s == nil {
		return true
	}
	s.mu.Lock()
	closed := !s.validLocked(u) || s.closing
	s.mu.Unlock()
	return closed
}

// FdUUID returns the active UUID for an open descriptor, InvalidUUID
// otherwise.
func (t *Table) FdUUID(fd int) api.UUID {
	if fd < 0 || fd >= len(t.slots) {
		return api.InvalidUUID
	}
	s := &t.slots[fd]
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return api.InvalidUUID
	}
	return makeUUID(fd, s.gen)
}

// Touch refreshes the inactivity clock.
func (t *Table) Touch(u api.UUID) {
	s := t.slotOf(u)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.validLocked(u) {
		atomic.StoreInt64(&s.lastActive, nowMillis())
	}
	s.mu.Unlock()
}

// SetTimeout sets the inactivity budget in seconds (0 disables).
func (t *Table) SetTimeout(u api.UUID, seconds uint8) error {
	s := t.slotOf(u)
	if s == nil {
		return api.ErrInvalidUUID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(u) {
		return api.ErrInvalidUUID
	}
	s.timeoutSec = uint32(seconds)
	atomic.StoreInt64(&s.lastActive, nowMillis())
	return nil
}

// Timeout returns the configured inactivity budget.
func (t *Table) Timeout(u api.UUID) (uint8, error) {
	s := t.slotOf(u)
	if s == nil {
		return 0, api.ErrInvalidUUID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(u) {
		return 0, api.ErrInvalidUUID
	}
	return uint8(s.timeoutSec), nil
}

// Suspend stops OnData dispatch for the connection until it is resumed by
// a forced event.
func (t *Table) Suspend(u api.UUID) error {
	s := t.slotOf(u)
	if s == nil {
		return api.ErrInvalidUUID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(u) {
		return api.ErrInvalidUUID
	}
	atomic.StoreUint32(&s.suspended, 1)
	return nil
}

// Resume clears the suspension flag. The reactor pairs this with a forced
// OnData event.
func (t *Table) Resume(u api.UUID) error {
	s := t.slotOf(u)
	if s == nil {
		return api.ErrInvalidUUID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(u) {
		return api.ErrInvalidUUID
	}
	atomic.StoreUint32(&s.suspended, 0)
	return nil
}

// Suspended reports the suspension flag.
func (t *Table) Suspended(u api.UUID) bool {
	s := t.slotOf(u)
	if s == nil {
		return false
	}
	return atomic.LoadUint32(&s.suspended) != 0
}

// TryReserveData atomically claims the right to schedule an OnData
// dispatch; it fails while a previous dispatch is still queued.
func (t *Table) TryReserveData(u api.UUID) bool {
	s := t.slotOf(u)
	if s == nil {
		return false
	}
	return atomic.CompareAndSwapUint32(&s.schedData, 0, 1)
}

// ReleaseData clears the OnData dispatch reservation.
func (t *Table) ReleaseData(u api.UUID) {
	s := t.slotOf(u)
	if s != nil {
		atomic.StoreUint32(&s.schedData, 0)
	}
}

// Attach binds a protocol to the connection, replacing any previous
// attachment (the old protocol sees OnClose). On an invalid UUID the new
// protocol's OnClose fires immediately and ErrInvalidUUID is returned.
func (t *Table) Attach(u api.UUID, p api.Protocol) error {
	if p == nil {
		return api.ErrInvalidUUID
	}
	att := newAttachment(p)
	return t.attach(u, att)
}

func (t *Table) attach(u api.UUID, att *Attachment) error {
	s := t.slotOf(u)
	if s == nil {
		t.closeDetached(u, att)
		return api.ErrInvalidUUID
	}
	s.mu.Lock()
	if !s.validLocked(u) {
		s.mu.Unlock()
		t.closeDetached(u, att)
		return api.ErrInvalidUUID
	}
	old := s.att
	if old != nil && !old.tryLockAll() {
		// A callback is running on the old protocol; retry off the queue.
		s.mu.Unlock()
		_ = t.defq.Defer(t.deferredAttach, att, u)
		return nil
	}
	s.att = att
	atomic.StoreInt64(&s.lastActive, nowMillis())
	s.mu.Unlock()
	if old != nil {
		_ = t.defq.Defer(t.runReplacedClose, old, u)
	}
	t.wantRead(uuidFD(u))
	t.wantWrite(uuidFD(u))
	return nil
}

func (t *Table) deferredAttach(a1, a2 any) {
	_ = t.attach(a2.(api.UUID), a1.(*Attachment))
}

// runReplacedClose runs OnClose for a protocol displaced by Attach. The
// caller already holds every lock bit of the old attachment.
func (t *Table) runReplacedClose(a1, a2 any) {
	old := a1.(*Attachment)
	old.Proto.OnClose(a2.(api.UUID))
	old.unlockAll()
}

// closeDetached reports an attachment that never made it onto a live slot.
func (t *Table) closeDetached(u api.UUID, att *Attachment) {
	if att.tryLockAll() {
		att.Proto.OnClose(u)
		att.unlockAll()
	}
}

// AttachFD is Attach keyed by raw descriptor, registering the descriptor
// in the table first when needed.
func (t *Table) AttachFD(fd int, p api.Protocol) error {
	u := t.FdUUID(fd)
	if u == api.InvalidUUID {
		var err error
		if u, err = t.Open(fd); err != nil {
			return err
		}
	}
	return t.Attach(u, p)
}

// Protocol returns the attached protocol without locking it. Intended for
// diagnostics; callbacks must go through ProtocolTryLock.
func (t *Table) Protocol(u api.UUID) api.Protocol {
	s := t.slotOf(u)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(u) || s.att == nil {
		return nil
	}
	return s.att.Proto
}

// ProtocolTryLock locks the attachment for the requested kind and returns
// it. ErrWouldBlock means contention: defer and retry instead of spinning.
func (t *Table) ProtocolTryLock(u api.UUID, kind LockKind) (*Attachment, error) {
	s := t.slotOf(u)
	if s == nil {
		return nil, api.ErrInvalidUUID
	}
	s.mu.Lock()
	if !s.validLocked(u) || s.att == nil {
		s.mu.Unlock()
		return nil, api.ErrInvalidUUID
	}
	att := s.att
	s.mu.Unlock()
	if !att.TryLock(kind) {
		return nil, api.ErrWouldBlock
	}
	return att, nil
}

// SetHooks replaces the connection's byte transport.
func (t *Table) SetHooks(u api.UUID, h api.RWHook, udata any) error {
	if h == nil {
		return api.ErrInvalidUUID
	}
	s := t.slotOf(u)
	if s == nil {
		return api.ErrInvalidUUID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(u) {
		return api.ErrInvalidUUID
	}
	s.hook = h
	s.hookData = udata
	return nil
}

// SetPeer caches the peer address captured on accept/connect.
func (t *Table) SetPeer(u api.UUID, addr string) error {
	s := t.slotOf(u)
	if s == nil {
		return api.ErrInvalidUUID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(u) {
		return api.ErrInvalidUUID
	}
	s.peer = addr
	return nil
}

// PeerAddr returns the cached peer address, empty when unknown.
func (t *Table) PeerAddr(u api.UUID) string {
	s := t.slotOf(u)
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(u) {
		return ""
	}
	return s.peer
}

// Link ties obj to the connection lifetime; onClose runs at teardown. On
// an invalid UUID onClose runs immediately.
func (t *Table) Link(u api.UUID, obj any, onClose func(obj any)) error {
	s := t.slotOf(u)
	if s == nil {
		if onClose != nil {
			onClose(obj)
		}
		return api.ErrInvalidUUID
	}
	s.mu.Lock()
	if !s.validLocked(u) {
		s.mu.Unlock()
		if onClose != nil {
			onClose(obj)
		}
		return api.ErrInvalidUUID
	}
	if s.env == nil {
		s.env = make(map[any]func(any))
	}
	s.env[obj] = onClose
	s.mu.Unlock()
	return nil
}

// Unlink removes a lifetime link without firing its callback.
func (t *Table) Unlink(u api.UUID, obj any) error {
	s := t.slotOf(u)
	if s == nil {
		return api.ErrInvalidUUID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(u) {
		return api.ErrInvalidUUID
	}
	if _, ok := s.env[obj]; !ok {
		return ErrNotLinked
	}
	delete(s.env, obj)
	return nil
}

// ForEachOpen calls fn with the UUID of every open connection.
func (t *Table) ForEachOpen(fn func(u api.UUID)) {
	for i := range t.slots {
		s := &t.slots[i]
		s.mu.Lock()
		var u api.UUID = api.InvalidUUID
		if s.open {
			u = makeUUID(i, s.gen)
		}
		s.mu.Unlock()
		if u != api.InvalidUUID {
			fn(u)
		}
	}
}

// SweepTimeouts fires fn for every connection whose inactivity budget has
// elapsed, resetting the clock so the next interval fires again.
func (t *Table) SweepTimeouts(nowMs int64, fn func(u api.UUID)) {
	for i := range t.slots {
		s := &t.slots[i]
		s.mu.Lock()
		var u api.UUID = api.InvalidUUID
		if s.open && !s.closing && s.timeoutSec > 0 {
			deadline := atomic.LoadInt64(&s.lastActive) + int64(s.timeoutSec)*1000
			if deadline <= nowMs {
				atomic.StoreInt64(&s.lastActive, nowMs)
				u = makeUUID(i, s.gen)
			}
		}
		s.mu.Unlock()
		if u != api.InvalidUUID {
			fn(u)
		}
	}
}

// ioTask carries one deferred connection task through lock retries.
type ioTask struct {
	uuid     api.UUID
	kind     LockKind
	task     func(u api.UUID, p api.Protocol, udata any)
	fallback func(u api.UUID, udata any)
	udata    any
}

// DeferIO schedules task to run under the connection's protocol lock of
// the given kind. If the connection dies first, fallback runs instead.
func (t *Table) DeferIO(u api.UUID, kind LockKind, task func(u api.UUID, p api.Protocol, udata any), fallback func(u api.UUID, udata any), udata any) error {
	if task == nil {
		return concurrency.ErrNilTask
	}
	return t.defq.Defer(t.runIOTask, &ioTask{uuid: u, kind: kind, task: task, fallback: fallback, udata: udata}, nil)
}

func (t *Table) runIOTask(a1, _ any) {
	job := a1.(*ioTask)
	att, err := t.ProtocolTryLock(job.uuid, job.kind)
	if err == api.ErrWouldBlock {
		_ = t.defq.Defer(t.runIOTask, a1, nil)
		return
	}
	if err != nil {
		if job.fallback != nil {
			job.fallback(job.uuid, job.udata)
		}
		return
	}
	defer att.Unlock(job.kind)
	job.task(job.uuid, att.Proto, job.udata)
}

func nowMillis() int64 { return time.Now().UnixMilli() }
