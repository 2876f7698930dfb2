// File: core/sock/write.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Outgoing data paths. Write2 transfers packet ownership to the slot; the
// flush loop drains the queue through the connection's hooks, using
// sendfile for file packets on the default transport and a bounded chunk
// buffer otherwise.

package sock

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-reactor/api"
)

// ErrBadPacket is returned (after releasing the packet) when a packet
// describes no transmittable bytes.
var ErrBadPacket = errors.New("sock: malformed packet")

// sendfile is capped per attempt so one large file cannot monopolize a
// flush pass.
const sendfileMaxChunk = 1 << 20

// Write2 enqueues a packet. Ownership of the buffer or descriptor moves to
// the connection: whatever happens next, the packet's release hook runs
// exactly once. Writing to a closed or closing connection releases the
// packet and fails.
func (t *Table) Write2(u api.UUID, p *Packet) error {
	if p == nil {
		return ErrBadPacket
	}
	if !p.normalize() {
		p.release()
		return ErrBadPacket
	}
	s := t.slotOf(u)
	if s == nil {
		p.release()
		return api.ErrInvalidUUID
	}
	s.mu.Lock()
	if !s.validLocked(u) {
		s.mu.Unlock()
		p.release()
		return api.ErrInvalidUUID
	}
	if s.closing {
		s.mu.Unlock()
		p.release()
		return api.ErrConnectionClosed
	}
	s.q.push(p, atomic.LoadUint32(&s.flushGate) != 0)
	s.mu.Unlock()
	_ = t.defq.Defer(t.deferredFlush, u, nil)
	t.wantWrite(uuidFD(u))
	return nil
}

// Write copies b and schedules it for transmission.
func (t *Table) Write(u api.UUID, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return t.Write2(u, &Packet{Buffer: cp})
}

// SendFile streams length bytes of fd starting at offset, closing fd once
// the packet is done.
func (t *Table) SendFile(u api.UUID, fd int, offset, length int64) error {
	return t.Write2(u, &Packet{FD: fd, IsFD: true, Offset: offset, Length: length})
}

// Pending returns the number of packets waiting on the connection.
func (t *Table) Pending(u api.UUID) int {
	s := t.slotOf(u)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(u) {
		return 0
	}
	return s.q.count
}

// Read pulls bytes through the connection's hook into buf. No data maps to
// ErrWouldBlock; a dead connection is torn down and reports
// ErrConnectionClosed.
func (t *Table) Read(u api.UUID, buf []byte) (int, error) {
	s := t.slotOf(u)
	if s == nil {
		return 0, api.ErrInvalidUUID
	}
	s.mu.Lock()
	if !s.validLocked(u) {
		s.mu.Unlock()
		return 0, api.ErrInvalidUUID
	}
	n, err := s.hook.Read(u, s.hookData, buf)
	if n > 0 {
		atomic.StoreInt64(&s.lastActive, nowMillis())
	}
	if err == nil && n == 0 && len(buf) > 0 {
		// A zero count with a nil error is the hook's clean EOF.
		err = api.ErrConnectionClosed
	}
	if err == api.ErrConnectionClosed {
		cleanup := t.teardownLocked(uuidFD(u), s)
		s.mu.Unlock()
		cleanup()
		return n, err
	}
	s.mu.Unlock()
	return n, err
}

// Flush attempts to drain the packet queue. It returns the number of
// pending packets left; once the queue is empty but the RW hook still
// buffers data, it returns the hook's Flush count instead (0 means fully
// drained, including hook buffers). It reports ErrWouldBlock when another
// flush of the same connection is in progress.
// A connection marked for closure is torn down once drained.
func (t *Table) Flush(u api.UUID) (int, error) {
	s := t.slotOf(u)
	if s == nil {
		return 0, api.ErrInvalidUUID
	}
	if !atomic.CompareAndSwapUint32(&s.flushGate, 0, 1) {
		return t.Pending(u), api.ErrWouldBlock
	}
	defer atomic.StoreUint32(&s.flushGate, 0)

	s.mu.Lock()
	if !s.validLocked(u) {
		s.mu.Unlock()
		return 0, api.ErrInvalidUUID
	}
	for s.q.head != nil {
		p := s.q.head
		n, err := t.writePacket(u, s, p)
		if n > 0 {
			atomic.StoreInt64(&s.lastActive, nowMillis())
			p.sent += int64(n)
		}
		if p.remaining() <= 0 {
			s.q.pop()
			p.release()
			continue
		}
		if err == api.ErrWouldBlock || err == nil {
			// Kernel buffer full (or short write); wait for writability.
			left := s.q.count
			s.mu.Unlock()
			t.wantWrite(uuidFD(u))
			return left, nil
		}
		// Fatal transport error: abandon the connection.
		cleanup := t.teardownLocked(uuidFD(u), s)
		s.mu.Unlock()
		cleanup()
		return 0, api.ErrConnectionClosed
	}
	hookLeft := 0
	if s.hook != nil {
		hookLeft, _ = s.hook.Flush(u, s.hookData)
	}
	if hookLeft > 0 {
		s.mu.Unlock()
		t.wantWrite(uuidFD(u))
		return hookLeft, nil
	}
	if s.closing {
		cleanup := t.teardownLocked(uuidFD(u), s)
		s.mu.Unlock()
		cleanup()
		return 0, nil
	}
	s.mu.Unlock()
	return 0, nil
}

// FlushAll makes one flush attempt on every open connection.
func (t *Table) FlushAll() {
	t.ForEachOpen(func(u api.UUID) {
		_, _ = t.Flush(u)
	})
}

// writePacket pushes bytes of the head packet to the peer. Called under
// the slot lock; returns bytes advanced and ErrWouldBlock / fatal errors.
func (t *Table) writePacket(u api.UUID, s *slot, p *Packet) (int, error) {
	if !p.IsFD {
		b := p.Buffer[p.Offset+p.sent : p.Offset+p.Length]
		return s.hook.Write(u, s.hookData, b)
	}
	if s.hook == DefaultHooks {
		return sendfilePacket(uuidFD(u), p)
	}
	return t.copyPacket(u, s, p)
}

// sendfilePacket moves file bytes in kernel space.
func sendfilePacket(dst int, p *Packet) (int, error) {
	count := p.remaining()
	if count > sendfileMaxChunk {
		count = sendfileMaxChunk
	}
	off := p.Offset + p.sent
	n, err := unix.Sendfile(dst, p.FD, &off, int(count))
	switch err {
	case nil:
		if n == 0 {
			// Source exhausted before Length bytes; treat as complete.
			p.Length = p.sent
		}
		return n, nil
	case unix.EINTR, unix.EAGAIN:
		return n, api.ErrWouldBlock
	default:
		return n, api.ErrConnectionClosed
	}
}

// copyPacket streams file bytes through a custom hook using a bounded
// chunk buffer, so memory use stays flat for arbitrarily large files.
func (t *Table) copyPacket(u api.UUID, s *slot, p *Packet) (int, error) {
	chunk := t.chunks.GetBuffer()
	defer t.chunks.PutBuffer(chunk)
	buf := *chunk
	count := p.remaining()
	if count > int64(len(buf)) {
		count = int64(len(buf))
	}
	m, err := unix.Pread(p.FD, buf[:count], p.Offset+p.sent)
	if err != nil {
		return 0, api.ErrConnectionClosed
	}
	if m == 0 {
		p.Length = p.sent
		return 0, nil
	}
	return s.hook.Write(u, s.hookData, buf[:m])
}
