// File: core/sock/packet.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Outgoing packets. A packet is either an in-memory slice or a descriptor
// range (a file streamed to the peer). Ownership transfers to the
// connection on enqueue; the release hook runs exactly once on every exit
// path: full transmission, write error, or slot teardown.

package sock

import "golang.org/x/sys/unix"

// Packet is one outbound unit queued on a connection.
type Packet struct {
	// Buffer holds the payload for in-memory packets.
	Buffer []byte
	// FD is the source descriptor for file packets.
	FD int
	// IsFD selects the file variant.
	IsFD bool
	// Offset is the starting point within the buffer or file.
	Offset int64
	// Length is the number of bytes to send. Zero on a memory packet means
	// "the rest of the buffer past Offset".
	Length int64
	// Urgent inserts the packet at the head of the queue, though never
	// before a packet already in transmission.
	Urgent bool
	// Dealloc releases the buffer of a memory packet. Nil leaves the
	// release to the garbage collector.
	Dealloc func(buf []byte)
	// Close releases the descriptor of a file packet. Nil closes it with
	// the system call.
	Close func(fd int)

	next *Packet
	sent int64 // bytes already transmitted from this packet
	done bool  // release guard
}

// remaining reports bytes not yet transmitted.
func (p *Packet) remaining() int64 { return p.Length - p.sent }

// release runs the packet's deallocator exactly once.
func (p *Packet) release() {
	if p.done {
		return
	}
	p.done = true
	if p.IsFD {
		if p.Close != nil {
			p.Close(p.FD)
		} else {
			_ = unix.Close(p.FD)
		}
		return
	}
	if p.Dealloc != nil {
		p.Dealloc(p.Buffer)
	}
}

// normalize fills derived fields; reports false for unusable packets.
func (p *Packet) normalize() bool {
	if p.IsFD {
		return p.FD >= 0 && p.Length > 0
	}
	if p.Length == 0 {
		p.Length = int64(len(p.Buffer)) - p.Offset
	}
	return p.Length > 0 && p.Offset+p.Length <= int64(len(p.Buffer))
}

// packetQueue is the singly linked FIFO hanging off an fd slot. All
// operations run under the slot mutex.
type packetQueue struct {
	head, tail *Packet
	count      int
}

// push appends p, honoring the urgent flag. inFlight tells the queue that
// the current head is being transmitted and must keep its position.
func (q *packetQueue) push(p *Packet, inFlight bool) {
	q.count++
	if q.head == nil {
		q.head, q.tail = p, p
		return
	}
	if !p.Urgent {
		q.tail.next = p
		q.tail = p
		return
	}
	if inFlight || q.head.sent > 0 {
		p.next = q.head.next
		q.head.next = p
		if q.tail == q.head {
			q.tail = p
		}
		return
	}
	p.next = q.head
	q.head = p
}

// pop removes and returns the head packet.
func (q *packetQueue) pop() *Packet {
	p := q.head
	if p == nil {
		return nil
	}
	q.head = p.next
	if q.head == nil {
		q.tail = nil
	}
	p.next = nil
	q.count--
	return p
}

// drain detaches the whole chain for release outside the slot lock.
func (q *packetQueue) drain() *Packet {
	p := q.head
	q.head, q.tail, q.count = nil, nil, 0
	return p
}

// releaseChain releases every packet in a detached chain.
func releaseChain(p *Packet) {
	for p != nil {
		next := p.next
		p.release()
		p = next
	}
}
