// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"github.com/wuyongjia/pool"
)

// DefaultChunkSize is the chunk used by the file-streaming path.
const DefaultChunkSize = 16 * 1024

// BytePool is a leaky pool of equally sized byte buffers.
type BytePool struct {
	p    *pool.Pool
	size int
}

// NewBytePool creates a pool holding up to capacity buffers of size bytes.
func NewBytePool(capacity, size int) *BytePool {
	if capacity < 1 {
		capacity = 1
	}
	if size < 1 {
		size = DefaultChunkSize
	}
	bp := &BytePool{size: size}
	bp.p = pool.New(capacity, func() interface{} {
		buf := make([]byte, size)
		return &buf
	})
	return bp
}

// Size returns the byte size of buffers handed out by this pool.
func (b *BytePool) Size() int { return b.size }

// GetBuffer borrows a buffer. When the pool is exhausted a fresh buffer is
// allocated instead, so GetBuffer never fails.
func (b *BytePool) GetBuffer() *[]byte {
	item, err := b.p.Get()
	if err == nil {
		if buf, ok := item.(*[]byte); ok {
			return buf
		}
	}
	buf := make([]byte, b.size)
	return &buf
}

// PutBuffer returns a borrowed buffer.
func (b *BytePool) PutBuffer(buf *[]byte) {
	if buf == nil || len(*buf) != b.size {
		return
	}
	b.p.Put(buf)
}
