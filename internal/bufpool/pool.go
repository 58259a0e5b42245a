package bufpool

import (
	"sync"
	"sync/atomic"
)

// Pool provides a pool of byte buffers of a fixed size.
// The engine reads transfer bodies into these and hands them to write
// callbacks, so the same few buffers cycle through every active transfer.
type Pool struct {
	pool        sync.Pool
	bufSize     int
	outstanding atomic.Int64
}

// New creates a new buffer pool that returns buffers of exactly bufSize bytes.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	return &Pool{
		bufSize: bufSize,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, bufSize)
			},
		},
	}
}

// Get returns a buffer from the pool, or allocates a new one if the pool is empty.
// The returned buffer is always exactly bufSize bytes.
func (p *Pool) Get() []byte {
	p.outstanding.Add(1)
	buf := p.pool.Get().([]byte)
	if cap(buf) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns a buffer to the pool for reuse.
// Buffers smaller than bufSize are dropped but still count as returned.
func (p *Pool) Put(buf []byte) {
	p.outstanding.Add(-1)
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(buf)
}

// Outstanding returns the number of buffers handed out by Get and not yet Put.
// Buffers abandoned by a cancelled transfer stay counted.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}
