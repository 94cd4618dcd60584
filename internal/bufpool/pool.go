// Package bufpool recycles the fixed-size part buffers the transfer
// engine moves between its reader loop and its upload workers.
package bufpool

import "sync"

// Pool hands out byte buffers of a fixed size. A buffer travels from the
// part reader to an upload worker and comes back to the pool once the
// worker has flushed it, keeping steady-state allocation near zero.
type Pool struct {
	size int
	pool sync.Pool
}

// New creates a pool of size-byte buffers.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a buffer of exactly the pool's size.
func (p *Pool) Get() []byte {
	return (*p.pool.Get().(*[]byte))[:p.size]
}

// Put returns a buffer for reuse. Buffers that were resliced below the
// pool size keep their capacity and are accepted; foreign buffers that
// are too small are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// Size returns the buffer size this pool hands out.
func (p *Pool) Size() int {
	return p.size
}
