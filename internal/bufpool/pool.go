// Package bufpool recycles fixed-size datagram buffers for receive loops.
package bufpool

import (
	"sync"
	"sync/atomic"
)

// Pool hands out buffers of exactly Size bytes.
type Pool struct {
	pool   sync.Pool
	size   int
	gets   atomic.Uint64
	allocs atomic.Uint64
}

// New creates a pool of size-byte buffers.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		p.allocs.Add(1)
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Get returns a buffer of Size bytes. Contents are unspecified.
func (p *Pool) Get() []byte {
	p.gets.Add(1)
	buf := p.pool.Get().(*[]byte)
	return (*buf)[:p.size]
}

// Put returns buf to the pool. Buffers smaller than Size are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}

// Size returns the buffer size.
func (p *Pool) Size() int {
	return p.size
}

// Stats reports how many buffers were requested and how many of those had
// to be allocated.
func (p *Pool) Stats() (gets, allocs uint64) {
	return p.gets.Load(), p.allocs.Load()
}
