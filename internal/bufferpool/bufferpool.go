// Package bufferpool reuses fixed size read buffers between transfers.
package bufferpool

import "sync"

// Pool is a wrapper around sync.Pool that hands out byte slices of a single size.
type Pool struct {
	pool sync.Pool
	size int
}

// New returns a new Pool for buffers of size bytes.
func New(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Size returns the length of buffers in the pool.
func (p *Pool) Size() int {
	return p.size
}

// Get a Buffer from the pool. It must be released after the work is done.
func (p *Pool) Get() *Buffer {
	return &Buffer{
		buf:  p.pool.Get().(*[]byte),
		pool: p,
	}
}

// Buffer is a slice borrowed from a Pool.
type Buffer struct {
	buf  *[]byte
	pool *Pool
}

// Data returns the underlying slice. It returns nil after Release.
func (b *Buffer) Data() []byte {
	if b.buf == nil {
		return nil
	}
	return *b.buf
}

// Release returns the Buffer to the Pool. Calling Release more than once has no effect.
func (b *Buffer) Release() {
	if b.buf == nil {
		return
	}
	// argument to Put should be pointer-like to avoid allocations
	b.pool.pool.Put(b.buf)
	b.buf = nil
}
