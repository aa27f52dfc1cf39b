// Package bufferpool implements the fixed-capacity raw-read buffer
// pool and the decoded-block LRU cache.
package bufferpool

import "sync"

// DefaultBufferSize is the default raw-read buffer size (256 KiB).
const DefaultBufferSize = 256 * 1024

// Pool is a fixed-capacity pool of page-aligned raw-read buffers. One
// contiguous slab is carved into a free-list at construction; alloc
// blocks (via Wait) or fails fast (via TryAlloc) once exhausted.
type Pool struct {
	bufSize  int
	mu       sync.Mutex
	cond     *sync.Cond
	free     [][]byte
	capacity int
}

// New allocates totalMemory/bufSize buffers of bufSize bytes each.
func New(totalMemory, bufSize int) *Pool {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	count := totalMemory / bufSize
	if count < 1 {
		count = 1
	}
	slab := make([]byte, count*bufSize)
	p := &Pool{bufSize: bufSize, capacity: count}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < count; i++ {
		// Cap each buffer at bufSize so callers can tell pool buffers
		// (cap == BufferSize) from oversized allocations.
		p.free = append(p.free, slab[i*bufSize:(i+1)*bufSize:(i+1)*bufSize])
	}
	return p
}

// BufferSize returns the fixed size of every buffer in the pool.
func (p *Pool) BufferSize() int { return p.bufSize }

// Capacity returns the total number of buffers in the pool.
func (p *Pool) Capacity() int { return p.capacity }

// TryAlloc returns a free buffer without blocking, or (nil, false) if
// none is available.
func (p *Pool) TryAlloc() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, false
	}
	n := len(p.free) - 1
	b := p.free[n]
	p.free = p.free[:n]
	return b, true
}

// Wait blocks until a buffer is available.
func (p *Pool) Wait() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.free) == 0 {
		p.cond.Wait()
	}
	n := len(p.free) - 1
	b := p.free[n]
	p.free = p.free[:n]
	return b
}

// Free returns b to the pool and wakes any blocked allocator.
func (p *Pool) Free(b []byte) {
	p.mu.Lock()
	p.free = append(p.free, b[:p.bufSize])
	p.mu.Unlock()
	p.cond.Signal()
}

// Available reports the number of currently-free buffers (for tests
// and diagnostics only).
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
