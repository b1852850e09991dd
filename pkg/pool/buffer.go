package pool

import "sync"

// BufferPool hands out reusable byte slices of a fixed size for the chunked
// copy loop. Buffers are pooled as pointers to slices to avoid an allocation
// on every Put (a known sync.Pool pitfall with plain slices).
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool creates a pool of buffers of the given size in bytes.
// Sizes below 4KB are clamped; a tiny chunk size would turn every file
// copy into thousands of syscalls.
func NewBufferPool(size int) *BufferPool {
	if size < 4*1024 {
		size = 4 * 1024
	}
	p := &BufferPool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Size returns the size of the buffers handed out by this pool.
func (p *BufferPool) Size() int {
	return p.size
}

// Get returns a buffer from the pool.
func (p *BufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. The buffer's length is reset to its
// capacity so a short final read in a previous copy can't shrink it for
// the next user.
func (p *BufferPool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) != p.size {
		return // Foreign buffer, drop it.
	}
	*buf = (*buf)[:cap(*buf)]
	p.pool.Put(buf)
}
