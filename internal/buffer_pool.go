package internal

import (
	"bytes"
	"sync"
)

// maxPooledBuffer caps the capacity of buffers kept for reuse, so one large
// value does not pin a large buffer in the pool.
const maxPooledBuffer = 1 << 20

// BufferPool hands out read buffers for batches and takes them back when a
// batch ends.
type BufferPool struct {
	pool sync.Pool
}

func NewBufferPool(initialSize int) *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				return bytes.NewBuffer(make([]byte, 0, initialSize))
			},
		},
	}
}

func (p *BufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

// Release returns buf to the pool.
func (p *BufferPool) Release(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBuffer {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}
