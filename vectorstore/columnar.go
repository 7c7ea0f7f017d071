package vectorstore

import (
	"sync"
	"sync/atomic"
)

const (
	// chunkVectors is the number of vectors per chunk. Chunked growth
	// avoids copying the whole store when it expands.
	chunkVectors = 4096
)

// Columnar is a chunked, append-mostly float32 store. Reads are
// lock-free; growth copies only the chunk directory, never vector data,
// so concurrent readers keep valid views.
type Columnar struct {
	dim    int
	chunks atomic.Pointer[[][]float32]
	mu     sync.Mutex // guards growth and writes
}

var _ Store = (*Columnar)(nil)

// NewColumnar creates a columnar store for vectors of dimension dim.
func NewColumnar(dim int) *Columnar {
	c := &Columnar{dim: dim}
	empty := make([][]float32, 0)
	c.chunks.Store(&empty)
	return c
}

// Dimension returns the configured vector dimension.
func (c *Columnar) Dimension() int { return c.dim }

// Get returns a read-only view of the vector stored under id.
func (c *Columnar) Get(id uint32) ([]float32, bool) {
	chunks := *c.chunks.Load()
	chunkIdx := int(id) / chunkVectors
	if chunkIdx >= len(chunks) {
		return nil, false
	}
	off := (int(id) % chunkVectors) * c.dim
	v := chunks[chunkIdx][off : off+c.dim : off+c.dim]
	// A zero dimension store can't distinguish empty from absent; the
	// engine never configures dim == 0.
	return v, true
}

// Set copies v into the slot for id, growing the store as needed.
func (c *Columnar) Set(id uint32, v []float32) error {
	if len(v) != c.dim {
		return ErrWrongDimension
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	chunkIdx := int(id) / chunkVectors
	chunks := *c.chunks.Load()
	if chunkIdx >= len(chunks) {
		grown := make([][]float32, chunkIdx+1)
		copy(grown, chunks)
		for i := len(chunks); i < len(grown); i++ {
			grown[i] = make([]float32, chunkVectors*c.dim)
		}
		c.chunks.Store(&grown)
		chunks = grown
	}

	off := (int(id) % chunkVectors) * c.dim
	copy(chunks[chunkIdx][off:off+c.dim], v)
	return nil
}
