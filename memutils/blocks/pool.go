package blocks

import (
	"math"
	"sync/atomic"
)

// Pool tracks the bytes that every allocator built on one global allocator holds. Size and
// Allocated are read without the global section, so both are kept in atomics.
type Pool struct {
	source Source

	// size counts bytes acquired from the source and not yet released
	size atomic.Int64
	// allocated counts bytes handed out by AllocateBlocks and not yet freed
	allocated atomic.Int64
}

// Size returns the number of bytes currently held from the Source, including megablocks
func (p *Pool) Size() int {
	return int(p.size.Load())
}

// Allocated returns the number of bytes currently handed out to callers of AllocateBlocks
func (p *Pool) Allocated() int {
	return int(p.allocated.Load())
}

// AllocatedRatio returns Size/Allocated. It is +Inf while nothing is allocated. A small ratio means
// most of the pool is in use.
func (p *Pool) AllocatedRatio() float64 {
	allocated := p.Allocated()
	if allocated == 0 {
		return math.Inf(1)
	}
	return float64(p.Size()) / float64(allocated)
}

// Source returns the raw memory source backing the pool
func (p *Pool) Source() Source {
	return p.source
}
