package hierheap

import (
	"fmt"

	"github.com/vkngwrapper/forkheap/memutils"
	"github.com/vkngwrapper/forkheap/memutils/blocks"
	"github.com/vkngwrapper/forkheap/memutils/remset"
)

// NodeID addresses a heap node in a Tree. IDs stay valid until the node is merged into its
// parent or released; after that the slot is reused under a new generation and the old ID is
// rejected.
type NodeID struct {
	index      uint32
	generation uint32
}

// NoNode is the zero NodeID. It never refers to a live node.
var NoNode NodeID

func (id NodeID) IsNil() bool {
	return id.generation == 0
}

func (id NodeID) String() string {
	if id.IsNil() {
		return "NoNode"
	}
	return fmt.Sprintf("%d.%d", id.index, id.generation)
}

// Chunk is a run of blocks owned by one heap node, with a bump frontier
type Chunk struct {
	blocks   blocks.Blocks
	frontier memutils.Address
}

func newChunk(run blocks.Blocks) Chunk {
	return Chunk{blocks: run, frontier: run.Span().Base}
}

// Blocks returns the block run backing the chunk
func (c Chunk) Blocks() blocks.Blocks { return c.blocks }

// Span returns the address range of the chunk
func (c Chunk) Span() memutils.Span { return c.blocks.Span() }

// Frontier returns the first unallocated address in the chunk
func (c Chunk) Frontier() memutils.Address { return c.frontier }

// Limit returns the end of the chunk
func (c Chunk) Limit() memutils.Address { return c.blocks.Span().End() }

// FreeBytes returns the number of bytes between the frontier and the limit
func (c Chunk) FreeBytes() int { return int(c.Limit() - c.frontier) }

// UsedBytes returns the number of bytes below the frontier
func (c Chunk) UsedBytes() int { return int(c.frontier - c.blocks.Span().Base) }

type node struct {
	generation uint32
	live       bool
	root       bool

	parent      NodeID
	firstChild  NodeID
	prevSibling NodeID
	nextSibling NodeID
	level       int

	chunks []Chunk
	// lastAllocated indexes the chunk the mutator bumps in, or is -1 while the node has no chunks
	lastAllocated int
	savedFrontier memutils.Address

	remembered *remset.Set
}

func (n *node) activeChunk() *Chunk {
	if n.lastAllocated < 0 {
		return nil
	}
	return &n.chunks[n.lastAllocated]
}

func (n *node) reset() {
	n.live = false
	n.root = false
	n.parent = NoNode
	n.firstChild = NoNode
	n.prevSibling = NoNode
	n.nextSibling = NoNode
	n.level = 0
	n.chunks = nil
	n.lastAllocated = -1
	n.savedFrontier = memutils.NoAddress
	n.remembered = nil
}
