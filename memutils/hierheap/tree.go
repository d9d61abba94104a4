package hierheap

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/forkheap/internal/utils"
	"github.com/vkngwrapper/forkheap/memutils"
	"github.com/vkngwrapper/forkheap/memutils/blocks"
	"github.com/vkngwrapper/forkheap/memutils/remset"
)

// DefaultMinChunkBlocks is the smallest chunk Extend asks for when Config.MinChunkBlocks is 0
const DefaultMinChunkBlocks int = 1

// ChunkAllocator supplies the block runs that back chunks. *blocks.BlockAllocator implements it.
type ChunkAllocator interface {
	AllocateBlocks(numBlocks int) (blocks.Blocks, error)
}

// ChunkFreer takes back block runs when chunks are released. *blocks.BlockAllocator implements it.
type ChunkFreer interface {
	FreeBlocks(run blocks.Blocks) error
}

type Config struct {
	// BlockSize must match the block size of the allocators chunks come from
	BlockSize int
	// MinChunkBlocks is the smallest number of blocks Extend allocates at once
	MinChunkBlocks int
	// UseMutex guards the tree and every remembered set. It can be left off when the caller
	// synchronizes access itself.
	UseMutex bool
}

// Tree is an arena of heap nodes linked into a tree that mirrors the fork/join structure of the
// tasks running on them. A node's depth in the tree is its level.
//
// Structural changes (new nodes, append, merge, release) and frontier updates take the tree's
// write lock. Block runs are allocated and freed outside of it, since allocators may have to wait
// for the global section.
type Tree struct {
	logger *slog.Logger
	config Config
	pins   remset.PinLevels
	mutex  utils.OptionalRWMutex

	nodes     []*node
	freeSlots []uint32
	numLive   int

	// owners maps the index of every block held by a chunk to the node owning it
	owners    *swiss.Map[uint64, NodeID]
	blockLog2 int
}

func NewTree(logger *slog.Logger, config Config, pins remset.PinLevels) (*Tree, error) {
	if config.MinChunkBlocks == 0 {
		config.MinChunkBlocks = DefaultMinChunkBlocks
	}
	err := memutils.CheckPow2(config.BlockSize, "BlockSize")
	if err != nil {
		return nil, err
	}
	if config.MinChunkBlocks < 0 {
		return nil, errors.Newf("MinChunkBlocks cannot be negative, but is %d", config.MinChunkBlocks)
	}
	if pins == nil {
		return nil, errors.New("a heap tree requires pin levels for its remembered sets")
	}

	return &Tree{
		logger:    logger,
		config:    config,
		pins:      pins,
		mutex:     utils.OptionalRWMutex{UseMutex: config.UseMutex},
		owners:    swiss.NewMap[uint64, NodeID](64),
		blockLog2: memutils.Log2Floor(config.BlockSize),
	}, nil
}

func (t *Tree) BlockSize() int { return t.config.BlockSize }

// NumLive returns the number of nodes that have not been merged away or released
func (t *Tree) NumLive() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	return t.numLive
}

func (t *Tree) get(id NodeID) (*node, error) {
	if id.IsNil() || int(id.index) >= len(t.nodes) {
		return nil, memutils.InvariantViolationf("heap node %s does not exist", id)
	}

	n := t.nodes[id.index]
	if !n.live || n.generation != id.generation {
		return nil, memutils.InvariantViolationf("heap node %s has been retired", id)
	}
	return n, nil
}

func (t *Tree) newNode(root bool) NodeID {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var index uint32
	if len(t.freeSlots) > 0 {
		index = t.freeSlots[len(t.freeSlots)-1]
		t.freeSlots = t.freeSlots[:len(t.freeSlots)-1]
	} else {
		index = uint32(len(t.nodes))
		t.nodes = append(t.nodes, &node{})
	}

	n := t.nodes[index]
	n.reset()
	n.generation++
	n.live = true
	n.root = root
	n.remembered = remset.NewSet(0, t.pins, t.config.UseMutex)
	t.numLive++

	return NodeID{index: index, generation: n.generation}
}

// NewNode creates a fresh orphan node, ready to be attached to a parent with AppendChild
func (t *Tree) NewNode() NodeID {
	return t.newNode(false)
}

// NewRoot creates a node at level 0 that can never be given a parent
func (t *Tree) NewRoot() NodeID {
	return t.newNode(true)
}

// retire frees a node's slot. The caller must already have unlinked it.
func (t *Tree) retire(id NodeID, n *node) {
	n.reset()
	t.freeSlots = append(t.freeSlots, id.index)
	t.numLive--
}

// AppendChild attaches a fresh node to parent. child must be live, parentless and childless, and
// must not own any chunks.
func (t *Tree) AppendChild(parent, child NodeID) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	p, err := t.get(parent)
	if err != nil {
		return err
	}
	c, err := t.get(child)
	if err != nil {
		return err
	}

	switch {
	case parent == child:
		return memutils.InvariantViolationf("heap node %s cannot be its own child", child)
	case c.root:
		return memutils.InvariantViolationf("heap node %s is a root", child)
	case !c.parent.IsNil():
		return memutils.InvariantViolationf("heap node %s already has parent %s", child, c.parent)
	case !c.firstChild.IsNil():
		return memutils.InvariantViolationf("heap node %s already has children", child)
	case len(c.chunks) > 0:
		return memutils.InvariantViolationf("heap node %s already owns %d chunks", child, len(c.chunks))
	}

	err = c.remembered.Relevel(p.level + 1)
	if err != nil {
		return err
	}

	c.parent = parent
	c.level = p.level + 1
	c.prevSibling = NoNode
	c.nextSibling = p.firstChild
	if !p.firstChild.IsNil() {
		t.nodes[p.firstChild.index].prevSibling = child
	}
	p.firstChild = child

	return nil
}

// unlink removes a node from its parent's child list
func (t *Tree) unlink(id NodeID, n *node) {
	if n.parent.IsNil() {
		return
	}

	p := t.nodes[n.parent.index]
	if n.prevSibling.IsNil() {
		p.firstChild = n.nextSibling
	} else {
		t.nodes[n.prevSibling.index].nextSibling = n.nextSibling
	}
	if !n.nextSibling.IsNil() {
		t.nodes[n.nextSibling.index].prevSibling = n.prevSibling
	}

	n.parent = NoNode
	n.prevSibling = NoNode
	n.nextSibling = NoNode
}

// MergeIntoParent folds child into its parent and retires it. The child must have no children of
// its own; if it does, nothing is changed. The parent keeps allocating in its own active chunk and
// the child's chunks are appended after the parent's. Entries in the child's remembered set move
// to the parent's.
func (t *Tree) MergeIntoParent(child NodeID) error {
	defer memutils.DebugValidate(t)
	t.mutex.Lock()
	defer t.mutex.Unlock()

	c, err := t.get(child)
	if err != nil {
		return err
	}
	if c.parent.IsNil() {
		return memutils.InvariantViolationf("heap node %s has no parent to merge into", child)
	}
	if !c.firstChild.IsNil() {
		return memutils.InvariantViolationf("heap node %s still has children and cannot be merged", child)
	}

	parent := c.parent
	p := t.nodes[parent.index]

	err = c.remembered.MergeInto(p.remembered)
	if err != nil {
		return err
	}

	// Persist the child's frontier into its chunk before handing the chunks over
	if active := c.activeChunk(); active != nil {
		active.frontier = c.savedFrontier
	}

	if p.lastAllocated < 0 && c.lastAllocated >= 0 {
		p.lastAllocated = len(p.chunks) + c.lastAllocated
		p.savedFrontier = c.savedFrontier
	}
	for _, chunk := range c.chunks {
		t.setOwner(chunk, parent)
	}
	p.chunks = append(p.chunks, c.chunks...)

	t.unlink(child, c)
	t.retire(child, c)

	t.logger.LogAttrs(context.Background(), slog.LevelDebug, "Merged heap node into parent",
		slog.String("child", child.String()),
		slog.String("parent", parent.String()),
		slog.Int("parent.chunks", len(p.chunks)),
	)
	return nil
}

func (t *Tree) setOwner(chunk Chunk, owner NodeID) {
	first := uint64(chunk.Span().Base) >> t.blockLog2
	for i := 0; i < chunk.blocks.NumBlocks(); i++ {
		t.owners.Put(first+uint64(i), owner)
	}
}

func (t *Tree) clearOwner(chunk Chunk) {
	first := uint64(chunk.Span().Base) >> t.blockLog2
	for i := 0; i < chunk.blocks.NumBlocks(); i++ {
		t.owners.Delete(first + uint64(i))
	}
}

// Extend gives node a new chunk large enough for bytes bytes, and makes it the node's active
// chunk. Space left in the previous active chunk is abandoned.
func (t *Tree) Extend(id NodeID, bytes int, allocator ChunkAllocator) error {
	if bytes < 0 {
		return memutils.InvariantViolationf("cannot extend heap node %s by %d bytes", id, bytes)
	}

	t.mutex.RLock()
	_, err := t.get(id)
	t.mutex.RUnlock()
	if err != nil {
		return err
	}

	numBlocks := memutils.DivCeil(bytes, t.config.BlockSize)
	if numBlocks < t.config.MinChunkBlocks {
		numBlocks = t.config.MinChunkBlocks
	}

	run, err := allocator.AllocateBlocks(numBlocks)
	if err != nil {
		return errors.Wrapf(err, "failed to extend heap node %s by %d bytes", id, bytes)
	}

	defer memutils.DebugValidate(t)
	t.mutex.Lock()
	defer t.mutex.Unlock()

	n, err := t.get(id)
	if err != nil {
		// Retired while we were allocating
		if freer, ok := allocator.(ChunkFreer); ok {
			err = errors.CombineErrors(err, freer.FreeBlocks(run))
		}
		return err
	}

	if active := n.activeChunk(); active != nil {
		active.frontier = n.savedFrontier
	}

	chunk := newChunk(run)
	n.chunks = append(n.chunks, chunk)
	n.lastAllocated = len(n.chunks) - 1
	n.savedFrontier = chunk.frontier
	t.setOwner(chunk, id)

	t.logger.LogAttrs(context.Background(), slog.LevelDebug, "Extended heap node",
		slog.String("node", id.String()),
		slog.Int("bytes", bytes),
		slog.Int("blocks", run.NumBlocks()),
		slog.String("chunk", chunk.Span().String()),
	)
	return nil
}

// EnsureNotEmpty extends node by a minimum-size chunk if it has none
func (t *Tree) EnsureNotEmpty(id NodeID, allocator ChunkAllocator) error {
	t.mutex.RLock()
	n, err := t.get(id)
	empty := err == nil && n.lastAllocated < 0
	t.mutex.RUnlock()

	if err != nil {
		return err
	}
	if !empty {
		return nil
	}
	return t.Extend(id, 0, allocator)
}

// UpdateValues saves the mutator's frontier into node. The frontier must lie inside the node's
// active chunk.
func (t *Tree) UpdateValues(id NodeID, frontier memutils.Address) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	n, err := t.get(id)
	if err != nil {
		return err
	}

	active := n.activeChunk()
	if active == nil {
		if frontier == memutils.NoAddress {
			return nil
		}
		return memutils.InvariantViolationf("heap node %s has no chunk to hold frontier %s", id, frontier)
	}

	span := active.Span()
	if !span.ContainsBoundary(frontier) {
		return memutils.InvariantViolationf("frontier %s is outside the active chunk %s of heap node %s", frontier, span, id)
	}
	n.savedFrontier = frontier
	active.frontier = frontier
	return nil
}

// Frontier returns the saved bump frontier of node, or NoAddress if it has no chunks
func (t *Tree) Frontier(id NodeID) (memutils.Address, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	n, err := t.get(id)
	if err != nil {
		return memutils.NoAddress, err
	}
	return n.savedFrontier, nil
}

// Limit returns the end of node's active chunk, or NoAddress if it has no chunks
func (t *Tree) Limit(id NodeID) (memutils.Address, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	n, err := t.get(id)
	if err != nil {
		return memutils.NoAddress, err
	}
	active := n.activeChunk()
	if active == nil {
		return memutils.NoAddress, nil
	}
	return active.Limit(), nil
}

// OwnerOf returns the node whose chunks contain addr
func (t *Tree) OwnerOf(addr memutils.Address) (NodeID, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	return t.owners.Get(uint64(addr) >> t.blockLog2)
}

func (t *Tree) Parent(id NodeID) (NodeID, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	n, err := t.get(id)
	if err != nil {
		return NoNode, err
	}
	return n.parent, nil
}

// Level returns the depth of node in the tree. Roots and orphans are at level 0.
func (t *Tree) Level(id NodeID) (int, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	n, err := t.get(id)
	if err != nil {
		return 0, err
	}
	return n.level, nil
}

// Children returns the children of node in no particular order
func (t *Tree) Children(id NodeID) ([]NodeID, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	n, err := t.get(id)
	if err != nil {
		return nil, err
	}

	var children []NodeID
	for child := n.firstChild; !child.IsNil(); child = t.nodes[child.index].nextSibling {
		children = append(children, child)
	}
	return children, nil
}

// Chunks returns a copy of node's chunk list. The active chunk reports the saved frontier.
func (t *Tree) Chunks(id NodeID) ([]Chunk, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	n, err := t.get(id)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, len(n.chunks))
	copy(chunks, n.chunks)
	if n.lastAllocated >= 0 {
		chunks[n.lastAllocated].frontier = n.savedFrontier
	}
	return chunks, nil
}

// RememberedSet returns the remembered set of node, for collectors that need to walk it
func (t *Tree) RememberedSet(id NodeID) (*remset.Set, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	n, err := t.get(id)
	if err != nil {
		return nil, err
	}
	return n.remembered, nil
}

// RememberAtLevel records object in the remembered set of node
func (t *Tree) RememberAtLevel(id NodeID, object memutils.ObjPtr) error {
	return t.RememberDownptr(id, remset.Downptr{Dst: object})
}

// RememberDownptr records a down-pointer stored in node's heap
func (t *Tree) RememberDownptr(id NodeID, ptr remset.Downptr) error {
	set, err := t.RememberedSet(id)
	if err != nil {
		return err
	}

	set.RememberDownptr(ptr)
	return nil
}

// ReleaseChunks frees every chunk of node for which keep returns false. If the active chunk is
// released, the last remaining chunk becomes active with its frontier where it was left.
func (t *Tree) ReleaseChunks(id NodeID, keep func(chunk Chunk) bool, freer ChunkFreer) error {
	released, err := t.detachChunks(id, keep)
	if err != nil {
		return err
	}

	return t.freeChunks(released, freer)
}

func (t *Tree) detachChunks(id NodeID, keep func(chunk Chunk) bool) ([]Chunk, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	n, err := t.get(id)
	if err != nil {
		return nil, err
	}

	if active := n.activeChunk(); active != nil {
		active.frontier = n.savedFrontier
	}

	var kept, released []Chunk
	newActive := -1
	for i, chunk := range n.chunks {
		if keep(chunk) {
			if i == n.lastAllocated {
				newActive = len(kept)
			}
			kept = append(kept, chunk)
			continue
		}
		t.clearOwner(chunk)
		released = append(released, chunk)
	}

	if newActive < 0 {
		newActive = len(kept) - 1
	}
	n.chunks = kept
	n.lastAllocated = newActive
	n.savedFrontier = memutils.NoAddress
	if newActive >= 0 {
		n.savedFrontier = kept[newActive].frontier
	}

	return released, nil
}

func (t *Tree) freeChunks(chunks []Chunk, freer ChunkFreer) error {
	var err error
	for _, chunk := range chunks {
		err = errors.CombineErrors(err, freer.FreeBlocks(chunk.blocks))
	}
	return err
}

// Release frees every chunk of a childless node, drops its remembered set, detaches it from its
// parent and retires it
func (t *Tree) Release(id NodeID, freer ChunkFreer) error {
	chunks, err := t.retireForRelease(id)
	if err != nil {
		return err
	}

	return t.freeChunks(chunks, freer)
}

func (t *Tree) retireForRelease(id NodeID) ([]Chunk, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	n, err := t.get(id)
	if err != nil {
		return nil, err
	}
	if !n.firstChild.IsNil() {
		return nil, memutils.InvariantViolationf("heap node %s still has children and cannot be released", id)
	}

	chunks := n.chunks
	for _, chunk := range chunks {
		t.clearOwner(chunk)
	}
	n.remembered.Clear()

	t.unlink(id, n)
	t.retire(id, n)
	return chunks, nil
}
