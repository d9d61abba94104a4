package blocks

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/forkheap/memutils"
)

const noFreeGroup int32 = -1

// SuperBlock is a run of 2^SuperBlockSizeClass blocks that hands out blocks in groups of
// 2^sizeClass. E.g. sizeClass == 2 means that blocks are allocated in groups of 4:
//
//	{0 1 2 3}  {4 5 6 7}  {8 9 10 11} ...
//
// Only group starts (0, 4, 8 in the example) ever appear in the freelist.
//
// Dedicated superblocks (megablocks) hold exactly one allocation that was too large for any
// size class and are released back to the Source as soon as it is freed.
type SuperBlock struct {
	owner     atomic.Pointer[BlockAllocator]
	span      memutils.Span
	blockSize int
	numBlocks int
	dedicated bool

	sizeClass     int
	numBlocksFree int

	// The freelist is LIFO. nextFree[i] links group start i to the next free group start.
	firstFree int32
	nextFree  []int32
	// inUse[i] is true while the group starting at block i is handed out
	inUse []bool

	// frontier is the barrier between carved-out groups and untouched blocks, as a block index. It is
	// always a multiple of the group size, and is reset to 0 when the superblock becomes completely
	// empty, so reclassifying an empty superblock is O(1).
	frontier int

	group FullnessGroup
	prev  *SuperBlock
	next  *SuperBlock
}

func newSuperBlock(span memutils.Span, blockSize int, sizeClass int) *SuperBlock {
	numBlocks := span.Length / blockSize
	sb := &SuperBlock{
		span:          span,
		blockSize:     blockSize,
		numBlocks:     numBlocks,
		sizeClass:     sizeClass,
		numBlocksFree: numBlocks,
		firstFree:     noFreeGroup,
		nextFree:      make([]int32, numBlocks),
		inUse:         make([]bool, numBlocks),
		group:         CompletelyEmpty,
	}
	return sb
}

// newMegaBlock wraps a span holding a single run of numBlocks blocks. Sources hand out memory in
// whole superblocks, so the span may extend past the end of the run.
func newMegaBlock(span memutils.Span, blockSize int, numBlocks int) *SuperBlock {
	return &SuperBlock{
		span:          span,
		blockSize:     blockSize,
		numBlocks:     numBlocks,
		dedicated:     true,
		sizeClass:     memutils.Log2Ceil(numBlocks),
		numBlocksFree: numBlocks,
		firstFree:     noFreeGroup,
		group:         CompletelyEmpty,
	}
}

func (sb *SuperBlock) Span() memutils.Span     { return sb.span }
func (sb *SuperBlock) NumBlocks() int          { return sb.numBlocks }
func (sb *SuperBlock) NumBlocksFree() int      { return sb.numBlocksFree }
func (sb *SuperBlock) SizeClass() int          { return sb.sizeClass }
func (sb *SuperBlock) Frontier() int           { return sb.frontier }
func (sb *SuperBlock) Group() FullnessGroup    { return sb.group }
func (sb *SuperBlock) IsDedicated() bool       { return sb.dedicated }
func (sb *SuperBlock) Owner() *BlockAllocator  { return sb.owner.Load() }
func (sb *SuperBlock) groupBlocks() int        { return 1 << sb.sizeClass }
func (sb *SuperBlock) isCompletelyEmpty() bool { return sb.numBlocksFree == sb.numBlocks }

// numRuns returns the number of runs handed out of this superblock
func (sb *SuperBlock) numRuns() int {
	if sb.dedicated {
		if sb.numBlocksFree == 0 {
			return 1
		}
		return 0
	}
	return (sb.numBlocks - sb.numBlocksFree) >> sb.sizeClass
}

// reclassify changes the size class of a completely empty superblock
func (sb *SuperBlock) reclassify(sizeClass int) error {
	if !sb.isCompletelyEmpty() {
		return memutils.InvariantViolationf("cannot change the size class of superblock %s from %d to %d: it has %d blocks in use",
			sb.span, sb.sizeClass, sizeClass, sb.numBlocks-sb.numBlocksFree)
	}
	if sb.frontier != 0 || sb.firstFree != noFreeGroup {
		panic("completely empty superblock still has a frontier or freelist")
	}
	sb.sizeClass = sizeClass
	return nil
}

// allocateGroup hands out one group of 2^sizeClass blocks and returns its first block index
func (sb *SuperBlock) allocateGroup() (int, bool) {
	group := sb.groupBlocks()
	if sb.numBlocksFree < group {
		return 0, false
	}

	var start int
	if sb.firstFree != noFreeGroup {
		start = int(sb.firstFree)
		sb.firstFree = sb.nextFree[start]
		sb.nextFree[start] = noFreeGroup
	} else {
		if sb.frontier+group > sb.numBlocks {
			panic("superblock has free blocks but neither a freelist nor room past its frontier")
		}
		start = sb.frontier
		sb.frontier += group
	}

	sb.inUse[start] = true
	sb.numBlocksFree -= group
	return start, true
}

// freeGroup returns the group beginning at start to the freelist
func (sb *SuperBlock) freeGroup(start, numBlocks int) error {
	group := sb.groupBlocks()
	if numBlocks != group {
		return memutils.InvariantViolationf("freeing %d blocks from superblock %s, which allocates in groups of %d",
			numBlocks, sb.span, group)
	}
	if start < 0 || start >= sb.frontier || start%group != 0 {
		return memutils.InvariantViolationf("block %d is not an allocated group start in superblock %s", start, sb.span)
	}
	if !sb.inUse[start] {
		return errors.WithDetailf(
			memutils.InvariantViolationf("double free of block %d in superblock %s", start, sb.span),
			"size class %d, %d blocks free", sb.sizeClass, sb.numBlocksFree)
	}

	sb.inUse[start] = false
	sb.numBlocksFree += group

	if sb.isCompletelyEmpty() {
		// Drop the freelist entirely so the superblock can be reclassified in O(1)
		for i := sb.firstFree; i != noFreeGroup; {
			next := sb.nextFree[i]
			sb.nextFree[i] = noFreeGroup
			i = next
		}
		sb.firstFree = noFreeGroup
		sb.frontier = 0
		return nil
	}

	sb.nextFree[start] = sb.firstFree
	sb.firstFree = int32(start)
	return nil
}

// blocksAt builds the region handle for a group handed out by this superblock
func (sb *SuperBlock) blocksAt(start, numBlocks int) Blocks {
	return Blocks{container: sb, first: start, numBlocks: numBlocks}
}

func (sb *SuperBlock) validate(config *Config) error {
	if sb.dedicated {
		if sb.numBlocksFree != 0 {
			return errors.Newf("megablock %s is held but not in use", sb.span)
		}
		return nil
	}

	group := sb.groupBlocks()
	if sb.frontier%group != 0 {
		return errors.Newf("superblock %s frontier %d is not aligned to its group size %d", sb.span, sb.frontier, group)
	}
	if sb.frontier > sb.numBlocks {
		return errors.Newf("superblock %s frontier %d is past its end %d", sb.span, sb.frontier, sb.numBlocks)
	}

	freeListBlocks := 0
	for i := sb.firstFree; i != noFreeGroup; i = sb.nextFree[i] {
		if int(i) >= sb.frontier || int(i)%group != 0 {
			return errors.Newf("superblock %s freelist contains invalid group start %d", sb.span, i)
		}
		if sb.inUse[i] {
			return errors.Newf("superblock %s freelist contains in-use group %d", sb.span, i)
		}
		freeListBlocks += group
		if freeListBlocks > sb.numBlocks {
			return errors.Newf("superblock %s freelist has a cycle", sb.span)
		}
	}

	inUseBlocks := 0
	for i := 0; i < sb.frontier; i += group {
		if sb.inUse[i] {
			inUseBlocks += group
		}
	}

	if inUseBlocks+sb.numBlocksFree != sb.numBlocks {
		return errors.Newf("superblock %s has %d blocks in use and %d free but holds %d", sb.span, inUseBlocks, sb.numBlocksFree, sb.numBlocks)
	}
	if freeListBlocks+(sb.numBlocks-sb.frontier) != sb.numBlocksFree {
		return errors.Newf("superblock %s counts %d free blocks but its freelist and frontier hold %d",
			sb.span, sb.numBlocksFree, freeListBlocks+(sb.numBlocks-sb.frontier))
	}
	if expected := config.Fullness(sb.numBlocksFree, sb.numBlocks); expected != sb.group {
		return errors.Newf("superblock %s is filed under %s but should be %s", sb.span, sb.group, expected)
	}

	return nil
}

// Blocks is a contiguous run of blocks handed out by AllocateBlocks
type Blocks struct {
	container *SuperBlock
	first     int
	numBlocks int
}

// IsNil returns true for the zero Blocks
func (b Blocks) IsNil() bool { return b.container == nil }

// Container returns the superblock the run was carved from
func (b Blocks) Container() *SuperBlock { return b.container }

// NumBlocks returns the number of blocks in the run. It can be larger than the number requested.
func (b Blocks) NumBlocks() int { return b.numBlocks }

// Span returns the address range covered by the run
func (b Blocks) Span() memutils.Span {
	if b.container == nil {
		return memutils.Span{}
	}
	span, err := b.container.span.Sub(b.first*b.container.blockSize, b.numBlocks*b.container.blockSize)
	if err != nil {
		panic(err)
	}
	return span
}

// Bytes returns the size of the run in bytes
func (b Blocks) Bytes() int {
	if b.container == nil {
		return 0
	}
	return b.numBlocks * b.container.blockSize
}
