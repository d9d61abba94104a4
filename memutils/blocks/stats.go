package blocks

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/forkheap/memutils"
)

// AddStatistics adds this allocator's totals to stats. Block counts include megablocks.
func (a *BlockAllocator) AddStatistics(stats *memutils.Statistics) {
	stats.SuperBlockCount += a.NumSuperBlocks() + a.megaBlocks.count
	stats.BlockCount += a.NumBlocks()
	stats.AllocationCount += a.numAllocations
	stats.AllocationBlocks += a.NumBlocksInUse()
}

// AddDetailedStatistics adds every allocated run and every free range of this allocator to stats
func (a *BlockAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, sb := range a.superBlocks() {
		stats.SuperBlockCount++
		stats.BlockCount += sb.numBlocks
		sb.visitRegions(func(start, numBlocks int, free bool) {
			if free {
				stats.AddUnusedRange(numBlocks)
			} else {
				stats.AddAllocation(numBlocks)
			}
		})
	}

	for sb := a.megaBlocks.head; sb != nil; sb = sb.next {
		stats.SuperBlockCount++
		stats.BlockCount += sb.numBlocks
		stats.AddAllocation(sb.numBlocks)
	}
}

// visitRegions calls visit for every allocated group and every maximal free range, in block order
func (sb *SuperBlock) visitRegions(visit func(start, numBlocks int, free bool)) {
	if sb.dedicated {
		visit(0, sb.numBlocks, sb.numBlocksFree == sb.numBlocks)
		return
	}

	group := sb.groupBlocks()
	freeStart := -1
	for i := 0; i < sb.frontier; i += group {
		if sb.inUse[i] {
			if freeStart >= 0 {
				visit(freeStart, i-freeStart, true)
				freeStart = -1
			}
			visit(i, group, false)
		} else if freeStart < 0 {
			freeStart = i
		}
	}

	if freeStart < 0 && sb.frontier < sb.numBlocks {
		freeStart = sb.frontier
	}
	if freeStart >= 0 {
		visit(freeStart, sb.numBlocks-freeStart, true)
	}
}

// PrintDetailedMap writes every superblock this allocator holds, keyed by the base address of its
// span, with the allocated and free regions inside it
func (a *BlockAllocator) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	objState.Name("Blocks").Int(a.NumBlocks())
	objState.Name("BlocksInUse").Int(a.NumBlocksInUse())
	objState.Name("PendingFrees").Int(a.PendingFrees())

	superBlocks := objState.Name("SuperBlocks").Object()
	for _, sb := range a.superBlocks() {
		sb.printJson(superBlocks.Name(sb.span.Base.String()))
	}
	superBlocks.End()

	megaBlocks := objState.Name("MegaBlocks").Array()
	for sb := a.megaBlocks.head; sb != nil; sb = sb.next {
		obj := megaBlocks.Object()
		obj.Name("Base").String(sb.span.Base.String())
		obj.Name("Blocks").Int(sb.numBlocks)
		obj.End()
	}
	megaBlocks.End()
}

func (sb *SuperBlock) printJson(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("SizeClass").Int(sb.sizeClass)
	obj.Name("Group").String(sb.group.String())
	obj.Name("FreeBlocks").Int(sb.numBlocksFree)
	obj.Name("Frontier").Int(sb.frontier)

	regions := obj.Name("Regions").Array()
	defer regions.End()

	sb.visitRegions(func(start, numBlocks int, free bool) {
		region := regions.Object()
		defer region.End()

		region.Name("Start").Int(start)
		region.Name("Blocks").Int(numBlocks)
		region.Name("Free").Bool(free)
	})
}
