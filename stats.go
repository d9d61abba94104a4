package forkheap

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/inhies/go-bytesize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/forkheap/memutils"
	"github.com/vkngwrapper/forkheap/memutils/hierheap"
)

// CumulativeStatistics counts events over the lifetime of a Runtime
type CumulativeStatistics struct {
	// MaxChunkPoolBytesLive is the most pool bytes seen handed out when a local collection was
	// triggered
	MaxChunkPoolBytesLive int
	// MaxChunkPoolSize is the largest pool size seen after a resize
	MaxChunkPoolSize int

	LocalCollections  int
	GlobalCollections int
	Extends           int
}

type cumulativeCounters struct {
	maxChunkPoolBytesLive atomic.Int64
	maxChunkPoolSize      atomic.Int64
	localCollections      atomic.Int64
	globalCollections     atomic.Int64
	extends               atomic.Int64
}

// raiseTo lifts value to n if it is currently lower
func raiseTo(value *atomic.Int64, n int) {
	for {
		current := value.Load()
		if current >= int64(n) {
			return
		}
		if value.CompareAndSwap(current, int64(n)) {
			return
		}
	}
}

func (c *cumulativeCounters) snapshot() CumulativeStatistics {
	return CumulativeStatistics{
		MaxChunkPoolBytesLive: int(c.maxChunkPoolBytesLive.Load()),
		MaxChunkPoolSize:      int(c.maxChunkPoolSize.Load()),
		LocalCollections:      int(c.localCollections.Load()),
		GlobalCollections:     int(c.globalCollections.Load()),
		Extends:               int(c.extends.Load()),
	}
}

// Statistics is a snapshot of a Runtime
type Statistics struct {
	Cumulative CumulativeStatistics
	// Blocks totals every allocator of the runtime. Sizes are in blocks.
	Blocks memutils.Statistics
	// Regions breaks Blocks down into allocated runs and free ranges. Global and Workers hold the
	// same breakdown per allocator.
	Regions memutils.DetailedStatistics
	Global  memutils.DetailedStatistics
	Workers []memutils.DetailedStatistics

	Heap hierheap.Statistics
	// PoolSize is the number of bytes held from the Source
	PoolSize int
	// PoolAllocated is the number of bytes handed out to heap nodes
	PoolAllocated int
}

// CumulativeStatistics returns the lifetime counters of the runtime. It is safe to call at any time.
func (r *Runtime) CumulativeStatistics() CumulativeStatistics {
	return r.counters.snapshot()
}

// CalculateStatistics takes a snapshot of every allocator and heap node. Workers must not be
// allocating while it runs.
func (r *Runtime) CalculateStatistics(stats *Statistics) {
	*stats = Statistics{}
	stats.Cumulative = r.counters.snapshot()

	stats.Regions.Clear()
	stats.Global.Clear()
	stats.Workers = make([]memutils.DetailedStatistics, len(r.workers))

	r.section.Enter()
	r.global.AddStatistics(&stats.Blocks)
	r.global.AddDetailedStatistics(&stats.Global)
	r.section.Leave()
	stats.Regions.AddDetailedStatistics(&stats.Global)

	for i, worker := range r.workers {
		worker.allocator.AddStatistics(&stats.Blocks)

		stats.Workers[i].Clear()
		worker.allocator.AddDetailedStatistics(&stats.Workers[i])
		stats.Regions.AddDetailedStatistics(&stats.Workers[i])
	}

	r.tree.AddStatistics(&stats.Heap)
	stats.PoolSize = r.global.Pool().Size()
	stats.PoolAllocated = r.global.Pool().Allocated()
}

// BuildStatsString renders the runtime's statistics as JSON. With detailedMap set, every superblock
// and heap node is listed too. Workers must not be allocating while it runs.
func (r *Runtime) BuildStatsString(detailedMap bool) string {
	var stats Statistics
	r.CalculateStatistics(&stats)

	writer := jwriter.NewWriter()
	obj := writer.Object()

	pool := obj.Name("Pool").Object()
	pool.Name("Size").String(bytesize.New(float64(stats.PoolSize)).String())
	pool.Name("Allocated").String(bytesize.New(float64(stats.PoolAllocated)).String())
	if ratio := r.global.Pool().AllocatedRatio(); !math.IsInf(ratio, 0) {
		pool.Name("AllocatedRatio").Float64(ratio)
	} else {
		pool.Name("AllocatedRatio").Null()
	}
	pool.End()

	cumulative := obj.Name("Cumulative").Object()
	cumulative.Name("MaxChunkPoolBytesLive").String(bytesize.New(float64(stats.Cumulative.MaxChunkPoolBytesLive)).String())
	cumulative.Name("MaxChunkPoolSize").String(bytesize.New(float64(stats.Cumulative.MaxChunkPoolSize)).String())
	cumulative.Name("LocalCollections").Int(stats.Cumulative.LocalCollections)
	cumulative.Name("GlobalCollections").Int(stats.Cumulative.GlobalCollections)
	cumulative.Name("Extends").Int(stats.Cumulative.Extends)
	cumulative.End()

	blockStats := obj.Name("Blocks").Object()
	blockStats.Name("SuperBlockCount").Int(stats.Blocks.SuperBlockCount)
	blockStats.Name("BlockCount").Int(stats.Blocks.BlockCount)
	blockStats.Name("AllocationCount").Int(stats.Blocks.AllocationCount)
	blockStats.Name("AllocationBlocks").Int(stats.Blocks.AllocationBlocks)
	blockStats.Name("FreeBlocks").Int(stats.Blocks.FreeBlocks())
	writeRegionSizes(blockStats.Name("Regions"), &stats.Regions)
	blockStats.End()

	heap := obj.Name("Heap").Object()
	heap.Name("NodeCount").Int(stats.Heap.NodeCount)
	heap.Name("ChunkCount").Int(stats.Heap.ChunkCount)
	heap.Name("ChunkBlocks").Int(stats.Heap.ChunkBlocks)
	heap.Name("UsedBytes").String(bytesize.New(float64(stats.Heap.UsedBytes)).String())
	heap.Name("RememberedCount").Int(stats.Heap.RememberedCount)
	heap.Name("MaxLevel").Int(stats.Heap.MaxLevel)
	heap.End()

	if detailedMap {
		r.section.Enter()
		r.global.PrintDetailedMap(obj.Name("GlobalAllocator"))
		r.section.Leave()

		workers := obj.Name("Workers").Object()
		for _, worker := range r.workers {
			worker.allocator.PrintDetailedMap(workers.Name(fmt.Sprintf("Worker %d", worker.index)))
		}
		workers.End()

		r.tree.PrintDetailedMap(obj.Name("Nodes"))
	}

	obj.End()
	return string(writer.Bytes())
}

// writeRegionSizes writes the run and free range sizes of stats, in blocks. Extremes of empty sets
// are written as null.
func writeRegionSizes(writer *jwriter.Writer, stats *memutils.DetailedStatistics) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("AllocationCount").Int(stats.AllocationCount)
	if stats.AllocationCount > 0 {
		obj.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		obj.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	} else {
		obj.Name("AllocationSizeMin").Null()
		obj.Name("AllocationSizeMax").Null()
	}

	obj.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	if stats.UnusedRangeCount > 0 {
		obj.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		obj.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	} else {
		obj.Name("UnusedRangeSizeMin").Null()
		obj.Name("UnusedRangeSizeMax").Null()
	}
}
