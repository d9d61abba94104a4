package memutils

import "math"

// Statistics counts what a block allocator holds and what it has handed out. Sizes are in blocks.
type Statistics struct {
	SuperBlockCount  int
	BlockCount       int
	AllocationCount  int
	AllocationBlocks int
}

func (s *Statistics) Clear() {
	s.SuperBlockCount = 0
	s.BlockCount = 0
	s.AllocationCount = 0
	s.AllocationBlocks = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.SuperBlockCount += other.SuperBlockCount
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.AllocationBlocks += other.AllocationBlocks
}

// FreeBlocks returns the number of held blocks not handed out
func (s *Statistics) FreeBlocks() int {
	return s.BlockCount - s.AllocationBlocks
}

type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBlocks += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
