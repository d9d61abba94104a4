package forkheap

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/forkheap/memutils"
	"github.com/vkngwrapper/forkheap/memutils/blocks"
	"github.com/vkngwrapper/forkheap/memutils/remset"
)

// Flags indicate specific runtime behaviors to activate or deactivate
type Flags int32

const (
	// CreateExternallySynchronized turns off the mutexes guarding the heap tree, the remembered
	// sets and the default pin table. The consumer must guarantee that structural heap operations
	// never run concurrently. The global section is still entered around global pool changes.
	CreateExternallySynchronized Flags = 1 << iota
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{CreateExternallySynchronized, "CreateExternallySynchronized"},
}

func (f Flags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for _, entry := range flagNames {
		if f&entry.flag != 0 {
			names = append(names, entry.name)
			f &^= entry.flag
		}
	}
	if f != 0 {
		names = append(names, "Unknown")
	}
	return strings.Join(names, "|")
}

const (
	// DefaultWorkers is the number of workers created when Options.Workers is left at 0
	DefaultWorkers int = 1
	// DefaultAllocatedRatio is the healthy pool Size/Allocated ratio used when Options.AllocatedRatio
	// is left at 0. Below it, a worker that runs out of heap collects locally and resizes the pool
	// before extending.
	DefaultAllocatedRatio float64 = 2.0
	// DefaultHeapLimitSlop is the number of bytes at the end of each chunk that the Alloc fast path
	// leaves alone when Options.HeapLimitSlop is left at 0
	DefaultHeapLimitSlop int = 512
)

// FatalHandler receives invariant violations and resource exhaustion. The default handler panics.
// If a handler returns, the failing operation returns err to its caller.
type FatalHandler func(err error)

// Options contains optional settings when creating a Runtime. It is valid to leave all the fields
// blank.
type Options struct {
	// Flags indicates specific runtime behaviors to activate or deactivate
	Flags Flags
	// Workers is the number of workers, each with its own local block allocator
	Workers int

	// BlockSize is the size in bytes of one block. It must be a power of two.
	BlockSize int
	// SuperBlockSizeClass is the log2 of the number of blocks in a superblock
	SuperBlockSizeClass int
	// MinChunkBlocks is the smallest number of blocks a heap node is extended by
	MinChunkBlocks int
	// NearlyFullFreeRatio is the free/total ratio at or below which a superblock is nearly full
	NearlyFullFreeRatio float64
	// NearlyEmptyFreeRatio is the free/total ratio at or above which a superblock is nearly empty
	NearlyEmptyFreeRatio float64
	// EmptinessFraction is the fraction of a local allocator's blocks that may sit free before
	// superblocks are handed back to the global allocator
	EmptinessFraction float64
	// MaxLocalEmptySuperBlocks is the number of superblocks' worth of free blocks a local allocator
	// keeps regardless of EmptinessFraction
	MaxLocalEmptySuperBlocks int

	// AllocatedRatio is the healthy Size/Allocated ratio of the block pool
	AllocatedRatio float64
	// HeapLimitSlop is the number of bytes between a worker's limit and the end of its chunk
	HeapLimitSlop int

	// Source supplies raw memory. Defaults to blocks.NewDefaultSource with PoolCapacity.
	Source blocks.Source
	// PoolCapacity caps the bytes the default Source will hand out. Defaults to
	// blocks.DefaultCapacity. Ignored when Source is set.
	PoolCapacity int

	// Collector runs local and global collections. Defaults to a collector that does nothing.
	Collector Collector
	// Section is the global section shared by every worker. Defaults to a mutex.
	Section Section
	// Mutator reports whether the mutator's stack invariant holds. Defaults to always holding.
	Mutator Mutator
	// PinLevels stores the pin level of each object. Defaults to a remset.PinTable.
	PinLevels remset.PinLevels
	// FatalHandler is called with fatal errors
	FatalHandler FatalHandler
}

// WithDefaults returns a copy of o with every unset field filled in. It does not construct the
// Source, Section or PinLevels.
func (o Options) WithDefaults() Options {
	if o.Workers == 0 {
		o.Workers = DefaultWorkers
	}
	if o.MinChunkBlocks == 0 {
		o.MinChunkBlocks = 1
	}
	if o.AllocatedRatio == 0 {
		o.AllocatedRatio = DefaultAllocatedRatio
	}
	if o.HeapLimitSlop == 0 {
		o.HeapLimitSlop = DefaultHeapLimitSlop
	}
	if o.Collector == nil {
		o.Collector = nopCollector{}
	}
	if o.Mutator == nil {
		o.Mutator = nopMutator{}
	}
	if o.FatalHandler == nil {
		o.FatalHandler = panicHandler
	}
	return o
}

func (o Options) blockConfig() blocks.Config {
	return blocks.Config{
		BlockSize:                o.BlockSize,
		SuperBlockSizeClass:      o.SuperBlockSizeClass,
		NearlyFullFreeRatio:      o.NearlyFullFreeRatio,
		NearlyEmptyFreeRatio:     o.NearlyEmptyFreeRatio,
		EmptinessFraction:        o.EmptinessFraction,
		MaxLocalEmptySuperBlocks: o.MaxLocalEmptySuperBlocks,
	}.WithDefaults()
}

// Validate checks o after defaults have been applied
func (o Options) Validate() error {
	o = o.WithDefaults()

	if o.Workers < 0 {
		return errors.Newf("Workers cannot be negative, but is %d", o.Workers)
	}
	if o.MinChunkBlocks < 0 {
		return errors.Newf("MinChunkBlocks cannot be negative, but is %d", o.MinChunkBlocks)
	}
	if o.AllocatedRatio < 1 {
		return errors.Newf("AllocatedRatio must be at least 1, but is %f", o.AllocatedRatio)
	}
	if o.HeapLimitSlop < 0 {
		return errors.Newf("HeapLimitSlop cannot be negative, but is %d", o.HeapLimitSlop)
	}
	if o.PoolCapacity < 0 {
		return errors.Newf("PoolCapacity cannot be negative, but is %d", o.PoolCapacity)
	}

	config := o.blockConfig()
	err := config.Validate()
	if err != nil {
		return err
	}
	if o.HeapLimitSlop >= config.BlockSize*o.MinChunkBlocks {
		return errors.Newf("HeapLimitSlop %d does not fit in a chunk of %d blocks", o.HeapLimitSlop, o.MinChunkBlocks)
	}
	return nil
}

func panicHandler(err error) {
	panic(err)
}

func (o Options) sizeOfSuperBlock() int {
	config := o.blockConfig()
	return config.SuperBlockBytes()
}

func (o Options) defaultSource() (blocks.Source, error) {
	capacity := o.PoolCapacity
	if capacity == 0 {
		capacity = blocks.DefaultCapacity()
	}
	capacity = memutils.AlignDown(capacity, o.sizeOfSuperBlock())

	return blocks.NewDefaultSource(o.sizeOfSuperBlock(), capacity)
}
