package blocks

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/forkheap/memutils"
)

const (
	// DefaultBlockSize is the block size used when Config.BlockSize is left at 0. It is one page.
	DefaultBlockSize int = 4096
	// DefaultSuperBlockSizeClass is used when Config.SuperBlockSizeClass is left at 0: superblocks are
	// 2^7 = 128 blocks long.
	DefaultSuperBlockSizeClass int = 7
	// DefaultNearlyFullFreeRatio is the free/total ratio at or below which a superblock is nearly full
	DefaultNearlyFullFreeRatio float64 = 0.25
	// DefaultNearlyEmptyFreeRatio is the free/total ratio at or above which a superblock is nearly empty
	DefaultNearlyEmptyFreeRatio float64 = 0.75
	// DefaultEmptinessFraction is the Hoard emptiness fraction used to decide when a local allocator
	// hands superblocks back to the global allocator
	DefaultEmptinessFraction float64 = 0.25
	// DefaultMaxLocalEmptySuperBlocks is the number of superblocks' worth of free blocks a local allocator
	// may keep before it hands superblocks back to the global allocator
	DefaultMaxLocalEmptySuperBlocks int = 2

	// maxSuperBlockSizeClass keeps the block numbers within a superblock representable in the int32
	// freelist links
	maxSuperBlockSizeClass int = 24
)

// Config holds the tunables shared by every allocator built on the same global allocator. The
// zero value of each field means "use the default".
type Config struct {
	// BlockSize is the size in bytes of one block. It must be a power of two.
	BlockSize int
	// SuperBlockSizeClass is log2 of the number of blocks in a superblock. It is also the largest
	// size class: requests for more than 2^SuperBlockSizeClass blocks are served by dedicated megablocks.
	SuperBlockSizeClass int
	// NearlyFullFreeRatio: a superblock with 0 < free/total <= NearlyFullFreeRatio is nearly full
	NearlyFullFreeRatio float64
	// NearlyEmptyFreeRatio: a superblock with NearlyEmptyFreeRatio <= free/total < 1 is nearly empty
	NearlyEmptyFreeRatio float64
	// EmptinessFraction: a local allocator whose in-use blocks drop below (1-EmptinessFraction) of its
	// held blocks is a candidate for returning superblocks to the global allocator
	EmptinessFraction float64
	// MaxLocalEmptySuperBlocks is how many superblocks' worth of free blocks a local allocator may hold
	// before returning a superblock to the global allocator
	MaxLocalEmptySuperBlocks int
}

// WithDefaults returns a copy of the config with all zero fields replaced by their defaults
func (c Config) WithDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.SuperBlockSizeClass == 0 {
		c.SuperBlockSizeClass = DefaultSuperBlockSizeClass
	}
	if c.NearlyFullFreeRatio == 0 {
		c.NearlyFullFreeRatio = DefaultNearlyFullFreeRatio
	}
	if c.NearlyEmptyFreeRatio == 0 {
		c.NearlyEmptyFreeRatio = DefaultNearlyEmptyFreeRatio
	}
	if c.EmptinessFraction == 0 {
		c.EmptinessFraction = DefaultEmptinessFraction
	}
	if c.MaxLocalEmptySuperBlocks == 0 {
		c.MaxLocalEmptySuperBlocks = DefaultMaxLocalEmptySuperBlocks
	}
	return c
}

func (c Config) Validate() error {
	err := memutils.CheckPow2(c.BlockSize, "BlockSize")
	if err != nil {
		return err
	}
	if c.SuperBlockSizeClass < 0 || c.SuperBlockSizeClass > maxSuperBlockSizeClass {
		return errors.Newf("SuperBlockSizeClass must be between 0 and %d, but is %d", maxSuperBlockSizeClass, c.SuperBlockSizeClass)
	}
	if c.NearlyFullFreeRatio <= 0 || c.NearlyFullFreeRatio >= 1 {
		return errors.Newf("NearlyFullFreeRatio must be in (0, 1), but is %f", c.NearlyFullFreeRatio)
	}
	if c.NearlyEmptyFreeRatio <= c.NearlyFullFreeRatio || c.NearlyEmptyFreeRatio >= 1 {
		return errors.Newf("NearlyEmptyFreeRatio must be in (NearlyFullFreeRatio, 1), but is %f", c.NearlyEmptyFreeRatio)
	}
	if c.EmptinessFraction <= 0 || c.EmptinessFraction >= 1 {
		return errors.Newf("EmptinessFraction must be in (0, 1), but is %f", c.EmptinessFraction)
	}
	if c.MaxLocalEmptySuperBlocks < 0 {
		return errors.Newf("MaxLocalEmptySuperBlocks cannot be negative, but is %d", c.MaxLocalEmptySuperBlocks)
	}
	return nil
}

// SuperBlockBlocks is the number of blocks in one superblock
func (c Config) SuperBlockBlocks() int {
	return 1 << c.SuperBlockSizeClass
}

// SuperBlockBytes is the size in bytes of one superblock
func (c Config) SuperBlockBytes() int {
	return c.SuperBlockBlocks() * c.BlockSize
}

// NumSizeClasses is the number of size classes served out of superblocks
func (c Config) NumSizeClasses() int {
	return c.SuperBlockSizeClass + 1
}

// SizeClassFor returns the size class that serves a request for numBlocks blocks
func (c Config) SizeClassFor(numBlocks int) int {
	return memutils.Log2Ceil(numBlocks)
}

// Fullness classifies a superblock with free free blocks out of total
func (c Config) Fullness(free, total int) FullnessGroup {
	if free == 0 {
		return CompletelyFull
	}
	if free == total {
		return CompletelyEmpty
	}

	ratio := float64(free) / float64(total)
	if ratio <= c.NearlyFullFreeRatio {
		return NearlyFull
	}
	if ratio >= c.NearlyEmptyFreeRatio {
		return NearlyEmpty
	}
	return SomewhatFull
}
