package blocks

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/inhies/go-bytesize"
	"github.com/vkngwrapper/forkheap/memutils"
)

// Section is the synchronized global section. The global allocator is only ever touched between
// Enter and Leave.
type Section interface {
	Enter()
	Leave()
}

// BlockAllocator serves runs of blocks out of superblocks. There is one global allocator per
// runtime, created with NewGlobal, and one local allocator per worker, created with NewLocal.
//
// A local allocator may only be used by the worker that owns it. The one exception is the freed
// queue: any worker may free blocks that belong to another worker's allocator, and they will be
// handed back to the owner the next time it drains. The global allocator is only used by local
// allocators, from inside the global section.
type BlockAllocator struct {
	logger *slog.Logger
	config *Config
	pool   *Pool

	global  *BlockAllocator
	section Section
	// sectionDepth counts nested EnterGlobalSection calls by the owning worker
	sectionDepth int

	numBlocks      int
	numBlocksInUse int
	numAllocations int

	// sizeClasses[k][g] holds the class-k superblocks in fullness group g
	sizeClasses    [][NumFullnessGroups]superBlockList
	completelyFull int
	empty          superBlockList

	megaBlocks      superBlockList
	megaBlockBlocks int

	freed freedQueue
}

// NewGlobal creates the global allocator. Every local allocator created from it shares its config,
// pool and section.
func NewGlobal(logger *slog.Logger, config Config, source Source, section Section) (*BlockAllocator, error) {
	config = config.WithDefaults()
	err := config.Validate()
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errors.New("the global block allocator requires a source")
	}
	if section == nil {
		return nil, errors.New("the global block allocator requires a section")
	}

	a := &BlockAllocator{
		logger:  logger,
		config:  &config,
		pool:    &Pool{source: source},
		section: section,
	}
	a.sizeClasses = make([][NumFullnessGroups]superBlockList, config.NumSizeClasses())
	return a, nil
}

// NewLocal creates a local allocator for one worker
func (a *BlockAllocator) NewLocal() *BlockAllocator {
	if !a.IsGlobal() {
		panic("local allocators can only be created from the global allocator")
	}

	local := &BlockAllocator{
		logger:  a.logger,
		config:  a.config,
		pool:    a.pool,
		global:  a,
		section: a.section,
	}
	local.sizeClasses = make([][NumFullnessGroups]superBlockList, a.config.NumSizeClasses())
	return local
}

func (a *BlockAllocator) IsGlobal() bool      { return a.global == nil }
func (a *BlockAllocator) Config() Config      { return *a.config }
func (a *BlockAllocator) Pool() *Pool         { return a.pool }
func (a *BlockAllocator) BlockSize() int      { return a.config.BlockSize }
func (a *BlockAllocator) NumAllocations() int { return a.numAllocations }

// NumBlocks returns the number of blocks held by this allocator, including megablocks
func (a *BlockAllocator) NumBlocks() int { return a.numBlocks + a.megaBlockBlocks }

// NumBlocksInUse returns the number of held blocks that are handed out
func (a *BlockAllocator) NumBlocksInUse() int { return a.numBlocksInUse + a.megaBlockBlocks }

// NumSuperBlocks returns the number of superblocks held, not counting megablocks
func (a *BlockAllocator) NumSuperBlocks() int {
	count := a.empty.count + a.completelyFull
	for k := range a.sizeClasses {
		for g := NearlyFull; g < NumFullnessGroups; g++ {
			count += a.sizeClasses[k][g].count
		}
	}
	return count
}

// NumMegaBlocks returns the number of live dedicated megablocks
func (a *BlockAllocator) NumMegaBlocks() int { return a.megaBlocks.count }

// GroupCount returns the number of class-k superblocks in fullness group g. CompletelyEmpty
// superblocks have no size class and are counted for any k.
func (a *BlockAllocator) GroupCount(k int, g FullnessGroup) int {
	if g == CompletelyEmpty {
		return a.empty.count
	}
	return a.sizeClasses[k][g].count
}

// PendingFrees returns an approximate count of runs other workers have freed into this allocator
// that it has not drained yet
func (a *BlockAllocator) PendingFrees() int {
	pending := a.freed.pending()
	if pending < 0 {
		return 0
	}
	return pending
}

// EnterGlobalSection enters the global section on behalf of this allocator's worker. Calls nest:
// only the outermost call enters the section.
func (a *BlockAllocator) EnterGlobalSection() {
	if a.sectionDepth == 0 {
		a.section.Enter()
	}
	a.sectionDepth++
}

// LeaveGlobalSection undoes one EnterGlobalSection
func (a *BlockAllocator) LeaveGlobalSection() {
	if a.sectionDepth == 0 {
		panic("LeaveGlobalSection called outside of the global section")
	}
	a.sectionDepth--
	if a.sectionDepth == 0 {
		a.section.Leave()
	}
}

// InGlobalSection returns true between EnterGlobalSection and the matching LeaveGlobalSection
func (a *BlockAllocator) InGlobalSection() bool {
	return a.sectionDepth > 0
}

// AllocateBlocks returns a run of at least numBlocks contiguous blocks. Requests are rounded up to
// the next power of two. Requests larger than a superblock get a dedicated megablock of exactly
// numBlocks blocks.
func (a *BlockAllocator) AllocateBlocks(numBlocks int) (Blocks, error) {
	if a.IsGlobal() {
		return Blocks{}, memutils.InvariantViolationf("blocks must be allocated from a local allocator")
	}
	if numBlocks <= 0 {
		return Blocks{}, memutils.InvariantViolationf("cannot allocate %d blocks", numBlocks)
	}

	err := a.Drain()
	if err != nil {
		return Blocks{}, err
	}

	sizeClass := a.config.SizeClassFor(numBlocks)
	if sizeClass > a.config.SuperBlockSizeClass {
		return a.allocateMegaBlock(numBlocks)
	}

	for _, group := range searchOrder {
		sb := a.sizeClasses[sizeClass][group].head
		if sb != nil {
			return a.allocateFrom(sb), nil
		}
	}

	if sb := a.empty.head; sb != nil {
		// Empty superblocks are not filed by size class, so this does not move it
		err = sb.reclassify(sizeClass)
		if err != nil {
			return Blocks{}, err
		}
		return a.allocateFrom(sb), nil
	}

	sb, err := a.fetchFromGlobal(sizeClass)
	if err != nil {
		return Blocks{}, err
	}
	return a.allocateFrom(sb), nil
}

func (a *BlockAllocator) allocateFrom(sb *SuperBlock) Blocks {
	start, ok := sb.allocateGroup()
	if !ok {
		panic("superblock filed as non-full has no free group")
	}

	group := sb.groupBlocks()
	a.numBlocksInUse += group
	a.numAllocations++
	a.pool.allocated.Add(int64(group * a.config.BlockSize))
	a.refile(sb)

	memutils.DebugValidate(a)
	return sb.blocksAt(start, group)
}

func (a *BlockAllocator) allocateMegaBlock(numBlocks int) (Blocks, error) {
	// Sources only deal in whole superblocks
	bytes := memutils.AlignUp(numBlocks*a.config.BlockSize, a.config.SuperBlockBytes())
	span, err := a.pool.source.Acquire(bytes)
	if err != nil {
		return Blocks{}, memutils.WrapResourceExhaustion(err, "failed to acquire a megablock of %d blocks", numBlocks)
	}

	sb := newMegaBlock(span, a.config.BlockSize, numBlocks)
	sb.numBlocksFree = 0
	sb.group = CompletelyFull
	sb.owner.Store(a)
	a.megaBlocks.pushFront(sb)
	a.megaBlockBlocks += numBlocks
	a.numAllocations++

	a.pool.size.Add(int64(bytes))
	a.pool.allocated.Add(int64(bytes))

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Acquired megablock",
		slog.Int("blocks", numBlocks),
		slog.String("bytes", bytesize.New(float64(bytes)).String()),
		slog.String("span", span.String()),
	)
	return sb.blocksAt(0, numBlocks), nil
}

// fetchFromGlobal moves a superblock able to serve sizeClass from the global allocator to this one,
// acquiring fresh memory if the global allocator has nothing suitable
func (a *BlockAllocator) fetchFromGlobal(sizeClass int) (*SuperBlock, error) {
	a.EnterGlobalSection()
	defer a.LeaveGlobalSection()

	sb, err := a.global.takeSuperBlock(sizeClass)
	if err != nil {
		return nil, err
	}
	a.adopt(sb)
	return sb, nil
}

// takeSuperBlock removes and returns a superblock that can serve sizeClass. Must be called inside
// the global section.
func (a *BlockAllocator) takeSuperBlock(sizeClass int) (*SuperBlock, error) {
	for _, group := range searchOrder {
		if sb := a.sizeClasses[sizeClass][group].head; sb != nil {
			a.disown(sb)
			return sb, nil
		}
	}

	if sb := a.empty.head; sb != nil {
		a.disown(sb)
		err := sb.reclassify(sizeClass)
		if err != nil {
			return nil, err
		}
		return sb, nil
	}

	sb, err := a.acquireSuperBlock()
	if err != nil {
		return nil, err
	}
	err = sb.reclassify(sizeClass)
	if err != nil {
		return nil, err
	}
	return sb, nil
}

// acquireSuperBlock pulls a fresh, unowned superblock from the source
func (a *BlockAllocator) acquireSuperBlock() (*SuperBlock, error) {
	bytes := a.config.SuperBlockBytes()
	span, err := a.pool.source.Acquire(bytes)
	if err != nil {
		return nil, memutils.WrapResourceExhaustion(err, "failed to grow the block pool by %s", bytesize.New(float64(bytes)))
	}
	a.pool.size.Add(int64(bytes))

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Acquired superblock",
		slog.String("span", span.String()),
		slog.String("pool.size", bytesize.New(float64(a.pool.Size())).String()),
	)
	return newSuperBlock(span, a.config.BlockSize, 0), nil
}

// adopt takes ownership of an unowned superblock
func (a *BlockAllocator) adopt(sb *SuperBlock) {
	sb.owner.Store(a)
	a.numBlocks += sb.numBlocks
	a.numBlocksInUse += sb.numBlocks - sb.numBlocksFree
	a.numAllocations += sb.numRuns()
	a.file(sb)
}

// disown unlinks a superblock and gives up ownership of it
func (a *BlockAllocator) disown(sb *SuperBlock) {
	a.unfile(sb)
	a.numBlocks -= sb.numBlocks
	a.numBlocksInUse -= sb.numBlocks - sb.numBlocksFree
	a.numAllocations -= sb.numRuns()
	sb.owner.Store(nil)
}

// file links a superblock into the list matching its current fullness
func (a *BlockAllocator) file(sb *SuperBlock) {
	sb.group = a.config.Fullness(sb.numBlocksFree, sb.numBlocks)
	switch sb.group {
	case CompletelyEmpty:
		a.empty.pushFront(sb)
	case CompletelyFull:
		// Full superblocks are not searched, but still linked so Validate can find them
		a.sizeClasses[sb.sizeClass][CompletelyFull].pushFront(sb)
		a.completelyFull++
	default:
		a.sizeClasses[sb.sizeClass][sb.group].pushFront(sb)
	}
}

func (a *BlockAllocator) unfile(sb *SuperBlock) {
	switch sb.group {
	case CompletelyEmpty:
		a.empty.remove(sb)
	case CompletelyFull:
		a.sizeClasses[sb.sizeClass][CompletelyFull].remove(sb)
		a.completelyFull--
	default:
		a.sizeClasses[sb.sizeClass][sb.group].remove(sb)
	}
}

// refile moves a superblock whose free count changed to the list for its new fullness
func (a *BlockAllocator) refile(sb *SuperBlock) {
	if a.config.Fullness(sb.numBlocksFree, sb.numBlocks) == sb.group {
		return
	}
	a.unfile(sb)
	a.file(sb)
}

// FreeBlocks returns a run handed out by AllocateBlocks. The run may belong to any allocator:
// runs owned by another worker are queued for that worker, and runs owned by the global allocator
// are freed inside the global section.
func (a *BlockAllocator) FreeBlocks(blocks Blocks) error {
	if blocks.IsNil() {
		return memutils.InvariantViolationf("cannot free a nil block run")
	}
	if a.IsGlobal() {
		return memutils.InvariantViolationf("blocks must be freed through a local allocator")
	}

	return a.route(blocks)
}

func (a *BlockAllocator) route(blocks Blocks) error {
	owner := blocks.container.Owner()

	switch {
	case owner == a:
		return a.freeOwned(blocks)
	case owner == nil:
		return memutils.InvariantViolationf("block run %s belongs to a superblock with no owner", blocks.Span())
	case owner.IsGlobal():
		a.EnterGlobalSection()
		defer a.LeaveGlobalSection()

		// The superblock may have been handed to a worker before we got in
		owner = blocks.container.Owner()
		if owner == a.global {
			return a.global.freeOwned(blocks)
		}
		if owner == a {
			return a.freeOwned(blocks)
		}
		if owner == nil {
			return memutils.InvariantViolationf("block run %s belongs to a superblock with no owner", blocks.Span())
		}
		owner.freed.push(blocks)
		return nil
	default:
		owner.freed.push(blocks)
		return nil
	}
}

// freeOwned frees a run whose superblock this allocator owns
func (a *BlockAllocator) freeOwned(blocks Blocks) error {
	sb := blocks.container
	if sb.dedicated {
		return a.freeMegaBlock(blocks)
	}

	err := sb.freeGroup(blocks.first, blocks.numBlocks)
	if err != nil {
		return err
	}

	a.numBlocksInUse -= blocks.numBlocks
	a.numAllocations--
	a.pool.allocated.Add(-int64(blocks.numBlocks * a.config.BlockSize))
	a.refile(sb)

	if !a.IsGlobal() {
		a.maybeReturnToGlobal(sb)
	}

	memutils.DebugValidate(a)
	return nil
}

func (a *BlockAllocator) freeMegaBlock(blocks Blocks) error {
	sb := blocks.container
	if sb.numBlocksFree != 0 {
		return memutils.InvariantViolationf("double free of megablock %s", sb.span)
	}
	if blocks.first != 0 || blocks.numBlocks != sb.numBlocks {
		return memutils.InvariantViolationf("megablock %s must be freed whole", sb.span)
	}

	a.megaBlocks.remove(sb)
	a.megaBlockBlocks -= sb.numBlocks
	a.numAllocations--
	sb.numBlocksFree = sb.numBlocks
	sb.group = CompletelyEmpty
	sb.owner.Store(nil)

	bytes := sb.span.Length
	a.pool.allocated.Add(-int64(bytes))
	err := a.pool.source.Release(sb.span)
	if err != nil {
		return errors.Wrapf(err, "failed to release megablock %s", sb.span)
	}
	a.pool.size.Add(-int64(bytes))
	return nil
}

// maybeReturnToGlobal applies the Hoard emptiness rule after a free: once less than
// (1-EmptinessFraction) of the held blocks are in use and more than MaxLocalEmptySuperBlocks
// superblocks' worth of blocks are free, one mostly empty superblock goes back to the global
// allocator.
func (a *BlockAllocator) maybeReturnToGlobal(freedFrom *SuperBlock) {
	free := a.numBlocks - a.numBlocksInUse
	if float64(a.numBlocksInUse) >= (1-a.config.EmptinessFraction)*float64(a.numBlocks) {
		return
	}
	if free <= a.config.MaxLocalEmptySuperBlocks*a.config.SuperBlockBlocks() {
		return
	}

	victim := a.empty.head
	if victim == nil && freedFrom.group == NearlyEmpty {
		victim = freedFrom
	}
	if victim == nil {
		for k := range a.sizeClasses {
			if victim = a.sizeClasses[k][NearlyEmpty].head; victim != nil {
				break
			}
		}
	}
	if victim == nil {
		return
	}

	a.EnterGlobalSection()
	defer a.LeaveGlobalSection()

	a.disown(victim)
	a.global.adopt(victim)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Returned superblock to global allocator",
		slog.String("span", victim.span.String()),
		slog.String("group", victim.group.String()),
		slog.Int("blocks", a.numBlocks),
		slog.Int("blocksInUse", a.numBlocksInUse),
	)
}

// Drain frees every run other workers have queued for this allocator. Only the owning worker may
// call it; AllocateBlocks calls it before every allocation.
func (a *BlockAllocator) Drain() error {
	if a.freed.isEmpty() {
		return nil
	}

	var err error
	for _, blocks := range a.freed.takeAll() {
		err = errors.CombineErrors(err, a.route(blocks))
	}
	return err
}

// MaybeResizePool grows or shrinks the global allocator's stock of empty superblocks so that
// Pool.AllocatedRatio approaches target. The pool grows until Size reaches target*Allocated, and
// shrinks while Size is more than twice that. Running out of memory while growing is not an error.
func (a *BlockAllocator) MaybeResizePool(target float64) error {
	if a.IsGlobal() {
		return memutils.InvariantViolationf("the pool must be resized through a local allocator")
	}

	a.EnterGlobalSection()
	defer a.LeaveGlobalSection()

	global := a.global
	superBlockBytes := a.config.SuperBlockBytes()
	want := int(target * float64(a.pool.Allocated()))

	acquired := 0
	for a.pool.Size()+superBlockBytes <= want {
		sb, err := global.acquireSuperBlock()
		if err != nil {
			if memutils.IsResourceExhaustion(err) {
				a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Stopped growing block pool",
					slog.String("pool.size", bytesize.New(float64(a.pool.Size())).String()),
					slog.String("want", bytesize.New(float64(want)).String()),
					slog.Any("error", err),
				)
				break
			}
			return err
		}
		global.adopt(sb)
		acquired++
	}

	released := 0
	for a.pool.Size() > 2*want && global.empty.head != nil {
		sb := global.empty.head
		global.disown(sb)

		err := a.pool.source.Release(sb.span)
		if err != nil {
			return errors.Wrapf(err, "failed to release superblock %s", sb.span)
		}
		a.pool.size.Add(-int64(sb.span.Length))
		released++
	}

	if acquired > 0 || released > 0 {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Resized block pool",
			slog.Int("acquired", acquired),
			slog.Int("released", released),
			slog.String("pool.size", bytesize.New(float64(a.pool.Size())).String()),
			slog.String("pool.allocated", bytesize.New(float64(a.pool.Allocated())).String()),
		)
	}
	return nil
}

// Destroy hands every superblock this local allocator holds back to the global allocator, after
// draining frees from other workers. Runs that are still allocated are logged, and megablocks are
// released regardless. Calling it on the global allocator releases every held superblock to the
// source.
func (a *BlockAllocator) Destroy() error {
	if !a.IsGlobal() {
		err := a.Drain()
		if err != nil {
			return err
		}

		a.logUnreleased()

		for sb := a.megaBlocks.head; sb != nil; sb = a.megaBlocks.head {
			err = errors.CombineErrors(err, a.freeMegaBlock(sb.blocksAt(0, sb.numBlocks)))
		}
		if err != nil {
			return err
		}

		a.EnterGlobalSection()
		defer a.LeaveGlobalSection()

		for _, sb := range a.superBlocks() {
			a.disown(sb)
			a.global.adopt(sb)
		}
		return nil
	}

	a.logUnreleased()

	var err error
	for _, sb := range a.superBlocks() {
		a.disown(sb)
		err = errors.CombineErrors(err, a.pool.source.Release(sb.span))
		a.pool.size.Add(-int64(sb.span.Length))
	}
	return err
}

func (a *BlockAllocator) logUnreleased() {
	for _, sb := range a.superBlocks() {
		if sb.isCompletelyEmpty() {
			continue
		}
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] superblock still has allocated blocks",
			slog.String("span", sb.span.String()),
			slog.Int("sizeClass", sb.sizeClass),
			slog.Int("blocksInUse", sb.numBlocks-sb.numBlocksFree),
		)
	}
	for sb := a.megaBlocks.head; sb != nil; sb = sb.next {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] megablock still allocated",
			slog.String("span", sb.span.String()),
			slog.Int("blocks", sb.numBlocks),
		)
	}
}

// superBlocks returns every held superblock, not counting megablocks
func (a *BlockAllocator) superBlocks() []*SuperBlock {
	var all []*SuperBlock
	for sb := a.empty.head; sb != nil; sb = sb.next {
		all = append(all, sb)
	}
	for k := range a.sizeClasses {
		for g := CompletelyFull; g < NumFullnessGroups; g++ {
			for sb := a.sizeClasses[k][g].head; sb != nil; sb = sb.next {
				all = append(all, sb)
			}
		}
	}
	return all
}

func (a *BlockAllocator) Validate() error {
	numBlocks := 0
	numBlocksInUse := 0
	numAllocations := 0

	checkSuperBlock := func(sb *SuperBlock, group FullnessGroup, sizeClass int) error {
		if sb.Owner() != a {
			return errors.Newf("superblock %s is linked into an allocator that does not own it", sb.span)
		}
		if sb.group != group {
			return errors.Newf("superblock %s is marked %s but linked into %s", sb.span, sb.group, group)
		}
		if sizeClass >= 0 && sb.sizeClass != sizeClass {
			return errors.Newf("superblock %s has size class %d but is linked into class %d", sb.span, sb.sizeClass, sizeClass)
		}
		err := sb.validate(a.config)
		if err != nil {
			return err
		}
		numAllocations += sb.numRuns()
		if !sb.dedicated {
			numBlocks += sb.numBlocks
			numBlocksInUse += sb.numBlocks - sb.numBlocksFree
		}
		return nil
	}

	err := a.empty.validate()
	if err != nil {
		return errors.Wrap(err, "completely empty list")
	}
	for sb := a.empty.head; sb != nil; sb = sb.next {
		err = checkSuperBlock(sb, CompletelyEmpty, -1)
		if err != nil {
			return err
		}
	}

	completelyFull := 0
	for k := range a.sizeClasses {
		for g := CompletelyFull; g < NumFullnessGroups; g++ {
			list := &a.sizeClasses[k][g]
			err = list.validate()
			if err != nil {
				return errors.Wrapf(err, "size class %d, group %s", k, g)
			}
			for sb := list.head; sb != nil; sb = sb.next {
				err = checkSuperBlock(sb, g, k)
				if err != nil {
					return err
				}
			}
			if g == CompletelyFull {
				completelyFull += list.count
			}
		}
	}

	megaBlockBlocks := 0
	err = a.megaBlocks.validate()
	if err != nil {
		return errors.Wrap(err, "megablock list")
	}
	for sb := a.megaBlocks.head; sb != nil; sb = sb.next {
		if !sb.dedicated {
			return errors.Newf("superblock %s is linked into the megablock list", sb.span)
		}
		err = checkSuperBlock(sb, CompletelyFull, -1)
		if err != nil {
			return err
		}
		megaBlockBlocks += sb.numBlocks
	}

	if completelyFull != a.completelyFull {
		return errors.Newf("allocator counts %d completely full superblocks but holds %d", a.completelyFull, completelyFull)
	}
	if numBlocks != a.numBlocks {
		return errors.Newf("allocator counts %d blocks but its superblocks hold %d", a.numBlocks, numBlocks)
	}
	if numBlocksInUse != a.numBlocksInUse {
		return errors.Newf("allocator counts %d blocks in use but its superblocks have %d in use", a.numBlocksInUse, numBlocksInUse)
	}
	if megaBlockBlocks != a.megaBlockBlocks {
		return errors.Newf("allocator counts %d megablock blocks but holds %d", a.megaBlockBlocks, megaBlockBlocks)
	}
	if numAllocations != a.numAllocations {
		return errors.Newf("allocator counts %d allocations but its superblocks have %d runs handed out", a.numAllocations, numAllocations)
	}

	return nil
}
