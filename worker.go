package forkheap

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/inhies/go-bytesize"
	"github.com/vkngwrapper/forkheap/memutils"
	"github.com/vkngwrapper/forkheap/memutils/blocks"
	"github.com/vkngwrapper/forkheap/memutils/hierheap"
)

// State is where a worker stands in the local heap protocol
type State int

const (
	// Outside means the worker holds no heap context. Its frontier and limit are meaningless.
	Outside State = iota
	// Inside means the worker's frontier and limit are loaded from its current node
	Inside
	// ManagementSync means the worker is inside the global section for a synchronized collection
	ManagementSync
)

func (s State) String() string {
	switch s {
	case Outside:
		return "Outside"
	case Inside:
		return "Inside"
	case ManagementSync:
		return "ManagementSync"
	}
	return "Unknown"
}

// Worker is one thread of a fork-join program. It owns a local block allocator and bump-allocates
// into the active chunk of its current heap node. A Worker must only be used from one goroutine at
// a time.
type Worker struct {
	runtime   *Runtime
	logger    *slog.Logger
	index     int
	allocator *blocks.BlockAllocator

	state   State
	current hierheap.NodeID

	frontier      memutils.Address
	limit         memutils.Address
	limitPlusSlop memutils.Address
}

func newWorker(runtime *Runtime, index int, allocator *blocks.BlockAllocator) *Worker {
	return &Worker{
		runtime:   runtime,
		logger:    runtime.logger.With(slog.Int("worker", index)),
		index:     index,
		allocator: allocator,
	}
}

func (w *Worker) Index() int                        { return w.index }
func (w *Worker) Allocator() *blocks.BlockAllocator { return w.allocator }
func (w *Worker) State() State                      { return w.state }
func (w *Worker) Current() hierheap.NodeID          { return w.current }

// Frontier returns the next address Alloc will hand out. It is only meaningful Inside.
func (w *Worker) Frontier() memutils.Address { return w.frontier }

// Limit returns the end of the space the Alloc fast path may use without ensuring assurances
func (w *Worker) Limit() memutils.Address { return w.limit }

// LimitPlusSlop returns the end of the worker's active chunk
func (w *Worker) LimitPlusSlop() memutils.Address { return w.limitPlusSlop }

// SetCurrent makes node the heap node this worker allocates into. Outside the local heap it only
// records the node. A collector running in the management section may also move the worker to
// another node, in which case the node's frontier and limit are loaded immediately.
func (w *Worker) SetCurrent(node hierheap.NodeID) error {
	switch w.state {
	case Outside:
		w.current = node
		return nil
	case ManagementSync:
		w.current = node
		return w.load()
	}
	return w.runtime.die(memutils.InvariantViolationf("worker %d cannot change heap node while %s", w.index, w.state))
}

// load ensures the current node has a chunk and copies its frontier and limit into the worker
func (w *Worker) load() error {
	if w.current.IsNil() {
		return w.runtime.die(memutils.InvariantViolationf("worker %d has no current heap node", w.index))
	}

	tree := w.runtime.tree
	err := tree.EnsureNotEmpty(w.current, w.allocator)
	if err != nil {
		return w.runtime.die(err)
	}

	w.frontier, err = tree.Frontier(w.current)
	if err != nil {
		return w.runtime.die(err)
	}
	w.limitPlusSlop, err = tree.Limit(w.current)
	if err != nil {
		return w.runtime.die(err)
	}
	w.limit = w.limitPlusSlop - memutils.Address(w.runtime.options.HeapLimitSlop)
	return nil
}

// EnterLocalHeap loads the frontier and limit of the current node, giving it a chunk first if it
// has none
func (w *Worker) EnterLocalHeap() error {
	if w.state != Outside {
		return w.runtime.die(memutils.InvariantViolationf("worker %d cannot enter its local heap while %s", w.index, w.state))
	}

	err := w.load()
	if err != nil {
		return err
	}
	w.state = Inside

	w.logger.LogAttrs(context.Background(), slog.LevelDebug, "Entered local heap",
		slog.String("node", w.current.String()),
		slog.String("frontier", w.frontier.String()),
		slog.String("limit", w.limit.String()),
	)
	return nil
}

// ExitLocalHeap saves the worker's frontier into the current node
func (w *Worker) ExitLocalHeap() error {
	if w.state != Inside {
		return w.runtime.die(memutils.InvariantViolationf("worker %d cannot exit its local heap while %s", w.index, w.state))
	}

	err := w.runtime.tree.UpdateValues(w.current, w.frontier)
	if err != nil {
		return w.runtime.die(err)
	}

	w.logger.LogAttrs(context.Background(), slog.LevelDebug, "Exited local heap",
		slog.String("node", w.current.String()),
		slog.String("frontier", w.frontier.String()),
	)

	w.state = Outside
	w.frontier = memutils.NoAddress
	w.limit = memutils.NoAddress
	w.limitPlusSlop = memutils.NoAddress
	return nil
}

func (w *Worker) heapBytesFree() int {
	return int(int64(w.limitPlusSlop) - int64(w.frontier))
}

// syncGlobal runs a global collection pass inside the global section
func (w *Worker) syncGlobal(force bool) {
	w.state = ManagementSync
	w.allocator.EnterGlobalSection()
	w.runtime.options.Collector.CollectGlobal(force, 0)
	w.allocator.LeaveGlobalSection()
	w.state = Inside

	w.runtime.counters.globalCollections.Add(1)
}

// EnsureAssurances makes sure at least bytes bytes are free between the worker's frontier and the
// end of its active chunk. Before that it takes part in any pending synchronized collection and
// repairs the mutator's stack invariant. When the active chunk is too small and the block pool is
// running full, a local collection runs and the pool is resized before the node is extended.
func (w *Worker) EnsureAssurances(bytes int, forceGC bool) error {
	if w.state != Inside {
		return w.runtime.die(memutils.InvariantViolationf("worker %d cannot ensure heap assurances while %s", w.index, w.state))
	}
	if bytes < 0 {
		return w.runtime.die(memutils.InvariantViolationf("worker %d requested %d bytes", w.index, bytes))
	}

	w.logger.LogAttrs(context.Background(), slog.LevelDebug, "Ensuring heap assurances",
		slog.Int("bytesRequested", bytes),
		slog.Int("heapBytesFree", w.heapBytesFree()),
	)

	options := w.runtime.options
	if w.runtime.section.Pending() {
		w.logger.LogAttrs(context.Background(), slog.LevelDebug, "Entering management section")
		w.syncGlobal(false)
		w.logger.LogAttrs(context.Background(), slog.LevelDebug, "Exiting management section")
	}

	if !options.Mutator.StackInvariant() {
		w.syncGlobal(forceGC)
	}

	// The collector may have moved the worker to another node
	tree := w.runtime.tree
	err := tree.UpdateValues(w.current, w.frontier)
	if err != nil {
		return w.runtime.die(err)
	}

	if w.limitPlusSlop < w.frontier {
		return w.runtime.die(memutils.InvariantViolationf("worker %d has limit %s below frontier %s", w.index, w.limitPlusSlop, w.frontier))
	}

	if w.heapBytesFree() >= bytes {
		return nil
	}

	pool := w.runtime.Pool()
	ratio := pool.AllocatedRatio()
	if ratio < options.AllocatedRatio {
		raiseTo(&w.runtime.counters.maxChunkPoolBytesLive, pool.Allocated())

		options.Collector.CollectLocal()
		w.runtime.counters.localCollections.Add(1)

		w.logger.LogAttrs(context.Background(), slog.LevelInfo, "Performed local collection to raise live ratio",
			slog.Float64("ratio", ratio),
			slog.Float64("threshold", options.AllocatedRatio),
			slog.Float64("newRatio", pool.AllocatedRatio()),
			slog.String("pool.allocated", bytesize.New(float64(pool.Allocated())).String()),
		)

		err = w.allocator.MaybeResizePool(options.AllocatedRatio)
		if err != nil {
			return w.runtime.die(err)
		}
		raiseTo(&w.runtime.counters.maxChunkPoolSize, pool.Size())
	}

	err = tree.Extend(w.current, bytes, w.allocator)
	if err != nil {
		return w.runtime.die(errors.Wrapf(err, "worker %d ran out of space for heap node %s", w.index, w.current))
	}
	w.runtime.counters.extends.Add(1)

	return w.load()
}

// Alloc bump-allocates bytes bytes in the current node, extending it first if the fast path limit
// would be crossed
func (w *Worker) Alloc(bytes int) (memutils.Address, error) {
	if w.state != Inside {
		return memutils.NoAddress, w.runtime.die(memutils.InvariantViolationf("worker %d cannot allocate while %s", w.index, w.state))
	}
	if bytes < 0 {
		return memutils.NoAddress, w.runtime.die(memutils.InvariantViolationf("worker %d requested %d bytes", w.index, bytes))
	}

	if int64(w.limit)-int64(w.frontier) < int64(bytes) {
		err := w.EnsureAssurances(bytes, false)
		if err != nil {
			return memutils.NoAddress, err
		}
	}

	addr := w.frontier
	w.frontier += memutils.Address(bytes)
	return addr, nil
}

// Fork creates a child of the worker's current node. The worker stays on its current node.
func (w *Worker) Fork() (hierheap.NodeID, error) {
	if w.current.IsNil() {
		return hierheap.NoNode, w.runtime.die(memutils.InvariantViolationf("worker %d has no current heap node to fork", w.index))
	}

	tree := w.runtime.tree
	child := tree.NewNode()
	err := tree.AppendChild(w.current, child)
	if err != nil {
		return hierheap.NoNode, w.runtime.die(err)
	}

	w.logger.LogAttrs(context.Background(), slog.LevelDebug, "Forked heap node",
		slog.String("parent", w.current.String()),
		slog.String("child", child.String()),
	)
	return child, nil
}

// Join merges a finished child back into its parent. Every child of child must already have been
// joined, and no worker may be inside child's heap.
func (w *Worker) Join(child hierheap.NodeID) error {
	if child == w.current {
		return w.runtime.die(memutils.InvariantViolationf("worker %d cannot join its own heap node %s", w.index, child))
	}

	err := w.runtime.tree.MergeIntoParent(child)
	if err != nil {
		return w.runtime.die(err)
	}
	return nil
}
