package forkheap_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/forkheap"
	"github.com/vkngwrapper/forkheap/memutils"
	"github.com/vkngwrapper/forkheap/memutils/blocks"
	"github.com/vkngwrapper/forkheap/memutils/hierheap"
	mock_forkheap "github.com/vkngwrapper/forkheap/mocks"
	"go.uber.org/mock/gomock"
)

const (
	testBlockSize      = 4096
	testSuperBlockSize = testBlockSize << blocks.DefaultSuperBlockSizeClass
	testSlop           = memutils.Address(forkheap.DefaultHeapLimitSlop)
)

type RuntimeSetup struct {
	Options  forkheap.Options
	Capacity int
}

func readyRuntime(t *testing.T, setup RuntimeSetup) *forkheap.Runtime {
	if setup.Capacity == 0 {
		setup.Capacity = 64 * 1024 * 1024
	}

	options := setup.Options
	if options.Source == nil {
		source, err := blocks.NewVirtualSource(testBlockSize, setup.Capacity)
		require.NoError(t, err)
		options.Source = source
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	runtime, err := forkheap.New(logger, options)
	require.NoError(t, err)

	return runtime
}

// fatalRecorder collects fatal errors instead of panicking
type fatalRecorder struct {
	errs []error
}

func (r *fatalRecorder) handle(err error) {
	r.errs = append(r.errs, err)
}

func enterRoot(t *testing.T, runtime *forkheap.Runtime, worker int) (*forkheap.Worker, hierheap.NodeID) {
	root := runtime.NewRoot()
	w := runtime.Worker(worker)
	require.NoError(t, w.SetCurrent(root))
	require.NoError(t, w.EnterLocalHeap())
	return w, root
}

func TestEnterAndExitLocalHeap(t *testing.T) {
	runtime := readyRuntime(t, RuntimeSetup{})
	tree := runtime.Tree()

	w, root := enterRoot(t, runtime, 0)
	require.Equal(t, forkheap.Inside, w.State())

	chunks, err := tree.Chunks(root)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	base := chunks[0].Span().Base
	require.Equal(t, base, w.Frontier())
	require.Equal(t, chunks[0].Limit(), w.LimitPlusSlop())
	require.Equal(t, w.LimitPlusSlop()-testSlop, w.Limit())

	addr, err := w.Alloc(100)
	require.NoError(t, err)
	require.Equal(t, base, addr)
	require.Equal(t, base+100, w.Frontier())

	require.NoError(t, w.ExitLocalHeap())
	require.Equal(t, forkheap.Outside, w.State())
	frontier, err := tree.Frontier(root)
	require.NoError(t, err)
	require.Equal(t, base+100, frontier)

	// Re-entering picks up where the worker left off without a new chunk
	require.NoError(t, w.EnterLocalHeap())
	require.Equal(t, base+100, w.Frontier())
	chunks, err = tree.Chunks(root)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	require.NoError(t, w.ExitLocalHeap())
	require.NoError(t, runtime.Validate())
	require.NoError(t, runtime.Destroy())
	require.Equal(t, 0, runtime.Pool().Size())
}

func TestAllocUsesSlopBeforeExtending(t *testing.T) {
	ctrl := gomock.NewController(t)

	// No collections are expected
	collector := mock_forkheap.NewMockCollector(ctrl)
	mutator := mock_forkheap.NewMockMutator(ctrl)
	mutator.EXPECT().StackInvariant().Return(true).AnyTimes()

	runtime := readyRuntime(t, RuntimeSetup{
		Options: forkheap.Options{
			Collector: collector,
			Mutator:   mutator,
		},
	})
	w, root := enterRoot(t, runtime, 0)
	base := w.Frontier()

	_, err := w.Alloc(3000)
	require.NoError(t, err)

	// Crosses the limit but fits in the slop
	addr, err := w.Alloc(1000)
	require.NoError(t, err)
	require.Equal(t, base+3000, addr)
	require.Equal(t, 0, runtime.CumulativeStatistics().Extends)

	// Does not fit at all
	addr, err = w.Alloc(200)
	require.NoError(t, err)
	require.Equal(t, 1, runtime.CumulativeStatistics().Extends)

	chunks, err := runtime.Tree().Chunks(root)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, base+4000, chunks[0].Frontier())
	require.Equal(t, chunks[1].Span().Base, addr)
	require.Equal(t, addr+200, w.Frontier())

	require.NoError(t, w.ExitLocalHeap())
	require.NoError(t, runtime.Validate())
}

func TestLargeAllocationGetsItsOwnChunk(t *testing.T) {
	runtime := readyRuntime(t, RuntimeSetup{})
	w, root := enterRoot(t, runtime, 0)

	size := 2 * testSuperBlockSize
	addr, err := w.Alloc(size)
	require.NoError(t, err)

	chunks, err := runtime.Tree().Chunks(root)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, chunks[1].Span().Base, addr)
	require.Equal(t, size, chunks[1].Span().Length)
	require.Equal(t, 1, w.Allocator().NumMegaBlocks())

	require.NoError(t, w.ExitLocalHeap())
	require.NoError(t, runtime.Destroy())
}

func TestLargeAllocationFromDefaultSource(t *testing.T) {
	var fatal fatalRecorder
	runtime, err := forkheap.New(nil, forkheap.Options{
		PoolCapacity: 64 * 1024 * 1024,
		FatalHandler: fatal.handle,
	})
	require.NoError(t, err)

	w, root := enterRoot(t, runtime, 0)

	// Not a whole number of superblocks
	size := 600 * 1024
	addr, err := w.Alloc(size)
	require.NoError(t, err)
	require.Empty(t, fatal.errs)

	chunks, err := runtime.Tree().Chunks(root)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, chunks[1].Span().Base, addr)
	require.Equal(t, 150*testBlockSize, chunks[1].Span().Length)
	require.Equal(t, 1, w.Allocator().NumMegaBlocks())
	require.Equal(t, 3*testSuperBlockSize, runtime.Pool().Size())

	require.NoError(t, w.ExitLocalHeap())
	require.NoError(t, runtime.Validate())
	require.NoError(t, runtime.Destroy())
	require.Equal(t, 0, runtime.Pool().Size())
}

func TestEnsureAssurancesCollectsWhenPoolIsFull(t *testing.T) {
	ctrl := gomock.NewController(t)

	collector := mock_forkheap.NewMockCollector(ctrl)
	collector.EXPECT().CollectLocal().Times(1)

	runtime := readyRuntime(t, RuntimeSetup{
		Options: forkheap.Options{
			Collector:      collector,
			AllocatedRatio: 1000,
		},
	})
	w, root := enterRoot(t, runtime, 0)
	require.Equal(t, testSuperBlockSize, runtime.Pool().Size())
	require.Equal(t, testBlockSize, runtime.Pool().Allocated())

	require.NoError(t, w.EnsureAssurances(testBlockSize+1, false))

	stats := runtime.CumulativeStatistics()
	require.Equal(t, 1, stats.LocalCollections)
	require.Equal(t, 1, stats.Extends)
	require.Equal(t, testBlockSize, stats.MaxChunkPoolBytesLive)

	// The pool grew toward 1000 times what was allocated before the extend. The two-block chunk
	// then took one of the new superblocks for its size class.
	require.Equal(t, 7*testSuperBlockSize, runtime.Pool().Size())
	require.Equal(t, runtime.Pool().Size(), stats.MaxChunkPoolSize)
	require.Equal(t, 5, runtime.Global().GroupCount(0, blocks.CompletelyEmpty))

	chunks, err := runtime.Tree().Chunks(root)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	require.NoError(t, w.ExitLocalHeap())
	require.NoError(t, runtime.Validate())
}

func TestEnsureAssurancesSkipsCollectionWhenHealthy(t *testing.T) {
	ctrl := gomock.NewController(t)

	collector := mock_forkheap.NewMockCollector(ctrl)
	runtime := readyRuntime(t, RuntimeSetup{
		Options: forkheap.Options{Collector: collector},
	})
	w, _ := enterRoot(t, runtime, 0)

	// Already enough room
	require.NoError(t, w.EnsureAssurances(100, false))
	require.Equal(t, 0, runtime.CumulativeStatistics().Extends)

	// Exactly one chunk's worth still fits
	require.NoError(t, w.EnsureAssurances(testBlockSize, false))
	require.Equal(t, 0, runtime.CumulativeStatistics().Extends)

	require.NoError(t, w.EnsureAssurances(testBlockSize+1, false))
	require.Equal(t, 1, runtime.CumulativeStatistics().Extends)
	require.Equal(t, 0, runtime.CumulativeStatistics().LocalCollections)
	require.GreaterOrEqual(t, int(w.LimitPlusSlop()-w.Frontier()), testBlockSize+1)
}

func TestEnsureAssurancesJoinsPendingSection(t *testing.T) {
	ctrl := gomock.NewController(t)

	section := mock_forkheap.NewMockSection(ctrl)
	section.EXPECT().Enter().AnyTimes()
	section.EXPECT().Leave().AnyTimes()
	section.EXPECT().Pending().Return(true).Times(1)
	section.EXPECT().Pending().Return(false).AnyTimes()

	collector := mock_forkheap.NewMockCollector(ctrl)
	runtime := readyRuntime(t, RuntimeSetup{
		Options: forkheap.Options{
			Section:   section,
			Collector: collector,
		},
	})
	w, root := enterRoot(t, runtime, 0)
	other := runtime.NewRoot()

	// The collector moves the worker to another heap while it is in the section
	collector.EXPECT().CollectGlobal(false, 0).Do(func(force bool, bytes int) {
		require.Equal(t, forkheap.ManagementSync, w.State())
		require.True(t, w.Allocator().InGlobalSection())
		require.NoError(t, w.SetCurrent(other))
	})

	frontier := w.Frontier()
	require.NoError(t, w.EnsureAssurances(0, false))
	require.Equal(t, forkheap.Inside, w.State())
	require.False(t, w.Allocator().InGlobalSection())
	require.Equal(t, other, w.Current())
	require.Equal(t, 1, runtime.CumulativeStatistics().GlobalCollections)

	otherChunks, err := runtime.Tree().Chunks(other)
	require.NoError(t, err)
	require.Len(t, otherChunks, 1)
	require.Equal(t, otherChunks[0].Span().Base, w.Frontier())

	// The old node kept its frontier
	saved, err := runtime.Tree().Frontier(root)
	require.NoError(t, err)
	require.Equal(t, frontier, saved)

	// No second pass
	require.NoError(t, w.EnsureAssurances(0, false))
	require.Equal(t, 1, runtime.CumulativeStatistics().GlobalCollections)
}

func TestStackInvariantForcesGlobalCollection(t *testing.T) {
	ctrl := gomock.NewController(t)

	collector := mock_forkheap.NewMockCollector(ctrl)
	mutator := mock_forkheap.NewMockMutator(ctrl)
	runtime := readyRuntime(t, RuntimeSetup{
		Options: forkheap.Options{
			Collector: collector,
			Mutator:   mutator,
		},
	})
	w, _ := enterRoot(t, runtime, 0)

	gomock.InOrder(
		mutator.EXPECT().StackInvariant().Return(false),
		collector.EXPECT().CollectGlobal(true, 0),
	)
	require.NoError(t, w.EnsureAssurances(0, true))

	mutator.EXPECT().StackInvariant().Return(true)
	require.NoError(t, w.EnsureAssurances(0, true))
	require.Equal(t, 1, runtime.CumulativeStatistics().GlobalCollections)
}

func TestProtocolViolationsAreFatal(t *testing.T) {
	recorder := &fatalRecorder{}
	runtime := readyRuntime(t, RuntimeSetup{
		Options: forkheap.Options{FatalHandler: recorder.handle},
	})
	w := runtime.Worker(0)

	err := w.EnterLocalHeap()
	require.True(t, memutils.IsInvariantViolation(err))

	err = w.ExitLocalHeap()
	require.True(t, memutils.IsInvariantViolation(err))

	_, err = w.Alloc(10)
	require.True(t, memutils.IsInvariantViolation(err))

	err = w.EnsureAssurances(10, false)
	require.True(t, memutils.IsInvariantViolation(err))

	_, err = w.Fork()
	require.True(t, memutils.IsInvariantViolation(err))
	require.Len(t, recorder.errs, 5)

	root := runtime.NewRoot()
	require.NoError(t, w.SetCurrent(root))
	require.NoError(t, w.EnterLocalHeap())

	err = w.EnterLocalHeap()
	require.True(t, memutils.IsInvariantViolation(err))
	err = w.SetCurrent(runtime.NewRoot())
	require.True(t, memutils.IsInvariantViolation(err))
	_, err = w.Alloc(-1)
	require.True(t, memutils.IsInvariantViolation(err))
	require.Len(t, recorder.errs, 8)

	err = runtime.Destroy()
	require.True(t, memutils.IsInvariantViolation(err))
}

func TestDefaultFatalHandlerPanics(t *testing.T) {
	runtime := readyRuntime(t, RuntimeSetup{})

	require.Panics(t, func() {
		_ = runtime.Worker(0).ExitLocalHeap()
	})
}

func TestOutOfMemoryIsFatal(t *testing.T) {
	recorder := &fatalRecorder{}
	runtime := readyRuntime(t, RuntimeSetup{
		Options:  forkheap.Options{FatalHandler: recorder.handle},
		Capacity: testSuperBlockSize,
	})
	w, _ := enterRoot(t, runtime, 0)

	_, err := w.Alloc(testSuperBlockSize + testBlockSize)
	require.Error(t, err)
	require.True(t, memutils.IsResourceExhaustion(err))
	require.Len(t, recorder.errs, 1)
	require.Equal(t, err, recorder.errs[0])
}

func TestForkAndJoin(t *testing.T) {
	runtime := readyRuntime(t, RuntimeSetup{
		Options: forkheap.Options{Workers: 2},
	})
	tree := runtime.Tree()

	parentWorker, root := enterRoot(t, runtime, 0)
	_, err := parentWorker.Alloc(64)
	require.NoError(t, err)

	left, err := parentWorker.Fork()
	require.NoError(t, err)
	right, err := parentWorker.Fork()
	require.NoError(t, err)
	require.Equal(t, root, parentWorker.Current())

	children, err := tree.Children(root)
	require.NoError(t, err)
	require.ElementsMatch(t, []hierheap.NodeID{left, right}, children)

	// Run the left task on the second worker
	childWorker := runtime.Worker(1)
	require.NoError(t, childWorker.SetCurrent(left))
	require.NoError(t, childWorker.EnterLocalHeap())
	leftAddr, err := childWorker.Alloc(128)
	require.NoError(t, err)
	require.NoError(t, childWorker.ExitLocalHeap())

	owner, ok := tree.OwnerOf(leftAddr)
	require.True(t, ok)
	require.Equal(t, left, owner)

	require.NoError(t, parentWorker.Join(left))
	owner, ok = tree.OwnerOf(leftAddr)
	require.True(t, ok)
	require.Equal(t, root, owner)

	chunks, err := tree.Chunks(root)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	// The right child never ran and has no chunks
	require.NoError(t, parentWorker.Join(right))
	chunks, err = tree.Chunks(root)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	// The parent keeps allocating where it was
	addr, err := parentWorker.Alloc(8)
	require.NoError(t, err)
	require.Equal(t, chunks[0].Span().Base+64, addr)

	require.NoError(t, parentWorker.ExitLocalHeap())
	require.Equal(t, 1, runtime.NumLiveNodes())
	require.NoError(t, runtime.Validate())
}

func TestJoinRequiresChildlessNode(t *testing.T) {
	recorder := &fatalRecorder{}
	runtime := readyRuntime(t, RuntimeSetup{
		Options: forkheap.Options{FatalHandler: recorder.handle},
	})
	w, root := enterRoot(t, runtime, 0)

	child, err := w.Fork()
	require.NoError(t, err)
	require.NoError(t, w.ExitLocalHeap())

	require.NoError(t, w.SetCurrent(child))
	grandchild, err := w.Fork()
	require.NoError(t, err)
	require.NoError(t, w.SetCurrent(root))

	err = w.Join(child)
	require.True(t, memutils.IsInvariantViolation(err))
	err = w.Join(root)
	require.True(t, memutils.IsInvariantViolation(err))
	require.Len(t, recorder.errs, 2)

	require.NoError(t, w.Join(grandchild))
	require.NoError(t, w.Join(child))
	require.Equal(t, 1, runtime.NumLiveNodes())
}

func TestWorkersAllocateConcurrently(t *testing.T) {
	const numWorkers = 4

	runtime := readyRuntime(t, RuntimeSetup{
		Options: forkheap.Options{Workers: numWorkers},
	})
	root := runtime.NewRoot()

	nodes := make([]hierheap.NodeID, numWorkers)
	{
		w := runtime.Worker(0)
		require.NoError(t, w.SetCurrent(root))
		for i := range nodes {
			child, err := w.Fork()
			require.NoError(t, err)
			nodes[i] = child
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, numWorkers)
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			w := runtime.Worker(i)
			errs[i] = w.SetCurrent(nodes[i])
			if errs[i] != nil {
				return
			}
			errs[i] = w.EnterLocalHeap()
			if errs[i] != nil {
				return
			}
			for j := 0; j < 2000; j++ {
				_, errs[i] = w.Alloc(100 + j%300)
				if errs[i] != nil {
					return
				}
			}
			errs[i] = w.ExitLocalHeap()
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, runtime.Worker(0).SetCurrent(root))
	for _, node := range nodes {
		require.NoError(t, runtime.Worker(0).Join(node))
	}

	var stats forkheap.Statistics
	runtime.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.Heap.NodeCount)
	require.Greater(t, stats.Heap.UsedBytes, numWorkers*2000*100)
	require.Equal(t, stats.Heap.ChunkBlocks, stats.Blocks.AllocationBlocks)
	require.Equal(t, stats.PoolAllocated, stats.Blocks.AllocationBlocks*testBlockSize)
	require.NoError(t, runtime.Validate())
	require.NoError(t, runtime.Destroy())
}
