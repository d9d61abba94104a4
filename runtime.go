package forkheap

import (
	"context"
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/forkheap/internal/utils"
	"github.com/vkngwrapper/forkheap/memutils"
	"github.com/vkngwrapper/forkheap/memutils/blocks"
	"github.com/vkngwrapper/forkheap/memutils/hierheap"
	"github.com/vkngwrapper/forkheap/memutils/remset"
)

// Runtime owns the memory of a fork-join program: a global block allocator with one local
// allocator per worker, the tree of heap nodes that tasks allocate into, and the pin levels that
// remembered sets maintain.
type Runtime struct {
	logger  *slog.Logger
	options Options

	section Section
	global  *blocks.BlockAllocator
	tree    *hierheap.Tree
	pins    remset.PinLevels
	workers []*Worker

	counters cumulativeCounters
}

// New creates a new Runtime
//
// logger - Receives the runtime's logs. nil discards them.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options Options) (*Runtime, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	err := options.Validate()
	if err != nil {
		return nil, err
	}
	options = options.WithDefaults()
	useMutex := options.Flags&CreateExternallySynchronized == 0

	if options.Section == nil {
		options.Section = &utils.MutexSection{}
	}
	if options.PinLevels == nil {
		options.PinLevels = remset.NewPinTable(useMutex)
	}
	if options.Source == nil {
		options.Source, err = options.defaultSource()
		if err != nil {
			return nil, err
		}
	}

	config := options.blockConfig()
	global, err := blocks.NewGlobal(logger, config, options.Source, options.Section)
	if err != nil {
		return nil, err
	}

	tree, err := hierheap.NewTree(logger, hierheap.Config{
		BlockSize:      config.BlockSize,
		MinChunkBlocks: options.MinChunkBlocks,
		UseMutex:       useMutex,
	}, options.PinLevels)
	if err != nil {
		return nil, err
	}

	runtime := &Runtime{
		logger:  logger,
		options: options,
		section: options.Section,
		global:  global,
		tree:    tree,
		pins:    options.PinLevels,
	}

	runtime.workers = make([]*Worker, options.Workers)
	for i := range runtime.workers {
		runtime.workers[i] = newWorker(runtime, i, global.NewLocal())
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "Created runtime",
		slog.Int("workers", options.Workers),
		slog.Int("blockSize", config.BlockSize),
		slog.Int("superBlockBlocks", config.SuperBlockBlocks()),
		slog.String("flags", options.Flags.String()),
	)
	return runtime, nil
}

// Options returns the options the runtime was created with, with defaults filled in
func (r *Runtime) Options() Options { return r.options }

// Tree returns the heap node tree shared by every worker
func (r *Runtime) Tree() *hierheap.Tree { return r.tree }

// Global returns the global block allocator. Everything it holds is guarded by the Section.
func (r *Runtime) Global() *blocks.BlockAllocator { return r.global }

func (r *Runtime) Pool() *blocks.Pool          { return r.global.Pool() }
func (r *Runtime) PinLevels() remset.PinLevels { return r.pins }
func (r *Runtime) NumWorkers() int             { return len(r.workers) }
func (r *Runtime) Worker(index int) *Worker    { return r.workers[index] }
func (r *Runtime) Section() Section            { return r.section }
func (r *Runtime) Logger() *slog.Logger        { return r.logger }
func (r *Runtime) NewRoot() hierheap.NodeID    { return r.tree.NewRoot() }
func (r *Runtime) NumLiveNodes() int           { return r.tree.NumLive() }

// Validate checks the global allocator and the heap tree. Worker allocators are checked by their
// own workers.
func (r *Runtime) Validate() error {
	r.section.Enter()
	defer r.section.Leave()

	return memutils.ValidateAll(r.global, r.tree)
}

// die reports a fatal error. It only returns if the FatalHandler does.
func (r *Runtime) die(err error) error {
	r.logger.LogAttrs(context.Background(), slog.LevelError, "Fatal runtime error",
		slog.Bool("invariantViolation", memutils.IsInvariantViolation(err)),
		slog.Bool("resourceExhaustion", memutils.IsResourceExhaustion(err)),
		slog.Any("error", err),
	)
	r.options.FatalHandler(err)
	return err
}

// Destroy returns every worker's superblocks to the global allocator and releases the pool to the
// Source. Workers must all be outside their local heaps. Heap nodes that are still live keep their
// chunks until this point and are reported.
func (r *Runtime) Destroy() error {
	for _, worker := range r.workers {
		if worker.state != Outside {
			return memutils.InvariantViolationf("worker %d is still %s", worker.index, worker.state)
		}
	}

	if live := r.tree.NumLive(); live > 0 {
		r.logger.LogAttrs(context.Background(), slog.LevelDebug, "Destroying runtime with live heap nodes",
			slog.Int("nodes", live),
		)
	}

	var err error
	for _, worker := range r.workers {
		err = errors.CombineErrors(err, worker.allocator.Destroy())
	}
	if err != nil {
		return err
	}

	return r.global.Destroy()
}
