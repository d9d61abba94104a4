package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/inhies/go-bytesize"
	"github.com/vkngwrapper/forkheap"
	"github.com/vkngwrapper/forkheap/memutils"
	"github.com/vkngwrapper/forkheap/memutils/hierheap"
)

var options struct {
	config   string
	workers  int
	depth    int
	allocs   int
	maxSize  string
	remember int
	seed     int64
	detailed bool
	verbose  bool
}

func argParse() {
	flag.StringVar(&options.config, "config", "",
		"YAML file with runtime options")
	flag.IntVar(&options.workers, "workers", 0,
		"number of workers, overrides the config file")
	flag.IntVar(&options.depth, "depth", 6,
		"depth of the fork tree below each worker")
	flag.IntVar(&options.allocs, "allocs", 200,
		"objects allocated by each task")
	flag.StringVar(&options.maxSize, "maxsize", "2KB",
		"largest object size")
	flag.IntVar(&options.remember, "remember", 20,
		"one in this many objects is remembered at the root")
	flag.Int64Var(&options.seed, "seed", 1,
		"random seed")
	flag.BoolVar(&options.detailed, "detailed", false,
		"print every superblock and heap node")
	flag.BoolVar(&options.verbose, "v", false,
		"log at debug level")
	flag.Parse()
}

func main() {
	argParse()

	level := slog.LevelInfo
	if options.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	err := run(logger)
	if err != nil {
		logger.Error("Simulation failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// sim drives one task tree per worker. Every task allocates into its own heap node, forks two
// children, runs them on the same worker and joins them back.
type sim struct {
	runtime *forkheap.Runtime
	root    hierheap.NodeID
	maxSize int
}

func run(logger *slog.Logger) error {
	var runtimeOptions forkheap.Options
	if options.config != "" {
		var err error
		runtimeOptions, err = forkheap.LoadOptions(options.config)
		if err != nil {
			return err
		}
	}
	if options.workers > 0 {
		runtimeOptions.Workers = options.workers
	}
	runtimeOptions.Collector = &loggingCollector{logger: logger}

	maxSize, err := bytesize.Parse(options.maxSize)
	if err != nil {
		return errors.Wrapf(err, "invalid -maxsize %q", options.maxSize)
	}
	if maxSize < 1 {
		return errors.Newf("-maxsize must be at least one byte, got %q", options.maxSize)
	}

	runtime, err := forkheap.New(logger, runtimeOptions)
	if err != nil {
		return err
	}

	s := &sim{
		runtime: runtime,
		root:    runtime.NewRoot(),
		maxSize: int(maxSize),
	}

	// One subtree per worker, hanging off a shared root
	driver := runtime.Worker(0)
	err = driver.SetCurrent(s.root)
	if err != nil {
		return err
	}
	subtrees := make([]hierheap.NodeID, runtime.NumWorkers())
	for i := range subtrees {
		subtrees[i], err = driver.Fork()
		if err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, runtime.NumWorkers())
	for i := range subtrees {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(options.seed + int64(i)))
			errs[i] = s.task(runtime.Worker(i), subtrees[i], options.depth, rng)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "worker %d failed", i)
		}
	}

	err = driver.SetCurrent(s.root)
	if err != nil {
		return err
	}
	for _, subtree := range subtrees {
		err = driver.Join(subtree)
		if err != nil {
			return err
		}
	}

	err = runtime.Validate()
	if err != nil {
		return err
	}
	fmt.Println(runtime.BuildStatsString(options.detailed))

	return runtime.Destroy()
}

func (s *sim) task(w *forkheap.Worker, node hierheap.NodeID, depth int, rng *rand.Rand) error {
	err := w.SetCurrent(node)
	if err != nil {
		return err
	}

	err = w.EnterLocalHeap()
	if err != nil {
		return err
	}
	for i := 0; i < options.allocs; i++ {
		var object memutils.Address
		object, err = w.Alloc(1 + rng.Intn(s.maxSize))
		if err != nil {
			return err
		}

		// A pointer from the shared root down into this task's heap
		if options.remember > 0 && rng.Intn(options.remember) == 0 {
			err = s.runtime.Tree().RememberAtLevel(s.root, object)
			if err != nil {
				return err
			}
		}
	}
	err = w.ExitLocalHeap()
	if err != nil {
		return err
	}

	if depth == 0 {
		return nil
	}

	left, err := w.Fork()
	if err != nil {
		return err
	}
	right, err := w.Fork()
	if err != nil {
		return err
	}

	err = s.task(w, left, depth-1, rng)
	if err != nil {
		return err
	}
	err = s.task(w, right, depth-1, rng)
	if err != nil {
		return err
	}

	err = w.SetCurrent(node)
	if err != nil {
		return err
	}
	err = w.Join(left)
	if err != nil {
		return err
	}
	return w.Join(right)
}

// loggingCollector stands in for a real collector: it reports when the runtime asks for a
// collection and frees nothing
type loggingCollector struct {
	logger *slog.Logger
	mutex  sync.Mutex
	local  int
	global int
}

func (c *loggingCollector) CollectLocal() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.local++
	c.logger.Debug("Local collection requested", slog.Int("count", c.local))
}

func (c *loggingCollector) CollectGlobal(force bool, bytes int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.global++
	c.logger.Debug("Global collection requested", slog.Bool("force", force), slog.Int("bytes", bytes), slog.Int("count", c.global))
}
