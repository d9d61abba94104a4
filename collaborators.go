package forkheap

//go:generate mockgen -source collaborators.go -destination ./mocks/collaborators.go

// Section is the global section shared by every worker of a Runtime. Global pool changes and
// synchronized collections run between Enter and Leave, and no worker moves its frontier while
// another is inside.
type Section interface {
	Enter()
	Leave()
	// Pending reports whether a synchronized collection has been requested that the calling
	// worker must take part in
	Pending() bool
}

// Collector runs the garbage collector. The tracing itself happens elsewhere; the runtime only
// decides when to call it.
type Collector interface {
	// CollectLocal collects the calling worker's heaps
	CollectLocal()
	// CollectGlobal runs a global collection inside the global section. A zero-byte pass with force
	// unset only lets the worker take part in a collection someone else requested.
	CollectGlobal(force bool, bytes int)
}

// Mutator exposes the mutator state the runtime checks before handing out more heap
type Mutator interface {
	// StackInvariant reports whether the current stack has enough reserved space
	StackInvariant() bool
}

type nopCollector struct{}

func (nopCollector) CollectLocal()           {}
func (nopCollector) CollectGlobal(bool, int) {}

type nopMutator struct{}

func (nopMutator) StackInvariant() bool { return true }
