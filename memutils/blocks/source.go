package blocks

import (
	"sync"
	"unsafe"

	"github.com/cloudfoundry/gosigar"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/forkheap/memutils"
)

// Source supplies raw memory to the global allocator when the block pool must grow, and takes it
// back when the pool shrinks. Implementations must be safe for concurrent use: megablocks are
// acquired and released by local allocators outside the global section.
type Source interface {
	// Acquire returns a span of exactly bytes bytes whose base is aligned to the source's alignment
	Acquire(bytes int) (memutils.Span, error)
	// Release returns a span previously returned by Acquire
	Release(span memutils.Span) error
}

// DefaultCapacity returns half of the physical memory of the machine, or 1 GiB if the amount of
// physical memory cannot be determined
func DefaultCapacity() int {
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil || mem.Total == 0 {
		return 1 << 30
	}

	capacity := mem.Total / 2
	if capacity > uint64(maxInt) {
		return maxInt
	}
	return int(capacity)
}

const maxInt = int(^uint(0) >> 1)

// VirtualSource hands out address ranges without backing them with memory. It is used by tests
// and simulations, and by collaborators that back the addresses themselves.
type VirtualSource struct {
	mutex     sync.Mutex
	alignment int
	capacity  int
	held      int
	next      memutils.Address
	live      *swiss.Map[memutils.Address, int]
	// released spans, keyed by length, ready for reuse
	released map[int][]memutils.Address
}

var _ Source = &VirtualSource{}

// NewVirtualSource creates a VirtualSource that will never hold more than capacity bytes at once.
// Every span it returns is aligned to alignment, which must be a power of two.
func NewVirtualSource(alignment int, capacity int) (*VirtualSource, error) {
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}
	if capacity < 0 {
		return nil, errors.Newf("capacity cannot be negative, but is %d", capacity)
	}

	return &VirtualSource{
		alignment: alignment,
		capacity:  capacity,
		// Leave the first page unmapped so NoAddress is never handed out
		next:     memutils.Address(memutils.AlignUp(1<<20, alignment)),
		live:     swiss.NewMap[memutils.Address, int](16),
		released: make(map[int][]memutils.Address),
	}, nil
}

func (s *VirtualSource) Acquire(bytes int) (memutils.Span, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if bytes <= 0 || bytes%s.alignment != 0 {
		return memutils.Span{}, memutils.InvariantViolationf("cannot acquire %d bytes: requests must be positive multiples of %d", bytes, s.alignment)
	}
	if bytes > s.capacity-s.held {
		return memutils.Span{}, memutils.ResourceExhaustionf("cannot acquire %d bytes: %d of %d bytes already held", bytes, s.held, s.capacity)
	}

	var base memutils.Address
	if reuse := s.released[bytes]; len(reuse) > 0 {
		base = reuse[len(reuse)-1]
		s.released[bytes] = reuse[:len(reuse)-1]
	} else {
		next, err := memutils.CheckedAdd(s.next, bytes)
		if err != nil {
			return memutils.Span{}, memutils.WrapResourceExhaustion(err, "address space exhausted")
		}
		base = s.next
		s.next = next
	}

	s.live.Put(base, bytes)
	s.held += bytes
	return memutils.Span{Base: base, Length: bytes}, nil
}

func (s *VirtualSource) Release(span memutils.Span) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	length, ok := s.live.Get(span.Base)
	if !ok || length != span.Length {
		return memutils.InvariantViolationf("span %s was not acquired from this source", span)
	}

	s.live.Delete(span.Base)
	s.held -= length
	s.released[length] = append(s.released[length], span.Base)
	return nil
}

// Held returns the number of bytes currently acquired and not released
func (s *VirtualSource) Held() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.held
}

// Capacity returns the most bytes the source will hold at once
func (s *VirtualSource) Capacity() int {
	return s.capacity
}

// HeapSource backs spans with Go byte slices. It is the fallback on platforms without MmapSource.
type HeapSource struct {
	mutex     sync.Mutex
	alignment int
	capacity  int
	held      int
	live      *swiss.Map[memutils.Address, []byte]
}

var _ Source = &HeapSource{}

func NewHeapSource(alignment int, capacity int) (*HeapSource, error) {
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}

	return &HeapSource{
		alignment: alignment,
		capacity:  capacity,
		live:      swiss.NewMap[memutils.Address, []byte](16),
	}, nil
}

func (s *HeapSource) Acquire(bytes int) (memutils.Span, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if bytes <= 0 || bytes%s.alignment != 0 {
		return memutils.Span{}, memutils.InvariantViolationf("cannot acquire %d bytes: requests must be positive multiples of %d", bytes, s.alignment)
	}
	if bytes > s.capacity-s.held {
		return memutils.Span{}, memutils.ResourceExhaustionf("cannot acquire %d bytes: %d of %d bytes already held", bytes, s.held, s.capacity)
	}

	backing := make([]byte, bytes+s.alignment)
	start := uintptr(unsafe.Pointer(&backing[0]))
	offset := int(memutils.AlignUp(start, uintptr(s.alignment)) - start)

	span := memutils.Span{Base: memutils.Address(start) + memutils.Address(offset), Length: bytes}
	s.live.Put(span.Base, backing)
	s.held += bytes
	return span, nil
}

func (s *HeapSource) Release(span memutils.Span) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	backing, ok := s.live.Get(span.Base)
	if !ok || len(backing)-s.alignment != span.Length {
		return memutils.InvariantViolationf("span %s was not acquired from this source", span)
	}

	s.live.Delete(span.Base)
	s.held -= span.Length
	return nil
}
