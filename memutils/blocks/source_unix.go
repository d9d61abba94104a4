//go:build linux || darwin || freebsd

package blocks

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/forkheap/memutils"
	"golang.org/x/sys/unix"
)

// MmapSource backs spans with anonymous private mappings. Mappings are made one alignment larger
// than requested so the returned span can be aligned inside them.
type MmapSource struct {
	mutex     sync.Mutex
	alignment int
	capacity  int
	held      int
	mappings  *swiss.Map[memutils.Address, []byte]
}

var _ Source = &MmapSource{}

func NewMmapSource(alignment int, capacity int) (*MmapSource, error) {
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}

	return &MmapSource{
		alignment: alignment,
		capacity:  capacity,
		mappings:  swiss.NewMap[memutils.Address, []byte](16),
	}, nil
}

func (s *MmapSource) Acquire(bytes int) (memutils.Span, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if bytes <= 0 || bytes%s.alignment != 0 {
		return memutils.Span{}, memutils.InvariantViolationf("cannot acquire %d bytes: requests must be positive multiples of %d", bytes, s.alignment)
	}
	if bytes > s.capacity-s.held {
		return memutils.Span{}, memutils.ResourceExhaustionf("cannot acquire %d bytes: %d of %d bytes already held", bytes, s.held, s.capacity)
	}

	mapping, err := unix.Mmap(-1, 0, bytes+s.alignment, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return memutils.Span{}, memutils.WrapResourceExhaustion(err, "failed to map %d bytes", bytes+s.alignment)
	}

	start := uintptr(unsafe.Pointer(&mapping[0]))
	base := memutils.Address(memutils.AlignUp(start, uintptr(s.alignment)))

	s.mappings.Put(base, mapping)
	s.held += bytes
	return memutils.Span{Base: base, Length: bytes}, nil
}

func (s *MmapSource) Release(span memutils.Span) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	mapping, ok := s.mappings.Get(span.Base)
	if !ok || len(mapping)-s.alignment != span.Length {
		return memutils.InvariantViolationf("span %s was not acquired from this source", span)
	}

	err := unix.Munmap(mapping)
	if err != nil {
		return errors.Wrapf(err, "failed to unmap span %s", span)
	}

	s.mappings.Delete(span.Base)
	s.held -= span.Length
	return nil
}

// NewDefaultSource returns the Source used when none is configured: anonymous mappings where the
// platform supports them
func NewDefaultSource(alignment int, capacity int) (Source, error) {
	return NewMmapSource(alignment, capacity)
}
