package memutils

import (
	"fmt"
	"math"
)

// Address is a location in the address space handed out by a raw memory source. The zero
// Address never refers to usable memory.
type Address uint64

// NoAddress is the zero Address
const NoAddress Address = 0

// ObjPtr identifies a heap object by the address of its first byte
type ObjPtr = Address

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Span is a contiguous range of addresses [Base, Base+Length). All arithmetic on a Span is
// bounds-checked: a request that would land outside the span returns an error instead of an
// address.
type Span struct {
	Base   Address
	Length int
}

// End returns the first address past the span
func (s Span) End() Address {
	return s.Base + Address(s.Length)
}

// IsEmpty returns true if the span covers no bytes
func (s Span) IsEmpty() bool {
	return s.Length == 0
}

// Contains reports whether addr lies in [Base, End)
func (s Span) Contains(addr Address) bool {
	return addr >= s.Base && addr < s.End()
}

// ContainsBoundary reports whether addr lies in [Base, End]. Bump frontiers are allowed to rest on
// the end of their span.
func (s Span) ContainsBoundary(addr Address) bool {
	return addr >= s.Base && addr <= s.End()
}

// At returns the address offset bytes into the span. offset may equal Length, which produces End.
func (s Span) At(offset int) (Address, error) {
	if offset < 0 || offset > s.Length {
		return NoAddress, InvariantViolationf("offset %d is outside span %s", offset, s)
	}
	return s.Base + Address(offset), nil
}

// OffsetOf returns the distance in bytes from Base to addr
func (s Span) OffsetOf(addr Address) (int, error) {
	if !s.ContainsBoundary(addr) {
		return 0, InvariantViolationf("address %s is outside span %s", addr, s)
	}
	return int(addr - s.Base), nil
}

// Sub returns the length-byte span starting offset bytes into this one
func (s Span) Sub(offset, length int) (Span, error) {
	if offset < 0 || length < 0 || offset > s.Length || length > s.Length-offset {
		return Span{}, InvariantViolationf("subspan [%d, %d) is outside span %s", offset, offset+length, s)
	}
	return Span{Base: s.Base + Address(offset), Length: length}, nil
}

// Overlaps reports whether the two spans share any byte
func (s Span) Overlaps(other Span) bool {
	return s.Base < other.End() && other.Base < s.End()
}

func (s Span) String() string {
	return fmt.Sprintf("[%s, %s)", s.Base, s.End())
}

// CheckedAdd adds n bytes to addr and fails if the result would overflow the address space
func CheckedAdd(addr Address, n int) (Address, error) {
	if n < 0 {
		return NoAddress, InvariantViolationf("negative byte count %d", n)
	}
	if uint64(addr) > math.MaxUint64-uint64(n) {
		return NoAddress, InvariantViolationf("address %s + %d overflows", addr, n)
	}
	return addr + Address(n), nil
}
