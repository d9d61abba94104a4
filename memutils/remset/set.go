package remset

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/forkheap/internal/utils"
	"github.com/vkngwrapper/forkheap/memutils"
)

// Downptr is a pointer stored in an object at a shallow level that refers to an object at a
// deeper level. Field is the address of the slot holding the pointer and Src the object that
// contains it; either may be NoAddress when the caller does not know them.
type Downptr struct {
	Dst   memutils.ObjPtr
	Field memutils.Address
	Src   memutils.ObjPtr
}

// Set records the objects that are reachable through down-pointers stored at one heap level.
// There is one Set per heap node. The collector of that level treats every remembered object as
// an extra root.
//
// Each object is recorded at most once per set. Only the first down-pointer seen for an object is
// kept: the collector only needs to know that the object is reachable.
type Set struct {
	mutex   utils.OptionalMutex
	level   int
	pins    PinLevels
	entries *swiss.Map[memutils.ObjPtr, Downptr]
}

// NewSet creates an empty set for the given level. Pin levels of remembered objects are kept in
// pins.
func NewSet(level int, pins PinLevels, useMutex bool) *Set {
	return &Set{
		mutex:   utils.OptionalMutex{UseMutex: useMutex},
		level:   level,
		pins:    pins,
		entries: swiss.NewMap[memutils.ObjPtr, Downptr](8),
	}
}

// Level returns the depth of the heap this set belongs to
func (s *Set) Level() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.level
}

// Relevel moves an empty set to a new level. Heaps get their level when they are attached to a
// parent, which can only happen before anything has been remembered at them.
func (s *Set) Relevel(level int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.entries.Count() > 0 {
		return memutils.InvariantViolationf("cannot move a remembered set with %d entries from level %d to %d", s.entries.Count(), s.level, level)
	}
	s.level = level
	return nil
}

// Remember records that object is reachable from this set's level. It returns true if the object
// was not already recorded here.
func (s *Set) Remember(object memutils.ObjPtr) bool {
	return s.RememberDownptr(Downptr{Dst: object})
}

// RememberDownptr records the destination of a down-pointer. It returns true if the destination
// was not already recorded here. The destination is pinned at this set's level.
func (s *Set) RememberDownptr(ptr Downptr) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.entries.Has(ptr.Dst) {
		return false
	}

	s.entries.Put(ptr.Dst, ptr)
	s.pins.Pin(ptr.Dst, s.level)
	return true
}

// ForeachRemembered calls visit once for every recorded down-pointer, in no particular order.
// visit must not modify the set.
func (s *Set) ForeachRemembered(visit func(ptr Downptr)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.entries.Iter(func(_ memutils.ObjPtr, ptr Downptr) bool {
		visit(ptr)
		return false
	})
}

// NumRemembered returns the number of distinct objects recorded in this set
func (s *Set) NumRemembered() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.entries.Count()
}

// Contains reports whether object is recorded in this set
func (s *Set) Contains(object memutils.ObjPtr) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.entries.Has(object)
}

// MergeInto moves every entry of this set into dst, which must belong to a shallower or equal
// level. Objects already recorded in dst keep dst's entry. This set is left empty, and its holds on
// the moved objects become holds at dst's level.
func (s *Set) MergeInto(dst *Set) error {
	if s == dst {
		return memutils.InvariantViolationf("cannot merge a remembered set into itself")
	}

	// Deeper set first
	s.mutex.Lock()
	defer s.mutex.Unlock()
	dst.mutex.Lock()
	defer dst.mutex.Unlock()

	if dst.level > s.level {
		return memutils.InvariantViolationf("cannot merge remembered set at level %d into deeper level %d", s.level, dst.level)
	}

	s.entries.Iter(func(object memutils.ObjPtr, ptr Downptr) bool {
		// Pin at the new level before dropping the old hold so the object is never unpinned
		if !dst.entries.Has(object) {
			dst.entries.Put(object, ptr)
			dst.pins.Pin(object, dst.level)
		}
		s.pins.Unpin(object, s.level)
		return false
	})
	s.entries.Clear()

	return nil
}

// Unpin removes object from this set and drops this set's hold on its pin level. It returns false
// if the object was not recorded here.
func (s *Set) Unpin(object memutils.ObjPtr) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.entries.Delete(object) {
		return false
	}
	s.pins.Unpin(object, s.level)
	return true
}

// Sweep drops every entry for which live returns false and returns how many were dropped. A
// collector calls it after the level owning a remembered object has been collected.
func (s *Set) Sweep(live func(ptr Downptr) bool) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var dead []memutils.ObjPtr
	s.entries.Iter(func(object memutils.ObjPtr, ptr Downptr) bool {
		if !live(ptr) {
			dead = append(dead, object)
		}
		return false
	})

	for _, object := range dead {
		s.entries.Delete(object)
		s.pins.Unpin(object, s.level)
	}
	return len(dead)
}

// Clear drops every entry
func (s *Set) Clear() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.entries.Iter(func(object memutils.ObjPtr, _ Downptr) bool {
		s.pins.Unpin(object, s.level)
		return false
	})
	s.entries.Clear()
}

func (s *Set) Validate() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var err error
	s.entries.Iter(func(object memutils.ObjPtr, ptr Downptr) bool {
		if ptr.Dst != object {
			err = errors.Newf("remembered set at level %d files %s under %s", s.level, ptr.Dst, object)
			return true
		}
		level, pinned := s.pins.PinLevel(object)
		if !pinned {
			err = errors.Newf("object %s is remembered at level %d but not pinned", object, s.level)
			return true
		}
		if level > s.level {
			err = errors.Newf("object %s is remembered at level %d but pinned at deeper level %d", object, s.level, level)
			return true
		}
		return false
	})
	return err
}
