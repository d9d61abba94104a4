package remset

//go:generate mockgen -source pins.go -destination ./mocks/pins.go

import (
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/forkheap/internal/utils"
	"github.com/vkngwrapper/forkheap/memutils"
)

// PinLevels is the one piece of object metadata remembered sets use: the shallowest level at
// which an object is pinned by a down-pointer. The object model owns the field.
//
// Every remembered set holding an object pins it once at the set's level. The pin level is the
// shallowest level still holding the object, so the object model has to know about every hold, not
// just the current minimum. Pin and Unpin must each be atomic.
type PinLevels interface {
	// PinLevel returns the object's pin level, or false if it is not pinned
	PinLevel(object memutils.ObjPtr) (level int, pinned bool)
	// Pin adds a hold on object at level, lowering its pin level to level if that is shallower
	Pin(object memutils.ObjPtr, level int)
	// Unpin drops one hold on object at level. The pin level rises to the next shallowest hold, and
	// the object is unpinned once nothing holds it.
	Unpin(object memutils.ObjPtr, level int)
}

// pinHolds counts the holds on one object. holds[l] is the number of remembered sets at level l
// holding the object and min is the shallowest level with a hold.
type pinHolds struct {
	holds []int
	min   int
}

// PinTable keeps pin levels in a side table, for object models that have no room for them in the
// object header
type PinTable struct {
	mutex   utils.OptionalMutex
	objects *swiss.Map[memutils.ObjPtr, *pinHolds]
}

var _ PinLevels = &PinTable{}

func NewPinTable(useMutex bool) *PinTable {
	return &PinTable{
		mutex:   utils.OptionalMutex{UseMutex: useMutex},
		objects: swiss.NewMap[memutils.ObjPtr, *pinHolds](64),
	}
}

func (t *PinTable) PinLevel(object memutils.ObjPtr) (int, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	pins, ok := t.objects.Get(object)
	if !ok {
		return 0, false
	}
	return pins.min, true
}

func (t *PinTable) Pin(object memutils.ObjPtr, level int) {
	if level < 0 {
		panic("pin level cannot be negative")
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	pins, ok := t.objects.Get(object)
	if !ok {
		pins = &pinHolds{min: level}
		t.objects.Put(object, pins)
	}

	for len(pins.holds) <= level {
		pins.holds = append(pins.holds, 0)
	}
	pins.holds[level]++
	if level < pins.min {
		pins.min = level
	}
}

func (t *PinTable) Unpin(object memutils.ObjPtr, level int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	pins, ok := t.objects.Get(object)
	if !ok || level < 0 || level >= len(pins.holds) || pins.holds[level] == 0 {
		return
	}

	pins.holds[level]--
	if pins.holds[level] > 0 || level != pins.min {
		return
	}

	for l := level + 1; l < len(pins.holds); l++ {
		if pins.holds[l] > 0 {
			pins.min = l
			return
		}
	}
	t.objects.Delete(object)
}

// Count returns the number of pinned objects
func (t *PinTable) Count() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.objects.Count()
}
