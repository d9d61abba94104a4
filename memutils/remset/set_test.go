package remset_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/forkheap/memutils"
	"github.com/vkngwrapper/forkheap/memutils/remset"
	mock_remset "github.com/vkngwrapper/forkheap/memutils/remset/mocks"
	"go.uber.org/mock/gomock"
)

func collect(set *remset.Set) map[memutils.ObjPtr]int {
	visits := make(map[memutils.ObjPtr]int)
	set.ForeachRemembered(func(ptr remset.Downptr) {
		visits[ptr.Dst]++
	})
	return visits
}

func TestRememberDeduplicates(t *testing.T) {
	pins := remset.NewPinTable(false)
	set := remset.NewSet(0, pins, false)

	for i := 0; i < 5; i++ {
		set.Remember(0x1000)
	}
	require.Equal(t, 1, set.NumRemembered())

	require.True(t, set.Remember(0x2000))
	require.False(t, set.Remember(0x2000))
	require.True(t, set.Remember(0x3000))
	require.Equal(t, 3, set.NumRemembered())

	require.Equal(t, map[memutils.ObjPtr]int{
		0x1000: 1,
		0x2000: 1,
		0x3000: 1,
	}, collect(set))
	require.NoError(t, set.Validate())
}

func TestRememberKeepsFirstDownptr(t *testing.T) {
	pins := remset.NewPinTable(false)
	set := remset.NewSet(1, pins, false)

	require.True(t, set.RememberDownptr(remset.Downptr{Dst: 0x1000, Field: 0x510, Src: 0x500}))
	require.False(t, set.RememberDownptr(remset.Downptr{Dst: 0x1000, Field: 0x610, Src: 0x600}))

	var visited []remset.Downptr
	set.ForeachRemembered(func(ptr remset.Downptr) {
		visited = append(visited, ptr)
	})
	require.Equal(t, []remset.Downptr{{Dst: 0x1000, Field: 0x510, Src: 0x500}}, visited)
}

func TestPinLevelIsShallowestLevel(t *testing.T) {
	pins := remset.NewPinTable(false)
	deep := remset.NewSet(2, pins, false)
	shallow := remset.NewSet(0, pins, false)

	deep.Remember(0x1000)
	level, pinned := pins.PinLevel(0x1000)
	require.True(t, pinned)
	require.Equal(t, 2, level)

	shallow.Remember(0x1000)
	level, _ = pins.PinLevel(0x1000)
	require.Equal(t, 0, level)

	// A deeper set never raises the pin level
	deep.Unpin(0x1000)
	deep.Remember(0x1000)
	level, _ = pins.PinLevel(0x1000)
	require.Equal(t, 0, level)

	require.NoError(t, deep.Validate())
	require.NoError(t, shallow.Validate())
}

func TestUnpinKeepsDeeperHolds(t *testing.T) {
	pins := remset.NewPinTable(false)
	deep := remset.NewSet(2, pins, false)
	shallow := remset.NewSet(0, pins, false)

	deep.Remember(0x1000)
	shallow.Remember(0x1000)

	require.True(t, shallow.Unpin(0x1000))
	level, pinned := pins.PinLevel(0x1000)
	require.True(t, pinned)
	require.Equal(t, 2, level)
	require.NoError(t, deep.Validate())
	require.NoError(t, shallow.Validate())

	require.True(t, deep.Unpin(0x1000))
	_, pinned = pins.PinLevel(0x1000)
	require.False(t, pinned)
	require.Equal(t, 0, pins.Count())
}

func TestSweepKeepsDeeperHolds(t *testing.T) {
	pins := remset.NewPinTable(false)
	deep := remset.NewSet(3, pins, false)
	middle := remset.NewSet(1, pins, false)
	shallow := remset.NewSet(0, pins, false)

	deep.Remember(0x1000)
	middle.Remember(0x1000)
	shallow.Remember(0x1000)

	require.Equal(t, 1, shallow.Sweep(func(remset.Downptr) bool { return false }))
	level, _ := pins.PinLevel(0x1000)
	require.Equal(t, 1, level)

	middle.Clear()
	level, _ = pins.PinLevel(0x1000)
	require.Equal(t, 3, level)
	require.NoError(t, deep.Validate())
}

func TestConcurrentPinsSettleOnShallowestLevel(t *testing.T) {
	pins := remset.NewPinTable(true)
	sets := []*remset.Set{
		remset.NewSet(2, pins, true),
		remset.NewSet(0, pins, true),
		remset.NewSet(1, pins, true),
	}

	const objects = 1000
	var wg sync.WaitGroup
	for _, set := range sets {
		wg.Add(1)
		go func(set *remset.Set) {
			defer wg.Done()
			for i := 0; i < objects; i++ {
				set.Remember(memutils.ObjPtr(0x1000 + i*16))
			}
		}(set)
	}
	wg.Wait()

	require.Equal(t, objects, pins.Count())
	for i := 0; i < objects; i++ {
		level, pinned := pins.PinLevel(memutils.ObjPtr(0x1000 + i*16))
		require.True(t, pinned)
		require.Equal(t, 0, level)
	}
	for _, set := range sets {
		require.NoError(t, set.Validate())
	}
}

func TestPinLevelsThroughObjectModel(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	pins := mock_remset.NewMockPinLevels(ctrl)
	set := remset.NewSet(3, pins, false)
	parent := remset.NewSet(1, pins, false)

	pins.EXPECT().Pin(memutils.ObjPtr(0x1000), 3)
	require.True(t, set.Remember(0x1000))
	pins.EXPECT().Pin(memutils.ObjPtr(0x2000), 3)
	require.True(t, set.Remember(0x2000))

	// Already recorded, the object model is not consulted
	require.False(t, set.Remember(0x1000))

	pins.EXPECT().Unpin(memutils.ObjPtr(0x2000), 3)
	require.True(t, set.Unpin(0x2000))
	require.False(t, set.Unpin(0x3000))

	// The new hold is taken before the old one is dropped
	gomock.InOrder(
		pins.EXPECT().Pin(memutils.ObjPtr(0x1000), 1),
		pins.EXPECT().Unpin(memutils.ObjPtr(0x1000), 3),
	)
	require.NoError(t, set.MergeInto(parent))
	require.True(t, parent.Contains(0x1000))
}

func TestMergeIntoParent(t *testing.T) {
	pins := remset.NewPinTable(false)
	parent := remset.NewSet(0, pins, false)
	child := remset.NewSet(1, pins, false)

	parent.Remember(0x1000)
	child.Remember(0x1000)
	child.Remember(0x2000)

	require.NoError(t, child.MergeInto(parent))
	require.Equal(t, 0, child.NumRemembered())
	require.Equal(t, 2, parent.NumRemembered())
	require.Equal(t, map[memutils.ObjPtr]int{
		0x1000: 1,
		0x2000: 1,
	}, collect(parent))

	level, pinned := pins.PinLevel(0x2000)
	require.True(t, pinned)
	require.Equal(t, 0, level)

	require.NoError(t, parent.Validate())
	require.NoError(t, child.Validate())
}

func TestMergeIntoDeeperSetFails(t *testing.T) {
	pins := remset.NewPinTable(false)
	parent := remset.NewSet(0, pins, false)
	child := remset.NewSet(1, pins, false)
	parent.Remember(0x1000)

	err := parent.MergeInto(child)
	require.True(t, memutils.IsInvariantViolation(err))
	require.Equal(t, 1, parent.NumRemembered())
	require.Equal(t, 0, child.NumRemembered())

	err = parent.MergeInto(parent)
	require.True(t, memutils.IsInvariantViolation(err))
}

func TestSweepDropsCollectedObjects(t *testing.T) {
	pins := remset.NewPinTable(true)
	set := remset.NewSet(0, pins, true)

	for object := memutils.ObjPtr(0x1000); object < 0x1a00; object += 0x100 {
		set.Remember(object)
	}
	require.Equal(t, 10, set.NumRemembered())

	dropped := set.Sweep(func(ptr remset.Downptr) bool {
		return ptr.Dst < 0x1500
	})
	require.Equal(t, 5, dropped)
	require.Equal(t, 5, set.NumRemembered())
	require.True(t, set.Contains(0x1400))
	require.False(t, set.Contains(0x1500))
	require.Equal(t, 5, pins.Count())

	set.Clear()
	require.Equal(t, 0, set.NumRemembered())
	require.Equal(t, 0, pins.Count())
}

func TestRelevel(t *testing.T) {
	pins := remset.NewPinTable(false)
	set := remset.NewSet(0, pins, false)

	require.NoError(t, set.Relevel(4))
	require.Equal(t, 4, set.Level())

	set.Remember(0x1000)
	err := set.Relevel(5)
	require.True(t, memutils.IsInvariantViolation(err))
	require.Equal(t, 4, set.Level())
}

func TestValidateCatchesUnpinnedEntries(t *testing.T) {
	pins := remset.NewPinTable(false)
	set := remset.NewSet(1, pins, false)

	set.Remember(0x1000)
	pins.Unpin(0x1000, 1)
	require.Error(t, set.Validate())

	pins.Pin(0x1000, 2)
	require.Error(t, set.Validate())

	pins.Pin(0x1000, 1)
	require.NoError(t, set.Validate())
}

func TestPinTableCountsHolds(t *testing.T) {
	pins := remset.NewPinTable(false)

	pins.Pin(0x1000, 2)
	pins.Pin(0x1000, 2)
	pins.Pin(0x1000, 4)

	pins.Unpin(0x1000, 2)
	level, _ := pins.PinLevel(0x1000)
	require.Equal(t, 2, level)

	// Dropping a hold that was never taken changes nothing
	pins.Unpin(0x1000, 3)
	pins.Unpin(0x1000, 7)
	pins.Unpin(0x2000, 0)
	level, _ = pins.PinLevel(0x1000)
	require.Equal(t, 2, level)

	pins.Unpin(0x1000, 2)
	level, _ = pins.PinLevel(0x1000)
	require.Equal(t, 4, level)

	pins.Unpin(0x1000, 4)
	_, pinned := pins.PinLevel(0x1000)
	require.False(t, pinned)
	require.Equal(t, 0, pins.Count())
}
