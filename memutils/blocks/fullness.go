package blocks

// FullnessGroup buckets a superblock by the ratio of its free blocks to its total blocks
type FullnessGroup int

const (
	// CompletelyFull superblocks have no free blocks
	CompletelyFull FullnessGroup = iota
	// NearlyFull superblocks have few free blocks, see Config.NearlyFullFreeRatio
	NearlyFull
	// SomewhatFull superblocks are neither nearly full nor nearly empty
	SomewhatFull
	// NearlyEmpty superblocks have many free blocks, see Config.NearlyEmptyFreeRatio
	NearlyEmpty
	// CompletelyEmpty superblocks have only free blocks. They are kept on their own list because
	// they can be reassigned to any size class.
	CompletelyEmpty
)

// NumFullnessGroups is the number of fullness groups kept per size class. CompletelyEmpty is
// not among them.
const NumFullnessGroups = 4

var fullnessGroupMapping = map[FullnessGroup]string{
	CompletelyFull:  "CompletelyFull",
	NearlyFull:      "NearlyFull",
	SomewhatFull:    "SomewhatFull",
	NearlyEmpty:     "NearlyEmpty",
	CompletelyEmpty: "CompletelyEmpty",
}

func (g FullnessGroup) String() string {
	return fullnessGroupMapping[g]
}

// searchOrder is the order in which a size class is scanned for space: the fullest non-full group
// first, to keep fragmentation down
var searchOrder = [...]FullnessGroup{NearlyFull, SomewhatFull, NearlyEmpty}
