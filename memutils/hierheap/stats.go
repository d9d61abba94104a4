package hierheap

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics summarizes the live nodes of a tree
type Statistics struct {
	NodeCount       int
	ChunkCount      int
	ChunkBlocks     int
	UsedBytes       int
	RememberedCount int
	MaxLevel        int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

func (t *Tree) AddStatistics(stats *Statistics) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	for _, n := range t.nodes {
		if !n.live {
			continue
		}

		stats.NodeCount++
		stats.ChunkCount += len(n.chunks)
		for i, chunk := range n.chunks {
			stats.ChunkBlocks += chunk.blocks.NumBlocks()
			if i == n.lastAllocated {
				chunk.frontier = n.savedFrontier
			}
			stats.UsedBytes += chunk.UsedBytes()
		}
		stats.RememberedCount += n.remembered.NumRemembered()
		if n.level > stats.MaxLevel {
			stats.MaxLevel = n.level
		}
	}
}

// PrintDetailedMap writes every live node with its chunks
func (t *Tree) PrintDetailedMap(writer *jwriter.Writer) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	arrayState := writer.Array()
	defer arrayState.End()

	for index, n := range t.nodes {
		if !n.live {
			continue
		}
		id := NodeID{index: uint32(index), generation: n.generation}

		obj := arrayState.Object()
		obj.Name("Id").String(id.String())
		obj.Name("Parent").String(n.parent.String())
		obj.Name("Level").Int(n.level)
		obj.Name("Remembered").Int(n.remembered.NumRemembered())

		chunks := obj.Name("Chunks").Array()
		for i, chunk := range n.chunks {
			if i == n.lastAllocated {
				chunk.frontier = n.savedFrontier
			}

			chunkObj := chunks.Object()
			chunkObj.Name("Base").String(chunk.Span().Base.String())
			chunkObj.Name("Blocks").Int(chunk.blocks.NumBlocks())
			chunkObj.Name("UsedBytes").Int(chunk.UsedBytes())
			chunkObj.Name("Active").Bool(i == n.lastAllocated)
			chunkObj.End()
		}
		chunks.End()

		obj.End()
	}
}

func (t *Tree) Validate() error {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	live := 0
	ownedBlocks := 0
	for index, n := range t.nodes {
		if !n.live {
			continue
		}
		live++
		id := NodeID{index: uint32(index), generation: n.generation}

		if !n.parent.IsNil() {
			p, err := t.get(n.parent)
			if err != nil {
				return errors.Wrapf(err, "heap node %s has a stale parent", id)
			}
			if n.level != p.level+1 {
				return errors.Newf("heap node %s is at level %d but its parent is at level %d", id, n.level, p.level)
			}

			found := false
			for child := p.firstChild; !child.IsNil(); child = t.nodes[child.index].nextSibling {
				if child == id {
					found = true
					break
				}
			}
			if !found {
				return errors.Newf("heap node %s is missing from the child list of %s", id, n.parent)
			}
		} else if n.level != 0 {
			return errors.Newf("parentless heap node %s is at level %d", id, n.level)
		}

		prev := NoNode
		for child := n.firstChild; !child.IsNil(); child = t.nodes[child.index].nextSibling {
			c, err := t.get(child)
			if err != nil {
				return errors.Wrapf(err, "heap node %s has a stale child", id)
			}
			if c.parent != id {
				return errors.Newf("heap node %s lists %s as a child, but its parent is %s", id, child, c.parent)
			}
			if c.prevSibling != prev {
				return errors.Newf("heap node %s has a broken sibling link", child)
			}
			prev = child
		}

		if n.remembered.Level() != n.level {
			return errors.Newf("heap node %s is at level %d but its remembered set is at level %d", id, n.level, n.remembered.Level())
		}
		err := n.remembered.Validate()
		if err != nil {
			return errors.Wrapf(err, "heap node %s", id)
		}

		if n.lastAllocated >= len(n.chunks) || (n.lastAllocated < 0 && len(n.chunks) > 0) {
			return errors.Newf("heap node %s has active chunk %d out of %d", id, n.lastAllocated, len(n.chunks))
		}
		if active := n.activeChunk(); active != nil && !active.Span().ContainsBoundary(n.savedFrontier) {
			return errors.Newf("heap node %s has frontier %s outside its active chunk %s", id, n.savedFrontier, active.Span())
		}

		for _, chunk := range n.chunks {
			if !chunk.Span().ContainsBoundary(chunk.frontier) {
				return errors.Newf("chunk %s of heap node %s has frontier %s outside it", chunk.Span(), id, chunk.frontier)
			}
			first := uint64(chunk.Span().Base) >> t.blockLog2
			for i := 0; i < chunk.blocks.NumBlocks(); i++ {
				owner, ok := t.owners.Get(first + uint64(i))
				if !ok || owner != id {
					return errors.Newf("block %d of chunk %s is not recorded as owned by heap node %s", i, chunk.Span(), id)
				}
			}
			ownedBlocks += chunk.blocks.NumBlocks()
		}
	}

	if live != t.numLive {
		return errors.Newf("tree counts %d live nodes but holds %d", t.numLive, live)
	}
	if ownedBlocks != t.owners.Count() {
		return errors.Newf("tree records %d owned blocks but its chunks hold %d", t.owners.Count(), ownedBlocks)
	}
	return nil
}
