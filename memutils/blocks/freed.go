package blocks

import (
	"sync"
	"sync/atomic"
)

var freedNodePool = sync.Pool{
	New: func() any {
		return &freedNode{}
	},
}

type freedNode struct {
	blocks Blocks
	next   *freedNode
}

// freedQueue holds block runs that were freed by a worker that does not own them. Any number of
// workers may push; only the owning allocator takes, and it always takes everything at once.
type freedQueue struct {
	head  atomic.Pointer[freedNode]
	count atomic.Int64
}

func (q *freedQueue) push(blocks Blocks) {
	node := freedNodePool.Get().(*freedNode)
	node.blocks = blocks

	for {
		head := q.head.Load()
		node.next = head
		if q.head.CompareAndSwap(head, node) {
			q.count.Add(1)
			return
		}
	}
}

// takeAll detaches the whole queue and returns its contents, most recently pushed first
func (q *freedQueue) takeAll() []Blocks {
	node := q.head.Swap(nil)
	if node == nil {
		return nil
	}

	var taken []Blocks
	for node != nil {
		next := node.next
		taken = append(taken, node.blocks)

		node.blocks = Blocks{}
		node.next = nil
		freedNodePool.Put(node)

		node = next
	}
	q.count.Add(-int64(len(taken)))

	return taken
}

func (q *freedQueue) isEmpty() bool {
	return q.head.Load() == nil
}

// pending is an approximate count of runs waiting for the owner
func (q *freedQueue) pending() int {
	return int(q.count.Load())
}

// contains is a slow scan used by Validate and tests. It is only meaningful when no other worker
// is pushing.
func (q *freedQueue) contains(blocks Blocks) bool {
	for node := q.head.Load(); node != nil; node = node.next {
		if node.blocks == blocks {
			return true
		}
	}
	return false
}
