// Doubly-linked free list with LRU-by-free-time ordering.

package kvcache

import "github.com/sirupsen/logrus"

// FreeBlockQueue keeps the blocks with refcount zero in eviction order:
// freshly freed blocks enter at the back, eviction draws from the front.
// Sentinel head and tail blocks keep the link surgery branch-free.
type FreeBlockQueue struct {
	head    *Block // sentinel, never returned
	tail    *Block // sentinel, never returned
	numFree int
}

// NewFreeBlockQueue builds a queue holding the given blocks in order.
func NewFreeBlockQueue(blocks []*Block) *FreeBlockQueue {
	q := &FreeBlockQueue{
		head: &Block{ID: -1},
		tail: &Block{ID: -1},
	}
	q.head.nextFree = q.tail
	q.tail.prevFree = q.head
	for _, b := range blocks {
		q.PushBack(b)
	}
	return q
}

// NumFree returns the number of blocks on the queue.
func (q *FreeBlockQueue) NumFree() int { return q.numFree }

// PushBack appends a freed block at the back of the queue.
func (q *FreeBlockQueue) PushBack(b *Block) {
	last := q.tail.prevFree
	last.nextFree = b
	b.prevFree = last
	b.nextFree = q.tail
	q.tail.prevFree = b
	q.numFree++
}

// PopFront removes and returns the least recently freed block, or nil when
// the queue is empty.
func (q *FreeBlockQueue) PopFront() *Block {
	if q.numFree == 0 {
		return nil
	}
	b := q.head.nextFree
	q.unlink(b)
	return b
}

// Remove detaches a block from anywhere in the queue. The block must be on
// the queue; a detached block has nil links, which trips the invariant check.
func (q *FreeBlockQueue) Remove(b *Block) {
	if b.prevFree == nil || b.nextFree == nil {
		logrus.Fatalf("free queue: removing block %d that is not on the free list", b.ID)
	}
	q.unlink(b)
}

func (q *FreeBlockQueue) unlink(b *Block) {
	b.prevFree.nextFree = b.nextFree
	b.nextFree.prevFree = b.prevFree
	b.prevFree = nil
	b.nextFree = nil
	q.numFree--
}

// All returns the queued blocks front to back. Used by diagnostics and by
// tests pinning the eviction order.
func (q *FreeBlockQueue) All() []*Block {
	blocks := make([]*Block, 0, q.numFree)
	for b := q.head.nextFree; b != q.tail; b = b.nextFree {
		blocks = append(blocks, b)
	}
	return blocks
}
