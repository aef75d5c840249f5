// Package pqueue implements the priority queue driving octree traversal
// order: larger-radius (coarser) nodes pop first so a complete-but-blurry
// profile appears quickly and is refined progressively.
package pqueue

import "container/heap"

// Item is a node reference paired with the weight it was pushed with. T is
// left as `any` at the pqueue level; callers (profilereq) push concrete node
// references and read them back with the same type.
type Item struct {
	Value  any
	Weight float32
	// seq breaks ties by insertion order: container/heap does not guarantee
	// FIFO among equal keys, so it must be tracked explicitly.
	seq int
}

// innerHeap implements container/heap.Interface, ordering ascending on
// 1/weight (equivalently descending on weight, with +Inf weight, used to
// seed the traversal root, always popping first).
type innerHeap []Item

func (h innerHeap) Len() int { return len(h) }
func (h innerHeap) Less(i, j int) bool {
	if h[i].Weight != h[j].Weight {
		return h[i].Weight > h[j].Weight // Larger weight (radius) first.
	}
	return h[i].seq < h[j].seq // Ties: earlier push first.
}
func (h innerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *innerHeap) Push(x any)   { *h = append(*h, x.(Item)) }
func (h *innerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is a min-heap of (node, weight) keyed by 1/weight ascending, so the
// largest-weight (coarsest) node always pops first. Duplicate pushes of the
// same node across reload are allowed: traversal identity guards, if
// needed, are the caller's responsibility.
type Queue struct {
	h      innerHeap
	pushed int
}

// Push adds value with the given weight. Use math32.Inf(1) to seed the root
// so it is guaranteed to pop first.
func (q *Queue) Push(value any, weight float32) {
	heap.Push(&q.h, Item{Value: value, Weight: weight, seq: q.pushed})
	q.pushed++
}

// Pop removes and returns the item with the largest weight. ok is false if
// the queue is empty.
func (q *Queue) Pop() (item Item, ok bool) {
	if len(q.h) == 0 {
		return Item{}, false
	}
	return heap.Pop(&q.h).(Item), true
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.h) }

// Reset empties the queue, as done when a traversal is cancelled.
func (q *Queue) Reset() {
	q.h = q.h[:0]
}
