// Package pqueue implements the priority queue: a binary heap of
// raw-read work items ordered (priority desc, sequence asc), built on
// stdlib container/heap (see DESIGN.md for why this stays on the
// standard library).
package pqueue

import (
	"container/heap"
	"sync"
	"sync/atomic"
)

// Item is anything that can sit in the priority queue. RawBlock
// (pkg/tracker) implements this.
type Item interface {
	Priority() int
	Sequence() uint64
	SetSequence(uint64)
	HeapIndex() int
	SetHeapIndex(int)
}

type innerHeap []Item

func (h innerHeap) Len() int { return len(h) }
func (h innerHeap) Less(i, j int) bool {
	if h[i].Priority() != h[j].Priority() {
		return h[i].Priority() > h[j].Priority() // higher priority first
	}
	return h[i].Sequence() < h[j].Sequence() // FIFO tiebreak
}
func (h innerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].SetHeapIndex(i)
	h[j].SetHeapIndex(j)
}
func (h *innerHeap) Push(x any) {
	item := x.(Item)
	item.SetHeapIndex(len(*h))
	*h = append(*h, item)
}
func (h *innerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.SetHeapIndex(-1)
	*h = old[:n-1]
	return item
}

// Queue is the dispatcher's thread-safe priority queue. Producers
// (the dispatcher) and the consumer (the I/O backend) coordinate
// through a condition variable: Pop blocks until an item is available.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond
	h    innerHeap
	seq  atomic.Uint64
	closed bool
}

// New returns an empty queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues one item, assigning it the next sequence number if it
// doesn't have one yet.
func (q *Queue) Push(item Item) {
	q.mu.Lock()
	if item.Sequence() == 0 {
		item.SetSequence(q.seq.Add(1))
	}
	heap.Push(&q.h, item)
	q.mu.Unlock()
	q.cond.Signal()
}

// PushAll enqueues a list of items in one critical section.
func (q *Queue) PushAll(items []Item) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	for _, item := range items {
		if item.Sequence() == 0 {
			item.SetSequence(q.seq.Add(1))
		}
		heap.Push(&q.h, item)
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Pop removes and returns the highest-priority item, blocking until
// one is available or the queue is closed.
func (q *Queue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.h) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.h) == 0 {
		return nil, false
	}
	return heap.Pop(&q.h).(Item), true
}

// TryPop removes and returns the highest-priority item without
// blocking.
func (q *Queue) TryPop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil, false
	}
	return heap.Pop(&q.h).(Item), true
}

// Peek returns the highest-priority item without removing it.
func (q *Queue) Peek() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil, false
	}
	return q.h[0], true
}

// Reheapify restores heap order after an item's priority changed in
// place.
func (q *Queue) Reheapify(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := item.HeapIndex()
	if idx < 0 || idx >= len(q.h) {
		return
	}
	heap.Fix(&q.h, idx)
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Close wakes every blocked Pop, which then returns (nil, false).
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
