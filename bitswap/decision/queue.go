// Package decision orders outstanding peer wants so that equal-priority
// entries resolve in the order they were requested rather than reshuffling
// on every read. It adapts the activePartner priority-queue idea from
// classic go-ipfs bitswap to the simpler ordering need here: a stable sort
// key, not a task scheduler.
package decision

import (
	"container/heap"
	"time"
)

// Item is anything that can be ordered by priority with a FIFO tie-break.
type Item struct {
	Key       string
	Priority  int32
	CreatedAt time.Time
	index     int
}

// Queue orders Items by descending priority, breaking ties by the earliest
// CreatedAt (FIFO) — the V1 comparator from classic bitswap's peer request
// queue, without the task-lifecycle bookkeeping that comparator also carried.
// Items are keyed by Item.Key: pushing a key already present replaces it in
// place rather than adding a duplicate heap entry.
type Queue struct {
	items itemHeap
	byKey map[string]*Item
}

// NewQueue returns an empty priority queue.
func NewQueue() *Queue {
	q := &Queue{byKey: make(map[string]*Item)}
	heap.Init(&q.items)
	return q
}

// Push inserts it, or, if its Key already has an entry, updates that entry's
// priority/timestamp in place and re-heapifies rather than adding a
// duplicate.
func (q *Queue) Push(it *Item) {
	if existing, ok := q.byKey[it.Key]; ok {
		existing.Priority = it.Priority
		existing.CreatedAt = it.CreatedAt
		heap.Fix(&q.items, existing.index)
		return
	}
	q.byKey[it.Key] = it
	heap.Push(&q.items, it)
}

// Remove drops the entry for key, if any.
func (q *Queue) Remove(key string) {
	it, ok := q.byKey[key]
	if !ok {
		return
	}
	heap.Remove(&q.items, it.index)
	delete(q.byKey, key)
}

// Pop removes and returns the highest-priority item, or nil if empty.
func (q *Queue) Pop() *Item {
	if q.items.Len() == 0 {
		return nil
	}
	it := heap.Pop(&q.items).(*Item)
	delete(q.byKey, it.Key)
	return it
}

// Len reports the number of queued items.
func (q *Queue) Len() int { return q.items.Len() }

// Snapshot returns items in priority order without mutating the queue. It
// copies each Item rather than the pointer so that draining the snapshot's
// heap can't rewrite the live items' index bookkeeping out from under Push
// and Remove.
func (q *Queue) Snapshot() []*Item {
	cp := make(itemHeap, len(q.items))
	for i, it := range q.items {
		dup := *it
		dup.index = i
		cp[i] = &dup
	}
	heap.Init(&cp)
	out := make([]*Item, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*Item))
	}
	return out
}

type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
