package frontier

import (
	"container/heap"
	"time"
)

// heapItem orders job IDs by priority; the arena owns the job records so
// the heap stays trivially serializable (spec'd resume rebuilds it from the
// arena).
type heapItem struct {
	jobID       string
	priority    float64
	requestedAt time.Time
	seq         uint64
}

type jobHeap []*heapItem

func (h jobHeap) Len() int { return len(h) }

// Less fixes the tie-break order: priority descending, then earliest
// requested_at, then admission sequence. Bandit jitter has already been
// folded into priority by the time items land here.
func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].requestedAt.Equal(h[j].requestedAt) {
		return h[i].requestedAt.Before(h[j].requestedAt)
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) {
	*h = append(*h, x.(*heapItem))
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func (h *jobHeap) push(item *heapItem) {
	heap.Push(h, item)
}

func (h *jobHeap) pop() *heapItem {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*heapItem)
}
